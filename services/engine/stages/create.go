// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"fmt"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/search"
)

// =============================================================================
// create-sub-problems
// =============================================================================

// CreateSubProblems decomposes the problem statement into sub-problems.
type CreateSubProblems struct {
	*Base
}

func (p *CreateSubProblems) Name() datatypes.Stage { return datatypes.StageCreateSubProblems }

func (p *CreateSubProblems) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	// Sub-problems are created once; a redelivered job must not duplicate.
	if len(rec.SubProblems) > 0 {
		p.Logger.Info("Sub-problems already present, skipping",
			"run_id", rec.RunID, "count", len(rec.SubProblems))
		return nil
	}

	var decoded []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if _, err := p.Generate(ctx, rec, p.Name(), systemCreateSubProblems, renderProblemContext(rec), &decoded); err != nil {
		return err
	}

	for _, d := range decoded {
		if d.Title == "" {
			continue
		}
		rec.SubProblems = append(rec.SubProblems, &datatypes.SubProblem{
			Title:       d.Title,
			Description: d.Description,
		})
	}
	if len(rec.SubProblems) == 0 {
		return fmt.Errorf("stage %s: model returned no sub-problems", p.Name())
	}
	p.Logger.Info("Sub-problems created", "run_id", rec.RunID, "count", len(rec.SubProblems))
	return p.checkpoint(ctx, rec)
}

// =============================================================================
// create-entities
// =============================================================================

// CreateEntities identifies affected entities for every sub-problem.
type CreateEntities struct {
	*Base
}

func (p *CreateEntities) Name() datatypes.Stage { return datatypes.StageCreateEntities }

func (p *CreateEntities) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		if len(sp.Entities) > 0 {
			continue
		}

		var decoded []struct {
			Name            string   `json:"name"`
			PositiveEffects []string `json:"positiveEffects"`
			NegativeEffects []string `json:"negativeEffects"`
		}
		if _, err := p.Generate(ctx, rec, p.Name(), systemCreateEntities, renderSubProblemContext(rec, i), &decoded); err != nil {
			return err
		}

		for _, d := range decoded {
			if d.Name == "" {
				continue
			}
			sp.Entities = append(sp.Entities, &datatypes.Entity{
				Name:            d.Name,
				PositiveEffects: d.PositiveEffects,
				NegativeEffects: d.NegativeEffects,
			})
		}
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// create-search-queries
// =============================================================================

// CreateSearchQueries generates per-category research queries for the
// problem statement and every sub-problem.
type CreateSearchQueries struct {
	*Base
}

func (p *CreateSearchQueries) Name() datatypes.Stage { return datatypes.StageCreateSearchQueries }

func (p *CreateSearchQueries) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	if len(rec.ProblemStatement.SearchQueries) == 0 {
		queries, err := p.generateQueries(ctx, rec, renderProblemContext(rec))
		if err != nil {
			return err
		}
		rec.ProblemStatement.SearchQueries = queries
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}

	for i, sp := range rec.SubProblems {
		if len(sp.SearchQueries) > 0 {
			continue
		}
		queries, err := p.generateQueries(ctx, rec, renderSubProblemContext(rec, i))
		if err != nil {
			return err
		}
		sp.SearchQueries = queries
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *CreateSearchQueries) generateQueries(ctx context.Context, rec *datatypes.MemoryRecord, contextBlock string) (datatypes.SearchQueries, error) {
	var decoded struct {
		General    []string `json:"general"`
		Scientific []string `json:"scientific"`
		OpenData   []string `json:"openData"`
		News       []string `json:"news"`
	}
	if _, err := p.Generate(ctx, rec, p.Name(), systemCreateSearchQueries, contextBlock, &decoded); err != nil {
		return nil, err
	}
	return datatypes.SearchQueries{
		datatypes.SearchCategoryGeneral:    decoded.General,
		datatypes.SearchCategoryScientific: decoded.Scientific,
		datatypes.SearchCategoryOpenData:   decoded.OpenData,
		datatypes.SearchCategoryNews:       decoded.News,
	}, nil
}

// =============================================================================
// create-seed-solutions
// =============================================================================

// CreateSeedSolutions generates the initial solution set per sub-problem,
// grounded in retrieved context.
type CreateSeedSolutions struct {
	*Base
}

func (p *CreateSeedSolutions) Name() datatypes.Stage { return datatypes.StageCreateSeedSolutions }

func (p *CreateSeedSolutions) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		if len(sp.Solutions.Seed) > 0 {
			continue
		}
		solutions, err := p.createSolutions(ctx, rec, p.Name(), i, p.Cfg.SeedSolutionCount)
		if err != nil {
			return err
		}
		sp.Solutions.Seed = solutions
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
		p.Logger.Info("Seed solutions created",
			"run_id", rec.RunID, "sub_problem", i, "count", len(solutions))
	}
	return nil
}

// createSolutions is the shared generation path for seed solutions and
// evolutionary immigration: retrieve context, then ask the model for count
// distinct candidates.
func (b *Base) createSolutions(ctx context.Context, rec *datatypes.MemoryRecord, stage datatypes.Stage, spIndex, count int) ([]*datatypes.Solution, error) {
	sp := rec.SubProblems[spIndex]

	var snippets []search.Snippet
	if b.Vector != nil {
		var err error
		snippets, err = b.Vector.SearchSimilar(ctx, sp.Title+" "+sp.Description, rec.RunID, spIndex,
			string(datatypes.SearchCategoryGeneral), 5)
		if err != nil {
			// Vector retrieval is an enrichment; generation proceeds on
			// web results alone.
			b.Logger.Warn("Vector retrieval failed",
				"run_id", rec.RunID, "sub_problem", spIndex, "error", err)
			snippets = nil
		}
	}
	var topResults []datatypes.SearchResult
	if cr := sp.SearchResults[datatypes.SearchCategoryGeneral]; cr != nil {
		topResults = cr.Organic[:min(len(cr.Organic), 5)]
	}

	user := fmt.Sprintf("%s\n%s\nPropose %d distinct solutions.",
		renderSubProblemContext(rec, spIndex),
		renderContextSnippets(snippets, topResults),
		count)

	var decoded []struct {
		Title                          string `json:"title"`
		Description                    string `json:"description"`
		MainBenefitOfSolution          string `json:"mainBenefitOfSolution"`
		MainObstacleToSolutionAdoption string `json:"mainObstacleToSolutionAdoption"`
	}
	if _, err := b.Generate(ctx, rec, stage, systemCreateSolutions, user, &decoded); err != nil {
		return nil, err
	}

	solutions := make([]*datatypes.Solution, 0, len(decoded))
	for _, d := range decoded {
		if d.Title == "" {
			continue
		}
		solutions = append(solutions, &datatypes.Solution{
			Title:                          d.Title,
			Description:                    d.Description,
			MainBenefitOfSolution:          d.MainBenefitOfSolution,
			MainObstacleToSolutionAdoption: d.MainObstacleToSolutionAdoption,
		})
	}
	if len(solutions) == 0 {
		return nil, fmt.Errorf("stage %s: model returned no solutions for sub-problem %d", stage, spIndex)
	}
	return solutions, nil
}

// =============================================================================
// create-pros-cons
// =============================================================================

// CreateProsCons fills in pros and cons for every solution in the current
// population of every sub-problem.
type CreateProsCons struct {
	*Base
}

func (p *CreateProsCons) Name() datatypes.Stage { return datatypes.StageCreateProsCons }

func (p *CreateProsCons) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		for _, sol := range sp.Solutions.Current() {
			if len(sol.Pros) > 0 || len(sol.Cons) > 0 {
				continue
			}

			var decoded struct {
				Pros []string `json:"pros"`
				Cons []string `json:"cons"`
			}
			user := renderSubProblemContext(rec, i) + "\nSolution under assessment:\n" + renderSolution(sol)
			if _, err := p.Generate(ctx, rec, p.Name(), systemCreateProsCons, user, &decoded); err != nil {
				return err
			}
			sol.Pros = decoded.Pros
			sol.Cons = decoded.Cons
			if err := p.checkpoint(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
