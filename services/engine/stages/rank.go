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

	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/ranking"
)

// rankItems runs one pairwise ranking pass over items, voting through the
// generative client. Every vote's token usage is accounted and checkpointed;
// outcomes are classified by ranking.ClassifyVote, so any answer that is not
// a clean win counts as indeterminate rather than an error.
func rankItems[T any](ctx context.Context, b *Base, rec *datatypes.MemoryRecord, stage datatypes.Stage,
	instruction, contextBlock string, items []T, render func(T) string) ([]T, []float64, error) {

	if len(items) < 2 {
		ratings := make([]float64, len(items))
		for i := range ratings {
			ratings[i] = ranking.InitialRating
		}
		return items, ratings, nil
	}

	voter := ranking.VoterFunc[T](func(ctx context.Context, first, second T) (ranking.Outcome, error) {
		user := instruction + "\n\n" + contextBlock +
			"\nItem one:\n" + render(first) +
			"\n\nItem two:\n" + render(second)
		text, err := b.CompleteOnce(ctx, rec, stage, systemPairwiseVote, user)
		if err != nil {
			return ranking.OutcomeUnrecognized, err
		}
		outcome := ranking.ClassifyVote(text)
		b.Metrics.ObserveComparison(stage.String(), outcome.String())
		return outcome, nil
	})

	engine := ranking.NewEngine(items, voter, ranking.Config{
		MaxPairs: b.Cfg.MaxRankingPairs,
		Rand:     b.Rand,
		Logger:   b.Logger,
	})
	if err := engine.Run(ctx); err != nil {
		return nil, nil, err
	}
	ordered, ratings := engine.OrderedWithRatings()
	return ordered, ratings, nil
}

// =============================================================================
// rank-sub-problems
// =============================================================================

// RankSubProblems reorders the sub-problem list by importance.
type RankSubProblems struct {
	*Base
}

func (p *RankSubProblems) Name() datatypes.Stage { return datatypes.StageRankSubProblems }

func (p *RankSubProblems) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	ordered, ratings, err := rankItems(ctx, p.Base, rec, p.Name(),
		voteSubProblems, renderProblemContext(rec), rec.SubProblems,
		func(sp *datatypes.SubProblem) string { return sp.Title + "\n" + sp.Description })
	if err != nil {
		return err
	}
	for i, sp := range ordered {
		r := ratings[i]
		sp.EloRating = &r
	}
	rec.SubProblems = ordered
	return p.checkpoint(ctx, rec)
}

// =============================================================================
// rank-entities
// =============================================================================

// RankEntities reorders each sub-problem's entities by importance, with
// rating export.
type RankEntities struct {
	*Base
}

func (p *RankEntities) Name() datatypes.Stage { return datatypes.StageRankEntities }

func (p *RankEntities) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		if len(sp.Entities) < 2 {
			continue
		}
		ordered, ratings, err := rankItems(ctx, p.Base, rec, p.Name(),
			voteEntities, renderSubProblemContext(rec, i), sp.Entities,
			func(e *datatypes.Entity) string { return e.Name })
		if err != nil {
			return err
		}
		for j, e := range ordered {
			r := ratings[j]
			e.EloRating = &r
		}
		sp.Entities = ordered
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// rank-search-queries
// =============================================================================

// RankSearchQueries orders each query list so the most promising queries are
// searched first.
type RankSearchQueries struct {
	*Base
}

func (p *RankSearchQueries) Name() datatypes.Stage { return datatypes.StageRankSearchQueries }

func (p *RankSearchQueries) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	if err := p.rankQuerySet(ctx, rec, rec.ProblemStatement.SearchQueries, renderProblemContext(rec)); err != nil {
		return err
	}
	for i, sp := range rec.SubProblems {
		if err := p.rankQuerySet(ctx, rec, sp.SearchQueries, renderSubProblemContext(rec, i)); err != nil {
			return err
		}
	}
	return nil
}

func (p *RankSearchQueries) rankQuerySet(ctx context.Context, rec *datatypes.MemoryRecord,
	queries datatypes.SearchQueries, contextBlock string) error {

	for _, cat := range datatypes.SearchCategories {
		qs := queries[cat]
		if len(qs) < 2 {
			continue
		}
		ordered, _, err := rankItems(ctx, p.Base, rec, p.Name(),
			voteSearchQueries, contextBlock, qs,
			func(q string) string { return q })
		if err != nil {
			return err
		}
		queries[cat] = ordered
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// rank-search-results
// =============================================================================

// RankSearchResults reorders retrieved pages per category by relevance, with
// rating export.
type RankSearchResults struct {
	*Base
}

func (p *RankSearchResults) Name() datatypes.Stage { return datatypes.StageRankSearchResults }

func (p *RankSearchResults) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		for _, cat := range datatypes.SearchCategories {
			cr := sp.SearchResults[cat]
			if cr == nil || len(cr.Organic) < 2 {
				continue
			}
			ordered, ratings, err := rankItems(ctx, p.Base, rec, p.Name(),
				voteSearchResults, renderSubProblemContext(rec, i), cr.Organic,
				func(r datatypes.SearchResult) string { return r.Title + "\n" + r.Snippet })
			if err != nil {
				return err
			}
			for j := range ordered {
				r := ratings[j]
				ordered[j].EloRating = &r
			}
			cr.Organic = ordered
			if err := p.checkpoint(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// rank-pros-cons
// =============================================================================

// RankProsCons orders each solution's pros and cons by decisiveness.
type RankProsCons struct {
	*Base
}

func (p *RankProsCons) Name() datatypes.Stage { return datatypes.StageRankProsCons }

func (p *RankProsCons) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		for _, sol := range sp.Solutions.Current() {
			contextBlock := renderSubProblemContext(rec, i) + "\nSolution:\n" + renderSolution(sol)

			ordered, _, err := rankItems(ctx, p.Base, rec, p.Name(),
				voteProsCons, contextBlock, sol.Pros,
				func(s string) string { return s })
			if err != nil {
				return err
			}
			sol.Pros = ordered

			ordered, _, err = rankItems(ctx, p.Base, rec, p.Name(),
				voteProsCons, contextBlock, sol.Cons,
				func(s string) string { return s })
			if err != nil {
				return err
			}
			sol.Cons = ordered

			if err := p.checkpoint(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// rank-solutions
// =============================================================================

// RankSolutions reorders each sub-problem's current population by promise,
// with rating export; the ratings drive elitism and tournament selection in
// the evolution stages.
type RankSolutions struct {
	*Base
}

func (p *RankSolutions) Name() datatypes.Stage { return datatypes.StageRankSolutions }

func (p *RankSolutions) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	return rankCurrentPopulations(ctx, p.Base, rec, p.Name())
}

// rankCurrentPopulations ranks each sub-problem's most recent population in
// place. Shared with evolve-rank-population.
func rankCurrentPopulations(ctx context.Context, b *Base, rec *datatypes.MemoryRecord, stage datatypes.Stage) error {
	if err := b.requireInitialized(rec); err != nil {
		return err
	}

	for i, sp := range rec.SubProblems {
		pop := sp.Solutions.Current()
		if len(pop) < 2 {
			continue
		}
		ordered, ratings, err := rankItems(ctx, b, rec, stage,
			voteSolutions, renderSubProblemContext(rec, i), pop,
			func(s *datatypes.Solution) string { return renderSolution(s) })
		if err != nil {
			return err
		}
		for j, sol := range ordered {
			r := ratings[j]
			sol.EloRating = &r
		}
		if n := len(sp.Solutions.Populations); n > 0 {
			sp.Solutions.Populations[n-1] = ordered
		} else {
			sp.Solutions.Seed = ordered
		}
		if err := b.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
