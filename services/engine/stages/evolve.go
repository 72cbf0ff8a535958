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
	"math"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/evolution"
)

// =============================================================================
// Generative operators
// =============================================================================

// generativeOperators backs the evolution manager with model calls, charging
// token usage to whichever stage invoked it.
type generativeOperators struct {
	base  *Base
	stage datatypes.Stage
}

var _ evolution.Operators = (*generativeOperators)(nil)

func (g *generativeOperators) CreateSolutions(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex, count int) ([]*datatypes.Solution, error) {
	return g.base.createSolutions(ctx, rec, g.stage, subProblemIndex, count)
}

func (g *generativeOperators) Recombine(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex int, parentA, parentB *datatypes.Solution) (*datatypes.Solution, error) {
	user := fmt.Sprintf("%s\nParent one:\n%s\nParent two:\n%s",
		renderSubProblemContext(rec, subProblemIndex),
		renderSolution(parentA),
		renderSolution(parentB))
	return g.generateSolution(ctx, rec, systemRecombineSolutions, user)
}

func (g *generativeOperators) Mutate(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex int, parent *datatypes.Solution, intensity string) (*datatypes.Solution, error) {
	user := fmt.Sprintf("%s\nChange intensity: %s\nCandidate:\n%s",
		renderSubProblemContext(rec, subProblemIndex),
		intensity,
		renderSolution(parent))
	return g.generateSolution(ctx, rec, systemMutateSolution, user)
}

func (g *generativeOperators) generateSolution(ctx context.Context, rec *datatypes.MemoryRecord, system, user string) (*datatypes.Solution, error) {
	var decoded struct {
		Title                          string `json:"title"`
		Description                    string `json:"description"`
		MainBenefitOfSolution          string `json:"mainBenefitOfSolution"`
		MainObstacleToSolutionAdoption string `json:"mainObstacleToSolutionAdoption"`
	}
	if _, err := g.base.Generate(ctx, rec, g.stage, system, user, &decoded); err != nil {
		return nil, err
	}
	if decoded.Title == "" {
		return nil, fmt.Errorf("stage %s: model returned an untitled solution", g.stage)
	}
	return &datatypes.Solution{
		Title:                          decoded.Title,
		Description:                    decoded.Description,
		MainBenefitOfSolution:          decoded.MainBenefitOfSolution,
		MainObstacleToSolutionAdoption: decoded.MainObstacleToSolutionAdoption,
	}, nil
}

// newManager wires the base's pipeline settings into an evolution manager
// charging usage to stage.
func newManager(b *Base, stage datatypes.Stage) *evolution.Manager {
	return evolution.NewManager(&generativeOperators{base: b, stage: stage}, evolution.Config{
		PopulationSize:           b.Cfg.PopulationSize,
		EliteFraction:            b.Cfg.EliteFraction,
		ImmigrationFraction:      b.Cfg.ImmigrationFraction,
		CrossoverFraction:        b.Cfg.CrossoverFraction,
		MutationFraction:         b.Cfg.MutationFraction,
		TournamentSize:           b.Cfg.TournamentSize,
		MutateAfterCrossoverRate: b.Cfg.MutateAfterCrossoverRate,
		MutationIntensity:        b.Cfg.MutationIntensity,
		Rand:                     b.Rand,
		Logger:                   b.Logger,
	})
}

// =============================================================================
// evolve-create-population
// =============================================================================

// EvolveCreatePopulation assembles the next full generation for every
// sub-problem from elites, immigrants, crossover offspring, and mutants.
type EvolveCreatePopulation struct {
	*Base
}

func (p *EvolveCreatePopulation) Name() datatypes.Stage { return datatypes.StageEvolveCreatePopulation }

func (p *EvolveCreatePopulation) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	// One pass advances every sub-problem by exactly one generation. A
	// redelivered job resumes from the checkpoint mid-pass, so sub-problems
	// already at the target count are skipped rather than grown again.
	target := targetGeneration(rec)
	mgr := newManager(p.Base, p.Name())
	for i, sp := range rec.SubProblems {
		if len(sp.Solutions.Populations) >= target {
			p.Logger.Info("Generation already present, skipping",
				"run_id", rec.RunID, "sub_problem", i, "generations", len(sp.Solutions.Populations))
			continue
		}
		gen, err := mgr.CreateNextGeneration(ctx, rec, i)
		if err != nil {
			return fmt.Errorf("stage %s: sub-problem %d: %w", p.Name(), i, err)
		}
		if p.Metrics != nil {
			p.Metrics.GenerationSize.Observe(float64(len(gen)))
		}
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
		p.Logger.Info("Generation created",
			"run_id", rec.RunID, "sub_problem", i, "size", len(gen))
	}
	return nil
}

// targetGeneration is the generation count every sub-problem should hold
// after one evolve-create-population pass: the minimum stored count across
// sub-problems plus one.
func targetGeneration(rec *datatypes.MemoryRecord) int {
	target := math.MaxInt
	for _, sp := range rec.SubProblems {
		if n := len(sp.Solutions.Populations); n < target {
			target = n
		}
	}
	if target == math.MaxInt {
		target = 0
	}
	return target + 1
}

// =============================================================================
// evolve-mutate-population
// =============================================================================

// EvolveMutatePopulation replaces the weakest members of every current
// population with mutants of tournament-selected parents.
type EvolveMutatePopulation struct {
	*Base
}

func (p *EvolveMutatePopulation) Name() datatypes.Stage { return datatypes.StageEvolveMutatePopulation }

func (p *EvolveMutatePopulation) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	mgr := newManager(p.Base, p.Name())
	count := int(math.Floor(float64(p.Cfg.PopulationSize) * p.Cfg.MutationFraction))
	for i := range rec.SubProblems {
		if err := mgr.MutatePopulation(ctx, rec, i, count); err != nil {
			return fmt.Errorf("stage %s: sub-problem %d: %w", p.Name(), i, err)
		}
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// evolve-recombine-population
// =============================================================================

// EvolveRecombinePopulation replaces the weakest members of every current
// population with crossover offspring.
type EvolveRecombinePopulation struct {
	*Base
}

func (p *EvolveRecombinePopulation) Name() datatypes.Stage {
	return datatypes.StageEvolveRecombinePopulation
}

func (p *EvolveRecombinePopulation) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	mgr := newManager(p.Base, p.Name())
	count := int(math.Floor(float64(p.Cfg.PopulationSize) * p.Cfg.CrossoverFraction))
	for i := range rec.SubProblems {
		if err := mgr.RecombinePopulation(ctx, rec, i, count); err != nil {
			return fmt.Errorf("stage %s: sub-problem %d: %w", p.Name(), i, err)
		}
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// evolve-rank-population
// =============================================================================

// EvolveRankPopulation re-ranks the current population of every sub-problem
// after the evolutionary operators have run.
type EvolveRankPopulation struct {
	*Base
}

func (p *EvolveRankPopulation) Name() datatypes.Stage { return datatypes.StageEvolveRankPopulation }

func (p *EvolveRankPopulation) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	return rankCurrentPopulations(ctx, p.Base, rec, p.Name())
}
