// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evolution builds successive generations of candidate solutions per
// sub-problem using elitism, random immigration, crossover, and mutation.
//
// The crossover and mutation operators are implemented by the caller through
// the Operators interface, delegating the actual recombination to the
// generative completion client.
//
// Fraction policy: elite, immigration, crossover, and mutation counts are
// each computed independently as floor(populationSize * fraction) of the
// total population size. The generation is assembled in that order and every
// step is capped so the running total never exceeds the population size;
// overshoot from fractions summing past 1.0 is corrected by truncation.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// ErrNoPriorPopulation is returned when a sub-problem has neither a seed set
// nor any stored generation. Data-integrity failure: fatal, not retried.
var ErrNoPriorPopulation = errors.New("evolution: sub-problem has no prior population")

// defaultRating is assumed for solutions no ranking pass has rated yet.
const defaultRating = 1000.0

// Operators are the generative delegates for population construction.
type Operators interface {
	// CreateSolutions generates count brand-new candidate solutions for the
	// sub-problem, using the same retrieval-plus-generation path as the
	// original seed stage.
	CreateSolutions(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex, count int) ([]*datatypes.Solution, error)

	// Recombine combines two parents' attributes into one offspring,
	// reusing only existing attributes.
	Recombine(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex int, parentA, parentB *datatypes.Solution) (*datatypes.Solution, error)

	// Mutate perturbs one parent with a qualitative change intensity
	// ("low", "medium", "high").
	Mutate(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex int, parent *datatypes.Solution, intensity string) (*datatypes.Solution, error)
}

// Config tunes generation construction.
//
// Zero values mean "use the default", so a fraction cannot be configured to
// exactly zero: to suppress an operator class, set its fraction small enough
// that floor(PopulationSize*fraction) is zero.
type Config struct {
	// PopulationSize is the fixed size of every generation. Default 50.
	PopulationSize int

	// EliteFraction of the population carried over unchanged. Default 0.1.
	EliteFraction float64

	// ImmigrationFraction of the population generated from scratch.
	// Default 0.1.
	ImmigrationFraction float64

	// CrossoverFraction of the population produced by recombination.
	// Default 0.5.
	CrossoverFraction float64

	// MutationFraction of the population produced by single-parent
	// mutation. Default 0.3.
	MutationFraction float64

	// TournamentSize is the sample size for tournament selection.
	// Default 7. Draws are with replacement, so a tournament larger than
	// the population is permitted.
	TournamentSize int

	// MutateAfterCrossoverRate is the probability an offspring is
	// additionally mutated before insertion. Negative disables it.
	// Default 0.3.
	MutateAfterCrossoverRate float64

	// MutationIntensity is the qualitative change parameter passed to the
	// mutate operator. Default "medium".
	MutationIntensity string

	// Rand supplies selection randomness. Nil uses a time-seeded source.
	Rand *rand.Rand

	// Logger receives per-generation progress. Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard fraction schedule (sums to 1.0).
func DefaultConfig() Config {
	return Config{
		PopulationSize:           50,
		EliteFraction:            0.1,
		ImmigrationFraction:      0.1,
		CrossoverFraction:        0.5,
		MutationFraction:         0.3,
		TournamentSize:           7,
		MutateAfterCrossoverRate: 0.3,
		MutationIntensity:        "medium",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PopulationSize <= 0 {
		c.PopulationSize = d.PopulationSize
	}
	if c.EliteFraction <= 0 {
		c.EliteFraction = d.EliteFraction
	}
	if c.ImmigrationFraction <= 0 {
		c.ImmigrationFraction = d.ImmigrationFraction
	}
	if c.CrossoverFraction <= 0 {
		c.CrossoverFraction = d.CrossoverFraction
	}
	if c.MutationFraction <= 0 {
		c.MutationFraction = d.MutationFraction
	}
	if c.TournamentSize <= 0 {
		c.TournamentSize = d.TournamentSize
	}
	if c.MutateAfterCrossoverRate == 0 {
		c.MutateAfterCrossoverRate = d.MutateAfterCrossoverRate
	}
	if c.MutationIntensity == "" {
		c.MutationIntensity = d.MutationIntensity
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Manager assembles generations for sub-problems.
type Manager struct {
	ops Operators
	cfg Config
}

// NewManager creates a population manager.
func NewManager(ops Operators, cfg Config) *Manager {
	return &Manager{ops: ops, cfg: cfg.withDefaults()}
}

// CreateNextGeneration builds the next generation for one sub-problem from
// its most recent population (or the seed set when none exists), appends it
// to the sub-problem's populations list, and returns it.
//
// A failure in any generative call propagates and aborts construction; no
// partial generation is stored, so the caller re-runs the whole sub-problem
// on retry.
func (m *Manager) CreateNextGeneration(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex int) ([]*datatypes.Solution, error) {
	if subProblemIndex < 0 || subProblemIndex >= len(rec.SubProblems) {
		return nil, fmt.Errorf("evolution: sub-problem index %d out of range", subProblemIndex)
	}
	sp := rec.SubProblems[subProblemIndex]
	previous := sp.Solutions.Current()
	if len(previous) == 0 {
		return nil, fmt.Errorf("run %s sub-problem %d: %w", rec.RunID, subProblemIndex, ErrNoPriorPopulation)
	}

	size := m.cfg.PopulationSize
	generation := make([]*datatypes.Solution, 0, size)

	// Elitism: top performers carried over unchanged, capped at the prior
	// population size.
	eliteCount := min(int(float64(size)*m.cfg.EliteFraction), len(previous))
	generation = append(generation, topRated(previous, eliteCount)...)

	// Immigration: fresh candidates through the seed-generation path.
	immigrantCount := min(int(float64(size)*m.cfg.ImmigrationFraction), size-len(generation))
	if immigrantCount > 0 {
		immigrants, err := m.ops.CreateSolutions(ctx, rec, subProblemIndex, immigrantCount)
		if err != nil {
			return nil, fmt.Errorf("evolution: immigration for sub-problem %d: %w", subProblemIndex, err)
		}
		if len(immigrants) > immigrantCount {
			immigrants = immigrants[:immigrantCount]
		}
		generation = append(generation, immigrants...)
	}

	// Crossover: tournament-selected parent pairs recombined, with an
	// optional extra mutation per offspring.
	crossoverCount := min(int(float64(size)*m.cfg.CrossoverFraction), size-len(generation))
	for i := 0; i < crossoverCount; i++ {
		parentA := m.tournamentSelect(previous)
		parentB := m.tournamentSelect(previous)
		offspring, err := m.ops.Recombine(ctx, rec, subProblemIndex, parentA, parentB)
		if err != nil {
			return nil, fmt.Errorf("evolution: crossover for sub-problem %d: %w", subProblemIndex, err)
		}
		if m.cfg.Rand.Float64() < m.cfg.MutateAfterCrossoverRate {
			offspring, err = m.ops.Mutate(ctx, rec, subProblemIndex, offspring, m.cfg.MutationIntensity)
			if err != nil {
				return nil, fmt.Errorf("evolution: post-crossover mutation for sub-problem %d: %w", subProblemIndex, err)
			}
		}
		generation = append(generation, offspring)
	}

	// Mutation: single tournament-selected parents perturbed, capped so the
	// total never exceeds the population size.
	mutationCount := min(int(float64(size)*m.cfg.MutationFraction), size-len(generation))
	for i := 0; i < mutationCount; i++ {
		parent := m.tournamentSelect(previous)
		mutant, err := m.ops.Mutate(ctx, rec, subProblemIndex, parent, m.cfg.MutationIntensity)
		if err != nil {
			return nil, fmt.Errorf("evolution: mutation for sub-problem %d: %w", subProblemIndex, err)
		}
		generation = append(generation, mutant)
	}

	sp.Solutions.Populations = append(sp.Solutions.Populations, generation)
	m.cfg.Logger.Info("Generation assembled",
		"run_id", rec.RunID,
		"sub_problem", subProblemIndex,
		"generation", len(sp.Solutions.Populations)-1,
		"elite", eliteCount,
		"immigrants", immigrantCount,
		"crossover", crossoverCount,
		"mutation", mutationCount,
		"size", len(generation))
	return generation, nil
}

// MutatePopulation replaces the lowest-rated count members of the current
// population with mutants of tournament-selected parents. Used by the
// standalone evolve-mutate-population stage.
func (m *Manager) MutatePopulation(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex, count int) error {
	sp := rec.SubProblems[subProblemIndex]
	pop := sp.Solutions.Current()
	if len(pop) == 0 {
		return fmt.Errorf("run %s sub-problem %d: %w", rec.RunID, subProblemIndex, ErrNoPriorPopulation)
	}
	count = min(count, len(pop))

	order := ratingOrder(pop)
	for i := 0; i < count; i++ {
		parent := m.tournamentSelect(pop)
		mutant, err := m.ops.Mutate(ctx, rec, subProblemIndex, parent, m.cfg.MutationIntensity)
		if err != nil {
			return fmt.Errorf("evolution: mutating sub-problem %d: %w", subProblemIndex, err)
		}
		// Replace from the bottom of the rating order.
		pop[order[len(order)-1-i]] = mutant
	}
	return nil
}

// RecombinePopulation replaces the lowest-rated count members of the current
// population with offspring of tournament-selected parent pairs. Used by the
// standalone evolve-recombine-population stage.
func (m *Manager) RecombinePopulation(ctx context.Context, rec *datatypes.MemoryRecord, subProblemIndex, count int) error {
	sp := rec.SubProblems[subProblemIndex]
	pop := sp.Solutions.Current()
	if len(pop) == 0 {
		return fmt.Errorf("run %s sub-problem %d: %w", rec.RunID, subProblemIndex, ErrNoPriorPopulation)
	}
	count = min(count, len(pop))

	order := ratingOrder(pop)
	for i := 0; i < count; i++ {
		parentA := m.tournamentSelect(pop)
		parentB := m.tournamentSelect(pop)
		offspring, err := m.ops.Recombine(ctx, rec, subProblemIndex, parentA, parentB)
		if err != nil {
			return fmt.Errorf("evolution: recombining sub-problem %d: %w", subProblemIndex, err)
		}
		pop[order[len(order)-1-i]] = offspring
	}
	return nil
}

// tournamentSelect draws TournamentSize members with replacement and returns
// the highest rated. Safe when the tournament exceeds the population.
func (m *Manager) tournamentSelect(pop []*datatypes.Solution) *datatypes.Solution {
	best := pop[m.cfg.Rand.Intn(len(pop))]
	for i := 1; i < m.cfg.TournamentSize; i++ {
		candidate := pop[m.cfg.Rand.Intn(len(pop))]
		if candidate.Rating(defaultRating) > best.Rating(defaultRating) {
			best = candidate
		}
	}
	return best
}

// ratingOrder returns population indices sorted descending by rating,
// stable on ties.
func ratingOrder(pop []*datatypes.Solution) []int {
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return pop[order[a]].Rating(defaultRating) > pop[order[b]].Rating(defaultRating)
	})
	return order
}

// topRated returns copies of the top count solutions by rating, descending.
// Elites are shallow-copied so later rating passes on the new generation do
// not retroactively mutate the previous one.
func topRated(pop []*datatypes.Solution, count int) []*datatypes.Solution {
	order := ratingOrder(pop)
	elites := make([]*datatypes.Solution, 0, count)
	for _, idx := range order[:count] {
		cp := *pop[idx]
		elites = append(elites, &cp)
	}
	return elites
}
