// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// fakeOperators counts operator invocations and synthesizes labeled solutions.
type fakeOperators struct {
	created    int
	recombined int
	mutated    int
	failMutate error
}

func (f *fakeOperators) CreateSolutions(_ context.Context, _ *datatypes.MemoryRecord, _, count int) ([]*datatypes.Solution, error) {
	out := make([]*datatypes.Solution, 0, count)
	for i := 0; i < count; i++ {
		f.created++
		out = append(out, &datatypes.Solution{Title: fmt.Sprintf("immigrant-%d", f.created)})
	}
	return out, nil
}

func (f *fakeOperators) Recombine(_ context.Context, _ *datatypes.MemoryRecord, _ int, a, b *datatypes.Solution) (*datatypes.Solution, error) {
	f.recombined++
	return &datatypes.Solution{Title: fmt.Sprintf("cross(%s,%s)", a.Title, b.Title)}, nil
}

func (f *fakeOperators) Mutate(_ context.Context, _ *datatypes.MemoryRecord, _ int, parent *datatypes.Solution, intensity string) (*datatypes.Solution, error) {
	if f.failMutate != nil {
		return nil, f.failMutate
	}
	f.mutated++
	return &datatypes.Solution{Title: fmt.Sprintf("mut[%s](%s)", intensity, parent.Title)}, nil
}

func rated(title string, rating float64) *datatypes.Solution {
	return &datatypes.Solution{Title: title, EloRating: &rating}
}

func recordWithSeed(seed []*datatypes.Solution) *datatypes.MemoryRecord {
	rec := datatypes.NewMemoryRecord("run-1", "problem")
	rec.SubProblems = []*datatypes.SubProblem{{
		Title:     "sp-0",
		Solutions: datatypes.SolutionSet{Seed: seed},
	}}
	return rec
}

// TestZeroConfigFieldsTakeDefaults locks the zero-means-default contract:
// an unset (zero) fraction is indistinguishable from an explicit zero and
// takes the documented default.
func TestZeroConfigFieldsTakeDefaults(t *testing.T) {
	cfg := Config{PopulationSize: 10}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, 10, cfg.PopulationSize)
	assert.Equal(t, d.EliteFraction, cfg.EliteFraction)
	assert.Equal(t, d.ImmigrationFraction, cfg.ImmigrationFraction)
	assert.Equal(t, d.CrossoverFraction, cfg.CrossoverFraction)
	assert.Equal(t, d.MutationFraction, cfg.MutationFraction)
	assert.Equal(t, d.TournamentSize, cfg.TournamentSize)
	assert.Equal(t, d.MutateAfterCrossoverRate, cfg.MutateAfterCrossoverRate)
	assert.Equal(t, d.MutationIntensity, cfg.MutationIntensity)

	// Negative stays negative: that is the expressible "disabled" value.
	disabled := Config{MutateAfterCrossoverRate: -1}.withDefaults()
	assert.Equal(t, -1.0, disabled.MutateAfterCrossoverRate)
}

// TestCreateNextGenerationCounts verifies the independent fraction counts:
// population 50 with fractions 0.1/0.1/0.5/0.3 yields 5+5+25+15.
func TestCreateNextGenerationCounts(t *testing.T) {
	seed := make([]*datatypes.Solution, 10)
	for i := range seed {
		seed[i] = rated(fmt.Sprintf("seed-%d", i), 1000+float64(i))
	}
	rec := recordWithSeed(seed)

	ops := &fakeOperators{}
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(42))
	// Rule out incidental post-crossover mutations in the count check.
	cfg.MutateAfterCrossoverRate = -1
	mgr := NewManager(ops, cfg)

	gen, err := mgr.CreateNextGeneration(context.Background(), rec, 0)
	require.NoError(t, err)
	assert.Len(t, gen, 50)
	assert.Equal(t, 5, ops.created)
	assert.Equal(t, 25, ops.recombined)
	assert.Equal(t, 15, ops.mutated)

	// Elites are the top 5 by rating, unchanged and in rating order.
	assert.Equal(t, "seed-9", gen[0].Title)
	assert.Equal(t, "seed-5", gen[4].Title)

	require.Len(t, rec.SubProblems[0].Solutions.Populations, 1)
	assert.Equal(t, gen, rec.SubProblems[0].Solutions.Current())
}

// TestEliteCapAtPriorPopulation verifies the elite count cannot exceed the
// available prior population (3 members, elite target 5 -> 3 elites).
func TestEliteCapAtPriorPopulation(t *testing.T) {
	seed := []*datatypes.Solution{
		rated("a", 1010), rated("b", 1005), rated("c", 1000),
	}
	rec := recordWithSeed(seed)

	ops := &fakeOperators{}
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(1))
	cfg.MutateAfterCrossoverRate = -1
	mgr := NewManager(ops, cfg)

	gen, err := mgr.CreateNextGeneration(context.Background(), rec, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", gen[0].Title)
	assert.Equal(t, "b", gen[1].Title)
	assert.Equal(t, "c", gen[2].Title)
	assert.NotEqual(t, "a", gen[3].Title, "only 3 elites from a 3-member prior population")
	assert.Len(t, gen, 48, "5 immigrants + 25 crossover + 15 mutation on top of 3 elites")
}

// TestTournamentLargerThanPopulation verifies selection with replacement
// does not panic when tournament size exceeds the population.
func TestTournamentLargerThanPopulation(t *testing.T) {
	pop := []*datatypes.Solution{
		rated("a", 1000), rated("b", 1200), rated("c", 900),
		rated("d", 1100), rated("e", 950),
	}
	cfg := DefaultConfig()
	cfg.TournamentSize = 7
	cfg.Rand = rand.New(rand.NewSource(7))
	mgr := NewManager(&fakeOperators{}, cfg)

	for i := 0; i < 100; i++ {
		winner := mgr.tournamentSelect(pop)
		require.NotNil(t, winner)
	}
}

// TestTournamentFavorsHighRated verifies the tournament returns the best of
// its sample, which for a size-7 tournament over 5 members is almost always
// the top-rated solution.
func TestTournamentFavorsHighRated(t *testing.T) {
	pop := []*datatypes.Solution{
		rated("low", 900), rated("top", 1300), rated("mid", 1050),
	}
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(3))
	mgr := NewManager(&fakeOperators{}, cfg)

	tops := 0
	for i := 0; i < 200; i++ {
		if mgr.tournamentSelect(pop).Title == "top" {
			tops++
		}
	}
	assert.Greater(t, tops, 150)
}

// TestMissingPriorPopulationFatal verifies the data-integrity error is
// raised immediately when neither seed nor generations exist.
func TestMissingPriorPopulationFatal(t *testing.T) {
	rec := recordWithSeed(nil)
	mgr := NewManager(&fakeOperators{}, DefaultConfig())

	_, err := mgr.CreateNextGeneration(context.Background(), rec, 0)
	assert.ErrorIs(t, err, ErrNoPriorPopulation)
}

// TestOperatorFailurePropagates verifies a generative failure aborts
// construction without storing a partial generation.
func TestOperatorFailurePropagates(t *testing.T) {
	seed := []*datatypes.Solution{rated("a", 1000), rated("b", 1010)}
	rec := recordWithSeed(seed)

	boom := errors.New("model unavailable")
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(5))
	mgr := NewManager(&fakeOperators{failMutate: boom}, cfg)

	_, err := mgr.CreateNextGeneration(context.Background(), rec, 0)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, rec.SubProblems[0].Solutions.Populations)
}

// TestMutatePopulationReplacesWeakest verifies the standalone mutation pass
// replaces the lowest-rated members in place.
func TestMutatePopulationReplacesWeakest(t *testing.T) {
	rec := recordWithSeed(nil)
	rec.SubProblems[0].Solutions.Populations = [][]*datatypes.Solution{{
		rated("strong", 1200), rated("weak", 800), rated("mid", 1000),
	}}

	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(11))
	mgr := NewManager(&fakeOperators{}, cfg)

	require.NoError(t, mgr.MutatePopulation(context.Background(), rec, 0, 1))
	pop := rec.SubProblems[0].Solutions.Current()
	assert.Equal(t, "strong", pop[0].Title)
	assert.NotEqual(t, "weak", pop[1].Title, "weakest member must be replaced")
	assert.Equal(t, "mid", pop[2].Title)
}

// TestElitesAreCopies verifies mutating an elite in the new generation does
// not write through to the previous generation.
func TestElitesAreCopies(t *testing.T) {
	seed := []*datatypes.Solution{rated("a", 1010), rated("b", 1000)}
	rec := recordWithSeed(seed)

	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(2))
	cfg.MutateAfterCrossoverRate = -1
	mgr := NewManager(&fakeOperators{}, cfg)

	gen, err := mgr.CreateNextGeneration(context.Background(), rec, 0)
	require.NoError(t, err)

	r := 1500.0
	gen[0].EloRating = &r
	assert.InDelta(t, 1010.0, *seed[0].EloRating, 1e-9)
}
