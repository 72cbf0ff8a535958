// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranking

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alphabeticalVoter always favors the lexically earlier item.
func alphabeticalVoter() Voter[string] {
	return VoterFunc[string](func(_ context.Context, first, second string) (Outcome, error) {
		if first < second {
			return OutcomeWinsFirst, nil
		}
		return OutcomeWinsSecond, nil
	})
}

// TestFullOrderingScenario covers the 4-item transitive scenario: all votes
// decisive and always favoring the earlier letter yields exactly [A B C D].
func TestFullOrderingScenario(t *testing.T) {
	items := []string{"D", "B", "A", "C"}
	e := NewEngine(items, alphabeticalVoter(), Config{})
	require.NoError(t, e.Run(context.Background()))

	ordered, ratings := e.OrderedWithRatings()
	assert.Equal(t, []string{"A", "B", "C", "D"}, ordered)
	for i := 1; i < len(ratings); i++ {
		assert.Greater(t, ratings[i-1], ratings[i])
	}
}

// TestPairCountUnderCap verifies all n(n-1)/2 pairs are evaluated when under
// the cap.
func TestPairCountUnderCap(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	e := NewEngine(items, alphabeticalVoter(), Config{})
	assert.Len(t, e.Pairs(), 5*4/2)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 10, e.Stats().Evaluated)
}

// TestPairCountOverCap verifies uniform downsampling to the cap, preserving
// original pair order.
func TestPairCountOverCap(t *testing.T) {
	items := make([]int, 50) // 1225 pairs
	for i := range items {
		items[i] = i
	}
	e := NewEngine(items, VoterFunc[int](func(_ context.Context, a, b int) (Outcome, error) {
		return OutcomeIndeterminate, nil
	}), Config{MaxPairs: 100, Rand: rand.New(rand.NewSource(1))})

	pairs := e.Pairs()
	require.Len(t, pairs, 100)

	// Original order: pairs sorted by (first, second).
	for i := 1; i < len(pairs); i++ {
		prev, cur := pairs[i-1], pairs[i]
		inOrder := prev[0] < cur[0] || (prev[0] == cur[0] && prev[1] < cur[1])
		assert.True(t, inOrder, "sampled pairs must keep original order")
	}
}

// TestDrawsLeaveRatingsUntouched verifies indeterminate outcomes skip the
// rating, K-factor, and comparison-count updates entirely.
func TestDrawsLeaveRatingsUntouched(t *testing.T) {
	items := []string{"x", "y", "z"}
	e := NewEngine(items, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		return OutcomeIndeterminate, nil
	}), Config{})
	require.NoError(t, e.Run(context.Background()))

	stats := e.Stats()
	assert.Equal(t, 3, stats.Evaluated)
	assert.Equal(t, 3, stats.Draws)
	assert.Zero(t, stats.Wins)
	assert.Zero(t, stats.Losses)

	_, ratings := e.OrderedWithRatings()
	for _, r := range ratings {
		assert.Equal(t, InitialRating, r)
	}
	for _, k := range e.kFactors {
		assert.Equal(t, InitialKFactor, k)
	}
}

// TestOutcomeAccounting verifies wins + losses + draws matches evaluated
// comparisons across mixed outcomes.
func TestOutcomeAccounting(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	i := 0
	e := NewEngine(items, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		i++
		if i%2 == 0 {
			return OutcomeIndeterminate, nil
		}
		return OutcomeWinsFirst, nil
	}), Config{})
	require.NoError(t, e.Run(context.Background()))

	stats := e.Stats()
	assert.Equal(t, 6, stats.Evaluated)
	assert.Equal(t, stats.Evaluated, stats.Wins+stats.Draws)
	assert.Equal(t, stats.Wins, stats.Losses)
}

// TestKFactorSchedule verifies the linear decay endpoints and midpoint.
func TestKFactorSchedule(t *testing.T) {
	assert.Equal(t, 60.0, kFactorFor(0))
	assert.Equal(t, 10.0, kFactorFor(20))
	assert.Equal(t, 10.0, kFactorFor(35))
	assert.InDelta(t, 35.0, kFactorFor(10), 1e-9)
	assert.InDelta(t, 57.5, kFactorFor(1), 1e-9)
}

// TestEloUpdateFormula verifies one decisive comparison against the standard
// expectation formula.
func TestEloUpdateFormula(t *testing.T) {
	items := []string{"w", "l"}
	e := NewEngine(items, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		return OutcomeWinsFirst, nil
	}), Config{})
	require.NoError(t, e.Run(context.Background()))

	// Equal ratings: expectation 0.5, update ±K*0.5 = ±30.
	_, ratings := e.OrderedWithRatings()
	assert.InDelta(t, 1030.0, ratings[0], 1e-9)
	assert.InDelta(t, 970.0, ratings[1], 1e-9)
}

// TestStableTieBreak verifies ties keep original input order.
func TestStableTieBreak(t *testing.T) {
	items := []string{"first", "second", "third"}
	e := NewEngine(items, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		return OutcomeIndeterminate, nil
	}), Config{})
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, items, e.Ordered())
}

// TestVoteRetryRecovers verifies transient vote errors are retried and the
// pass succeeds when a retry answers.
func TestVoteRetryRecovers(t *testing.T) {
	attempts := 0
	e := NewEngine([]string{"a", "b"}, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		attempts++
		if attempts < 3 {
			return OutcomeUnrecognized, errors.New("transport down")
		}
		return OutcomeWinsFirst, nil
	}), Config{VoteBackoff: time.Millisecond})
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"a", "b"}, e.Ordered())
}

// TestVoteRetryExhaustionAborts verifies an errored comparison aborts the
// whole pass after the retry bound.
func TestVoteRetryExhaustionAborts(t *testing.T) {
	attempts := 0
	e := NewEngine([]string{"a", "b"}, VoterFunc[string](func(_ context.Context, a, b string) (Outcome, error) {
		attempts++
		return OutcomeUnrecognized, errors.New("transport down")
	}), Config{VoteRetries: 3, VoteBackoff: time.Millisecond})
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

// TestClassifyVote exercises the pure text-to-outcome mapping.
func TestClassifyVote(t *testing.T) {
	cases := []struct {
		answer string
		want   Outcome
	}{
		{"One", OutcomeWinsFirst},
		{"one.", OutcomeWinsFirst},
		{"  1 ", OutcomeWinsFirst},
		{"First", OutcomeWinsFirst},
		{"Item one is clearly better", OutcomeWinsFirst},
		{"Option 2", OutcomeWinsSecond},
		{"two", OutcomeWinsSecond},
		{"Second, because it scales", OutcomeWinsSecond},
		{"Neither", OutcomeIndeterminate},
		{"both are equally good", OutcomeIndeterminate},
		{"draw", OutcomeIndeterminate},
		{"It depends on the context", OutcomeUnrecognized},
		{"", OutcomeUnrecognized},
		{"42", OutcomeUnrecognized},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyVote(tc.answer), "answer %q", tc.answer)
	}
}
