// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ranking orders an arbitrary list of items by incremental pairwise
// tournament comparisons with Elo rating updates.
//
// Every ranking stage in the pipeline delegates here; only the Voter differs.
// Ratings start at 1000 with a K-factor of 60 that decays linearly to 10 as
// an item accumulates 20 comparisons. The full n(n-1)/2 pair set is sampled
// down to a configured cap for large n, so ranking quality is a sampled
// approximation once n is large.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Defaults for the Elo schedule.
const (
	InitialRating      = 1000.0
	InitialKFactor     = 60.0
	MinKFactor         = 10.0
	KFactorDecayAfter  = 20
	DefaultMaxPairs    = 600
	DefaultVoteRetries = 5
	DefaultVoteBackoff = 500 * time.Millisecond
)

// Voter produces the outcome of one comparison. Implementations render a
// comparison prompt through the generative client and classify the answer;
// an unrecognized answer must be reported as an indeterminate Outcome, not
// as an error. Errors are reserved for transport failures.
type Voter[T any] interface {
	Vote(ctx context.Context, first, second T) (Outcome, error)
}

// VoterFunc adapts a function to the Voter interface.
type VoterFunc[T any] func(ctx context.Context, first, second T) (Outcome, error)

// Vote implements Voter.
func (f VoterFunc[T]) Vote(ctx context.Context, first, second T) (Outcome, error) {
	return f(ctx, first, second)
}

// Config tunes one ranking pass. Zero values take the package defaults.
type Config struct {
	// MaxPairs caps the sampled pair set.
	MaxPairs int

	// VoteRetries bounds retries of an errored comparison call.
	VoteRetries int

	// VoteBackoff is the initial inter-retry delay; it doubles per retry.
	VoteBackoff time.Duration

	// Rand supplies the pair-sampling source. Nil uses a time-seeded one.
	Rand *rand.Rand

	// Logger receives per-pass progress. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPairs <= 0 {
		c.MaxPairs = DefaultMaxPairs
	}
	if c.VoteRetries <= 0 {
		c.VoteRetries = DefaultVoteRetries
	}
	if c.VoteBackoff <= 0 {
		c.VoteBackoff = DefaultVoteBackoff
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats aggregates one pass's comparison outcomes.
type Stats struct {
	Evaluated int
	Wins      int
	Losses    int
	Draws     int
}

// Engine runs one pairwise ranking pass over a fixed item list.
//
// Not safe for concurrent use; each pass builds its own Engine. Ranking
// state is transient and never persisted as part of the memory record.
type Engine[T any] struct {
	items       []T
	ratings     []float64
	comparisons []int
	kFactors    []float64
	pairs       [][2]int
	voter       Voter[T]
	cfg         Config
	stats       Stats
}

// NewEngine creates a ranking pass over items. Every item starts at the
// initial rating and K-factor, and the pair set is built immediately:
// all n(n-1)/2 unordered pairs, discarded uniformly at random down to
// MaxPairs when over the cap, preserving original pair order.
func NewEngine[T any](items []T, voter Voter[T], cfg Config) *Engine[T] {
	cfg = cfg.withDefaults()
	e := &Engine[T]{
		items:       items,
		ratings:     make([]float64, len(items)),
		comparisons: make([]int, len(items)),
		kFactors:    make([]float64, len(items)),
		voter:       voter,
		cfg:         cfg,
	}
	for i := range items {
		e.ratings[i] = InitialRating
		e.kFactors[i] = InitialKFactor
	}
	e.pairs = samplePairs(len(items), cfg.MaxPairs, cfg.Rand)
	return e
}

// samplePairs builds the unordered pair set, downsampled uniformly to
// maxPairs. The surviving pairs keep their original (pre-shuffle) order so
// comparison prompts are issued deterministically given the sample.
func samplePairs(n, maxPairs int, rng *rand.Rand) [][2]int {
	total := n * (n - 1) / 2
	all := make([][2]int, 0, total)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			all = append(all, [2]int{i, j})
		}
	}
	if total <= maxPairs {
		return all
	}

	keep := make([]int, total)
	for i := range keep {
		keep[i] = i
	}
	rng.Shuffle(len(keep), func(a, b int) { keep[a], keep[b] = keep[b], keep[a] })
	keep = keep[:maxPairs]
	sort.Ints(keep)

	sampled := make([][2]int, 0, maxPairs)
	for _, idx := range keep {
		sampled = append(sampled, all[idx])
	}
	return sampled
}

// Pairs returns the sampled comparison pairs. Exposed for tests and for
// progress reporting.
func (e *Engine[T]) Pairs() [][2]int {
	return e.pairs
}

// Run evaluates every sampled pair in order.
//
// Description:
//
//	For each pair, asks the Voter for an outcome. Indeterminate or
//	unrecognized outcomes skip the rating update entirely. Decisive
//	outcomes apply the standard Elo expectation formula and advance both
//	items' comparison counts and K-factors. A comparison call that errors
//	is retried with doubling backoff; exhausting retries aborts the whole
//	pass — rating updates already applied are not rolled back.
func (e *Engine[T]) Run(ctx context.Context) error {
	for pi, pair := range e.pairs {
		outcome, err := e.voteWithRetry(ctx, pair)
		if err != nil {
			return fmt.Errorf("ranking: pair %d/%d (%d vs %d): %w",
				pi+1, len(e.pairs), pair[0], pair[1], err)
		}

		e.stats.Evaluated++
		switch outcome {
		case OutcomeWinsFirst:
			e.applyResult(pair[0], pair[1])
		case OutcomeWinsSecond:
			e.applyResult(pair[1], pair[0])
		default:
			e.stats.Draws++
		}
	}
	e.cfg.Logger.Debug("Ranking pass complete",
		"items", len(e.items),
		"pairs", len(e.pairs),
		"draws", e.stats.Draws)
	return nil
}

func (e *Engine[T]) voteWithRetry(ctx context.Context, pair [2]int) (Outcome, error) {
	backoff := e.cfg.VoteBackoff
	var err error
	for attempt := 1; attempt <= e.cfg.VoteRetries; attempt++ {
		var outcome Outcome
		outcome, err = e.voter.Vote(ctx, e.items[pair[0]], e.items[pair[1]])
		if err == nil {
			return outcome, nil
		}
		if attempt == e.cfg.VoteRetries {
			break
		}
		e.cfg.Logger.Warn("Comparison call failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return OutcomeUnrecognized, ctx.Err()
		}
		backoff *= 2
	}
	return OutcomeUnrecognized, fmt.Errorf("vote failed after %d attempts: %w", e.cfg.VoteRetries, err)
}

// applyResult updates ratings for a decisive outcome.
func (e *Engine[T]) applyResult(winner, loser int) {
	expectation := 1.0 / (1.0 + math.Pow(10, (e.ratings[loser]-e.ratings[winner])/400.0))

	e.ratings[winner] += e.kFactors[winner] * (1 - expectation)
	e.ratings[loser] += e.kFactors[loser] * (0 - (1 - expectation))

	e.comparisons[winner]++
	e.comparisons[loser]++
	e.kFactors[winner] = kFactorFor(e.comparisons[winner])
	e.kFactors[loser] = kFactorFor(e.comparisons[loser])

	e.stats.Wins++
	e.stats.Losses++
}

// kFactorFor returns the K-factor after n decisive comparisons: linear decay
// from the initial value to the floor over the first KFactorDecayAfter
// comparisons, pinned at the floor beyond.
func kFactorFor(n int) float64 {
	if n >= KFactorDecayAfter {
		return MinKFactor
	}
	span := InitialKFactor - MinKFactor
	return InitialKFactor - span*float64(n)/float64(KFactorDecayAfter)
}

// Stats returns the pass's aggregated outcome counts.
func (e *Engine[T]) Stats() Stats {
	return e.stats
}

// Ordered returns the items sorted descending by final rating. The sort is
// stable: ties keep original input order.
func (e *Engine[T]) Ordered() []T {
	items, _ := e.OrderedWithRatings()
	return items
}

// OrderedWithRatings returns the sorted items together with their final
// ratings, aligned by index.
func (e *Engine[T]) OrderedWithRatings() ([]T, []float64) {
	order := make([]int, len(e.items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return e.ratings[order[a]] > e.ratings[order[b]]
	})

	items := make([]T, len(order))
	ratings := make([]float64, len(order))
	for i, idx := range order {
		items[i] = e.items[idx]
		ratings[i] = e.ratings[idx]
	}
	return items, ratings
}
