// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the serialized data model for a problem
// decomposition run: one MemoryRecord per run, holding the problem statement,
// its sub-problems, their entities, and the evolving solution populations.
//
// The record is persisted as a whole JSON document after every mutating step.
// Partial updates are deliberately avoided: whole-document writes trade write
// amplification for crash consistency and implementation simplicity.
package datatypes

import (
	"time"
)

// =============================================================================
// Search Model
// =============================================================================

// SearchCategory partitions search queries and results by source family.
type SearchCategory string

const (
	SearchCategoryGeneral    SearchCategory = "general"
	SearchCategoryScientific SearchCategory = "scientific"
	SearchCategoryOpenData   SearchCategory = "openData"
	SearchCategoryNews       SearchCategory = "news"
)

// SearchCategories lists all categories in a fixed iteration order.
// Map iteration order is randomized in Go; stages iterate this slice instead
// so that checkpointed output is deterministic across re-runs.
var SearchCategories = []SearchCategory{
	SearchCategoryGeneral,
	SearchCategoryScientific,
	SearchCategoryOpenData,
	SearchCategoryNews,
}

// SearchQueries holds generated query strings per category.
type SearchQueries map[SearchCategory][]string

// SearchResult is one ranked page from a web search.
type SearchResult struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet,omitempty"`
	Position int    `json:"position,omitempty"`

	// PageText is filled in by the web-get-pages stage for top-ranked
	// results only. Truncated to a configured byte limit.
	PageText string `json:"pageText,omitempty"`

	// EloRating is attached only when a ranking pass runs with rating
	// export enabled.
	EloRating *float64 `json:"eloRating,omitempty"`
}

// KnowledgeGraphEntry is a knowledge-graph snippet attached to a search.
type KnowledgeGraphEntry struct {
	Title       string `json:"title"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// CategoryResults groups one category's pages and knowledge-graph snippets.
type CategoryResults struct {
	Organic        []SearchResult        `json:"organic,omitempty"`
	KnowledgeGraph []KnowledgeGraphEntry `json:"knowledgeGraph,omitempty"`
}

// SearchResults holds retrieved results per category.
type SearchResults map[SearchCategory]*CategoryResults

// =============================================================================
// Problem Model
// =============================================================================

// ProblemStatement is the top-level problem supplied at run initiation.
type ProblemStatement struct {
	Description   string        `json:"description"`
	SearchQueries SearchQueries `json:"searchQueries,omitempty"`
	SearchResults SearchResults `json:"searchResults,omitempty"`
}

// Entity is a party or system affected, positively or negatively, by a
// sub-problem. Created by the create-entities stage and reordered in place
// by rank-entities.
type Entity struct {
	Name            string   `json:"name"`
	PositiveEffects []string `json:"positiveEffects,omitempty"`
	NegativeEffects []string `json:"negativeEffects,omitempty"`

	EloRating *float64 `json:"eloRating,omitempty"`

	SearchQueries SearchQueries `json:"searchQueries,omitempty"`
	SearchResults SearchResults `json:"searchResults,omitempty"`
}

// Solution is one candidate solution for a sub-problem. A solution belongs to
// exactly one sub-problem and, once evolution begins, to exactly one
// generation; generation 0 is materialized from the seed set.
type Solution struct {
	Title                          string   `json:"title"`
	Description                    string   `json:"description"`
	MainBenefitOfSolution          string   `json:"mainBenefitOfSolution,omitempty"`
	MainObstacleToSolutionAdoption string   `json:"mainObstacleToSolutionAdoption,omitempty"`
	Pros                           []string `json:"pros,omitempty"`
	Cons                           []string `json:"cons,omitempty"`

	EloRating *float64 `json:"eloRating,omitempty"`
}

// Rating returns the solution's Elo rating, or the given default when no
// ranking pass has attached one yet.
func (s *Solution) Rating(def float64) float64 {
	if s == nil || s.EloRating == nil {
		return def
	}
	return *s.EloRating
}

// SolutionSet holds the seed solutions and the evolutionary generations for
// one sub-problem. Populations[g] is generation g; the most recent generation
// (last element) is always the "current" one.
type SolutionSet struct {
	Seed        []*Solution   `json:"seed,omitempty"`
	Populations [][]*Solution `json:"populations,omitempty"`
}

// Current returns the most recent population, falling back to the seed set
// when no generation has been created yet. Returns nil when neither exists.
func (ss *SolutionSet) Current() []*Solution {
	if ss == nil {
		return nil
	}
	if n := len(ss.Populations); n > 0 {
		return ss.Populations[n-1]
	}
	return ss.Seed
}

// SubProblem is one decomposed facet of the top-level problem. Created once
// by create-sub-problems, reordered in place by rank-sub-problems, never
// deleted. Entities and solutions are absent until their stages run.
type SubProblem struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Entities    []*Entity `json:"entities,omitempty"`

	EloRating *float64 `json:"eloRating,omitempty"`

	SearchQueries SearchQueries `json:"searchQueries,omitempty"`
	SearchResults SearchResults `json:"searchResults,omitempty"`

	Solutions SolutionSet `json:"solutions"`
}

// =============================================================================
// Memory Record
// =============================================================================

// StageTelemetry is the per-stage accounting bucket.
type StageTelemetry struct {
	TimeStart time.Time `json:"timeStart,omitzero"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	CostIn    float64   `json:"costIn"`
	CostOut   float64   `json:"costOut"`
}

// MemoryRecord is the whole-document state of one run. It is owned
// exclusively by the orchestrator for the duration of a job and persisted
// after every mutating step.
//
// Version is an optimistic-concurrency stamp maintained by the record store:
// a write whose version does not match the stored version is rejected, so two
// interleaving jobs for the same run cannot silently lose updates.
type MemoryRecord struct {
	RunID         string                    `json:"runId"`
	Version       uint64                    `json:"version"`
	CurrentStage  Stage                     `json:"currentStage"`
	Stages        map[Stage]*StageTelemetry `json:"stages"`
	TimeStart     time.Time                 `json:"timeStart"`
	TimeCompleted time.Time                 `json:"timeCompleted,omitzero"`
	TotalCost     float64                   `json:"totalCost"`

	ProblemStatement ProblemStatement `json:"problemStatement"`
	SubProblems      []*SubProblem    `json:"subProblems,omitempty"`
}

// NewMemoryRecord initializes a fresh record for runID with the initial stage
// and an empty telemetry bucket for every known stage name.
func NewMemoryRecord(runID, problemStatement string) *MemoryRecord {
	stages := make(map[Stage]*StageTelemetry, len(StageOrder))
	for _, s := range StageOrder {
		stages[s] = &StageTelemetry{}
	}
	now := time.Now().UTC()
	stages[StageCreateSubProblems].TimeStart = now
	return &MemoryRecord{
		RunID:        runID,
		CurrentStage: StageCreateSubProblems,
		Stages:       stages,
		TimeStart:    now,
		ProblemStatement: ProblemStatement{
			Description: problemStatement,
		},
	}
}

// Telemetry returns the telemetry bucket for stage, creating it when the
// record predates a newly added stage name.
func (m *MemoryRecord) Telemetry(stage Stage) *StageTelemetry {
	if m.Stages == nil {
		m.Stages = make(map[Stage]*StageTelemetry)
	}
	t, ok := m.Stages[stage]
	if !ok {
		t = &StageTelemetry{}
		m.Stages[stage] = t
	}
	return t
}

// AccumulateUsage adds one generative call's token usage and cost to the
// stage's bucket and to the run total.
func (m *MemoryRecord) AccumulateUsage(stage Stage, tokensIn, tokensOut int, costIn, costOut float64) {
	t := m.Telemetry(stage)
	t.TokensIn += tokensIn
	t.TokensOut += tokensOut
	t.CostIn += costIn
	t.CostOut += costOut
	m.TotalCost += costIn + costOut
}
