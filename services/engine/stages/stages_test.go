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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/decompose/services/engine/config"
	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/llm"
	"github.com/AleutianAI/decompose/services/engine/search"
)

// fakeLLM answers from a scripted responder and stamps fixed token usage on
// every call that succeeds.
type fakeLLM struct {
	respond func(call int, system, user string) (string, error)
	calls   int
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.calls++
	text, err := f.respond(f.calls, req.Messages[0].Content, req.Messages[1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.Result{Text: text, TokensIn: 10, TokensOut: 5}, nil
}

// scripted returns each response in order, repeating the last one.
func scripted(responses ...string) func(int, string, string) (string, error) {
	return func(call int, _, _ string) (string, error) {
		if call > len(responses) {
			call = len(responses)
		}
		return responses[call-1], nil
	}
}

// memStore is an in-memory Checkpointer counting persisted snapshots.
type memStore struct {
	puts int
}

func (s *memStore) Put(_ context.Context, _ *datatypes.MemoryRecord) error {
	s.puts++
	return nil
}

func newTestBase(t *testing.T, client llm.Client) (*Base, *memStore) {
	t.Helper()
	store := &memStore{}
	base := NewBase(Deps{
		Store: store,
		LLM:   client,
		Cfg: config.PipelineConfig{
			GenerativeRetries:  3,
			MaxRankingPairs:    600,
			SeedSolutionCount:  3,
			TopResultsToFetch:  2,
			QueriesPerCategory: 2,
			PopulationSize:     10,
		},
		LLMCfg: config.LLMConfig{
			Model:           "test-model",
			CostPerTokenIn:  0.001,
			CostPerTokenOut: 0.002,
		},
		Locale: "us",
	})
	return base, store
}

// -----------------------------------------------------------------------------
// Generate
// -----------------------------------------------------------------------------

func TestGenerateRetriesUnparsableThenSucceeds(t *testing.T) {
	client := &fakeLLM{respond: scripted(
		"I cannot answer in the requested format.",
		"still no payload here",
		"Here you go:\n```json\n[{\"title\": \"A\"}]\n```",
	)}
	base, store := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	var decoded []struct {
		Title string `json:"title"`
	}
	_, err := base.Generate(context.Background(), rec, datatypes.StageCreateSubProblems,
		"system", "user", &decoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "A", decoded[0].Title)

	// Every call that reached the service is accounted and checkpointed,
	// including the two whose responses failed to parse.
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 3, store.puts)
	tel := rec.Telemetry(datatypes.StageCreateSubProblems)
	assert.Equal(t, 30, tel.TokensIn)
	assert.Equal(t, 15, tel.TokensOut)
	assert.InDelta(t, 30*0.001+15*0.002, rec.TotalCost, 1e-9)
}

func TestGenerateExhaustsRetryBudget(t *testing.T) {
	client := &fakeLLM{respond: scripted("never json")}
	base, _ := newTestBase(t, client)
	base.Cfg.GenerativeRetries = 2
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	var decoded []struct{}
	_, err := base.Generate(context.Background(), rec, datatypes.StageCreateSubProblems,
		"system", "user", &decoded)
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 2, client.calls)
}

func TestGenerateServiceErrorRetried(t *testing.T) {
	client := &fakeLLM{respond: func(call int, _, _ string) (string, error) {
		if call == 1 {
			return "", errors.New("upstream 503")
		}
		return `{"ok": true}`, nil
	}}
	base, store := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	var decoded struct {
		OK bool `json:"ok"`
	}
	_, err := base.Generate(context.Background(), rec, datatypes.StageParse,
		"system", "user", &decoded)
	require.NoError(t, err)
	assert.True(t, decoded.OK)
	assert.Equal(t, 2, client.calls)
	// The failed call never reached accounting; only the success
	// checkpointed.
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, 10, rec.Telemetry(datatypes.StageParse).TokensIn)
}

// -----------------------------------------------------------------------------
// Creation stages
// -----------------------------------------------------------------------------

func TestCreateSubProblemsParsesFencedResponse(t *testing.T) {
	client := &fakeLLM{respond: scripted("```json\n" +
		`[{"title": "Funding", "description": "d1"},
		  {"title": "", "description": "dropped"},
		  {"title": "Logistics", "description": "d2"}]` + "\n```")}
	base, store := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	proc := &CreateSubProblems{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	require.Len(t, rec.SubProblems, 2)
	assert.Equal(t, "Funding", rec.SubProblems[0].Title)
	assert.Equal(t, "Logistics", rec.SubProblems[1].Title)
	assert.GreaterOrEqual(t, store.puts, 2)
}

func TestCreateSubProblemsSkipsWhenAlreadyDecomposed(t *testing.T) {
	client := &fakeLLM{respond: scripted("[]")}
	base, _ := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{{Title: "existing"}}

	proc := &CreateSubProblems{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))
	assert.Equal(t, 0, client.calls)
	require.Len(t, rec.SubProblems, 1)
	assert.Equal(t, "existing", rec.SubProblems[0].Title)
}

func TestCreateSubProblemsRejectsEmptyDecomposition(t *testing.T) {
	client := &fakeLLM{respond: scripted(`[{"title": ""}]`)}
	base, _ := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	proc := &CreateSubProblems{Base: base}
	err := proc.Process(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sub-problems")
}

func TestProcessRejectsUninitializedRecord(t *testing.T) {
	base, _ := newTestBase(t, &fakeLLM{respond: scripted("[]")})
	proc := &CreateSubProblems{Base: base}
	require.ErrorIs(t, proc.Process(context.Background(), nil), ErrMemoryNotInitialized)
	require.ErrorIs(t, proc.Process(context.Background(), &datatypes.MemoryRecord{}), ErrMemoryNotInitialized)
}

// -----------------------------------------------------------------------------
// Ranking stages
// -----------------------------------------------------------------------------

// preferenceVoter answers pairwise votes from a fixed quality ordering read
// out of the rendered item blocks.
func preferenceVoter(ranked ...string) func(int, string, string) (string, error) {
	pos := func(user, name string) int {
		return strings.Index(user, name)
	}
	rank := func(name string) int {
		for i, r := range ranked {
			if r == name {
				return i
			}
		}
		return len(ranked)
	}
	return func(_ int, _, user string) (string, error) {
		one := user[strings.Index(user, "Item one:"):strings.Index(user, "Item two:")]
		var first, second string
		for _, name := range ranked {
			if strings.Contains(one, name) {
				first = name
			} else if pos(user, name) >= 0 {
				second = name
			}
		}
		if first == "" || second == "" {
			return "Neither", nil
		}
		if rank(first) < rank(second) {
			return "One", nil
		}
		return "Two", nil
	}
}

func TestRankSubProblemsReordersByVotes(t *testing.T) {
	client := &fakeLLM{respond: preferenceVoter("Gamma", "Beta", "Alpha")}
	base, _ := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{
		{Title: "Alpha"}, {Title: "Beta"}, {Title: "Gamma"},
	}

	proc := &RankSubProblems{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	require.Len(t, rec.SubProblems, 3)
	assert.Equal(t, "Gamma", rec.SubProblems[0].Title)
	assert.Equal(t, "Beta", rec.SubProblems[1].Title)
	assert.Equal(t, "Alpha", rec.SubProblems[2].Title)
	for _, sp := range rec.SubProblems {
		require.NotNil(t, sp.EloRating)
	}
	assert.Greater(t, *rec.SubProblems[0].EloRating, *rec.SubProblems[2].EloRating)
	// 3 items, all pairs voted once.
	assert.Equal(t, 3, client.calls)
}

func TestRankSolutionsWritesBackCurrentPopulation(t *testing.T) {
	client := &fakeLLM{respond: preferenceVoter("Strong", "Weak")}
	base, _ := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{{
		Title: "sp",
		Solutions: datatypes.SolutionSet{
			Seed: []*datatypes.Solution{{Title: "seed-only"}},
			Populations: [][]*datatypes.Solution{{
				{Title: "Weak"}, {Title: "Strong"},
			}},
		},
	}}

	proc := &RankSolutions{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	pop := rec.SubProblems[0].Solutions.Populations[0]
	require.Len(t, pop, 2)
	assert.Equal(t, "Strong", pop[0].Title)
	assert.Equal(t, "Weak", pop[1].Title)
	// The seed set is not the current population and stays untouched.
	assert.Equal(t, "seed-only", rec.SubProblems[0].Solutions.Seed[0].Title)
}

// -----------------------------------------------------------------------------
// Web stages
// -----------------------------------------------------------------------------

type fakeWeb struct {
	calls   []string
	results map[string]*search.WebResults
}

func (f *fakeWeb) Search(_ context.Context, query, _ string) (*search.WebResults, error) {
	f.calls = append(f.calls, query)
	if r, ok := f.results[query]; ok {
		return r, nil
	}
	return &search.WebResults{}, nil
}

func TestWebSearchMergesAndDeduplicatesByLink(t *testing.T) {
	web := &fakeWeb{results: map[string]*search.WebResults{
		"q1": {Organic: []datatypes.SearchResult{
			{Title: "r1", Link: "https://a.example"},
			{Title: "r2", Link: "https://b.example"},
		}},
		"q2": {Organic: []datatypes.SearchResult{
			{Title: "r2-dup", Link: "https://b.example"},
			{Title: "r3", Link: "https://c.example"},
		}},
	}}
	base, _ := newTestBase(t, &fakeLLM{respond: scripted("")})
	base.Web = web
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	queries := datatypes.SearchQueries{}
	for _, cat := range datatypes.SearchCategories {
		queries[cat] = nil
	}
	queries[datatypes.SearchCategoryGeneral] = []string{"q1", "q2", "q3-never-searched"}
	rec.ProblemStatement.SearchQueries = queries
	rec.SubProblems = []*datatypes.SubProblem{{Title: "sp", SearchQueries: datatypes.SearchQueries{}}}

	proc := &WebSearch{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	cr := rec.ProblemStatement.SearchResults[datatypes.SearchCategoryGeneral]
	require.NotNil(t, cr)
	require.Len(t, cr.Organic, 3)
	assert.Equal(t, "r1", cr.Organic[0].Title)
	assert.Equal(t, "r2", cr.Organic[1].Title)
	assert.Equal(t, "r3", cr.Organic[2].Title)
	// QueriesPerCategory bounds the searched set.
	assert.NotContains(t, web.calls, "q3-never-searched")
}

func TestWebSearchRequiresClient(t *testing.T) {
	base, _ := newTestBase(t, &fakeLLM{respond: scripted("")})
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	proc := &WebSearch{Base: base}
	require.ErrorIs(t, proc.Process(context.Background(), rec), ErrCollaboratorMissing)
}

func TestWebGetPagesSkipsDeadLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>live page text</p></body></html>")
	}))
	defer srv.Close()
	dead := httptest.NewServer(http.HandlerFunc(nil))
	deadURL := dead.URL
	dead.Close()

	base, _ := newTestBase(t, &fakeLLM{respond: scripted("")})
	base.Pages = search.NewPageFetcher(search.PageFetcherConfig{Timeout: 2 * time.Second})
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{{
		Title: "sp",
		SearchResults: datatypes.SearchResults{
			datatypes.SearchCategoryGeneral: &datatypes.CategoryResults{
				Organic: []datatypes.SearchResult{
					{Title: "dead", Link: deadURL},
					{Title: "live", Link: srv.URL},
					{Title: "beyond fetch budget", Link: srv.URL + "/other"},
				},
			},
		},
	}}

	proc := &WebGetPages{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	organic := rec.SubProblems[0].SearchResults[datatypes.SearchCategoryGeneral].Organic
	assert.Empty(t, organic[0].PageText)
	assert.Contains(t, organic[1].PageText, "live page text")
	assert.Empty(t, organic[2].PageText)
}

// -----------------------------------------------------------------------------
// Evolution operators
// -----------------------------------------------------------------------------

func TestGenerativeOperatorsRecombine(t *testing.T) {
	client := &fakeLLM{respond: scripted(
		`{"title": "Hybrid", "description": "merged", "mainBenefitOfSolution": "b", "mainObstacleToSolutionAdoption": "o"}`)}
	base, _ := newTestBase(t, client)
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{{Title: "sp"}}

	ops := &generativeOperators{base: base, stage: datatypes.StageEvolveCreatePopulation}
	child, err := ops.Recombine(context.Background(), rec, 0,
		&datatypes.Solution{Title: "A"}, &datatypes.Solution{Title: "B"})
	require.NoError(t, err)
	assert.Equal(t, "Hybrid", child.Title)
	assert.Equal(t, "merged", child.Description)
}

func TestGenerativeOperatorsRejectUntitledOffspring(t *testing.T) {
	client := &fakeLLM{respond: scripted(`{"title": ""}`)}
	base, _ := newTestBase(t, client)
	base.Cfg.GenerativeRetries = 1
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{{Title: "sp"}}

	ops := &generativeOperators{base: base, stage: datatypes.StageEvolveMutatePopulation}
	_, err := ops.Mutate(context.Background(), rec, 0, &datatypes.Solution{Title: "A"}, "medium")
	require.Error(t, err)
}

func TestEvolveCreatePopulationRedeliveryAdvancesOneGeneration(t *testing.T) {
	// First delivery: sub-problem 0's generation is built and checkpointed,
	// then sub-problem 1's first generative call fails. The redelivered job
	// must finish sub-problem 1 without growing sub-problem 0 again.
	failBeta := true
	client := &fakeLLM{respond: func(_ int, _, user string) (string, error) {
		if failBeta && strings.Contains(user, "Beta") {
			failBeta = false
			return "", errors.New("upstream unavailable")
		}
		if strings.Contains(user, "Propose") {
			return `[{"title": "immigrant", "description": "d"}]`, nil
		}
		return `{"title": "offspring", "description": "d"}`, nil
	}}
	base, _ := newTestBase(t, client)
	base.Cfg.GenerativeRetries = 1
	base.Cfg.PopulationSize = 4
	base.Cfg.EliteFraction = 0.25
	base.Cfg.ImmigrationFraction = 0.25
	base.Cfg.CrossoverFraction = 0.25
	base.Cfg.MutationFraction = 0.25
	base.Cfg.TournamentSize = 2
	base.Cfg.MutateAfterCrossoverRate = -1

	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.SubProblems = []*datatypes.SubProblem{
		{Title: "Alpha", Solutions: datatypes.SolutionSet{
			Seed: []*datatypes.Solution{{Title: "alpha-seed"}}}},
		{Title: "Beta", Solutions: datatypes.SolutionSet{
			Seed: []*datatypes.Solution{{Title: "beta-seed"}}}},
	}

	proc := &EvolveCreatePopulation{Base: base}
	require.Error(t, proc.Process(context.Background(), rec))
	require.Len(t, rec.SubProblems[0].Solutions.Populations, 1)
	require.Empty(t, rec.SubProblems[1].Solutions.Populations)
	firstGen := rec.SubProblems[0].Solutions.Populations[0]

	require.NoError(t, proc.Process(context.Background(), rec))
	assert.Len(t, rec.SubProblems[0].Solutions.Populations, 1)
	assert.Len(t, rec.SubProblems[1].Solutions.Populations, 1)
	// Sub-problem 0 keeps the checkpointed generation, not a rebuild.
	assert.Same(t, firstGen[0], rec.SubProblems[0].Solutions.Populations[0][0])
}

// -----------------------------------------------------------------------------
// Finalization stages
// -----------------------------------------------------------------------------

func TestParseNormalizesSolutionsAndRecomputesCost(t *testing.T) {
	base, _ := newTestBase(t, &fakeLLM{respond: scripted("")})
	rec := datatypes.NewMemoryRecord("run-1", "test problem")
	rec.TotalCost = 999 // stale, recomputed below
	rec.Telemetry(datatypes.StageCreateSubProblems).CostIn = 0.25
	rec.Telemetry(datatypes.StageRankSolutions).CostOut = 0.75
	rec.SubProblems = []*datatypes.SubProblem{{
		Title: "  sp  ",
		Solutions: datatypes.SolutionSet{
			Seed: []*datatypes.Solution{
				{Title: "  keep  ", Description: " d "},
				{Title: "   "},
			},
		},
	}}

	proc := &Parse{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))

	assert.Equal(t, "sp", rec.SubProblems[0].Title)
	seed := rec.SubProblems[0].Solutions.Seed
	require.Len(t, seed, 1)
	assert.Equal(t, "keep", seed[0].Title)
	assert.Equal(t, "d", seed[0].Description)
	assert.InDelta(t, 1.0, rec.TotalCost, 1e-9)
}

func TestSaveStampsCompletionOnce(t *testing.T) {
	base, store := newTestBase(t, &fakeLLM{respond: scripted("")})
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	proc := &Save{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))
	require.False(t, rec.TimeCompleted.IsZero())
	assert.Equal(t, 1, store.puts)

	stamped := rec.TimeCompleted
	require.NoError(t, proc.Process(context.Background(), rec))
	assert.Equal(t, stamped, rec.TimeCompleted)
}

func TestDoneIsNoOp(t *testing.T) {
	base, store := newTestBase(t, &fakeLLM{respond: scripted("")})
	rec := datatypes.NewMemoryRecord("run-1", "test problem")

	proc := &Done{Base: base}
	require.NoError(t, proc.Process(context.Background(), rec))
	assert.Equal(t, 0, store.puts)
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

func TestNewProcessorsCoversEveryStage(t *testing.T) {
	table := NewProcessors(Deps{Store: &memStore{}, LLM: &fakeLLM{respond: scripted("")}})
	require.Len(t, table, len(datatypes.StageOrder))
	for _, stage := range datatypes.StageOrder {
		p, ok := table[stage]
		require.True(t, ok, "stage %s has no processor", stage)
		assert.Equal(t, stage, p.Name())
	}
}
