// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages implements one processor per pipeline stage. Creation
// stages call the generative client directly, ranking stages delegate to the
// ranking engine, and evolution stages delegate to the population manager.
//
// All processors share the Base: prompt context assembly, the generative
// call loop with telemetry accounting and checkpointing, and the
// memory-initialized precondition.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/AleutianAI/decompose/services/engine/config"
	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/llm"
	"github.com/AleutianAI/decompose/services/engine/observability"
	"github.com/AleutianAI/decompose/services/engine/search"
)

var (
	// ErrMemoryNotInitialized is raised when a processor receives a nil or
	// unidentified memory record. Data-integrity failure, never retried.
	ErrMemoryNotInitialized = errors.New("stages: memory record not initialized")

	// ErrRetryExhausted is returned when a generative call stays unusable
	// through the whole retry budget.
	ErrRetryExhausted = errors.New("stages: generative retries exhausted")

	// ErrCollaboratorMissing is returned when a stage requires an external
	// client (web search, page fetch) that was not configured.
	ErrCollaboratorMissing = errors.New("stages: required collaborator not configured")
)

// Checkpointer persists the whole memory record. Satisfied by the badger
// record store.
type Checkpointer interface {
	Put(ctx context.Context, rec *datatypes.MemoryRecord) error
}

// Processor is the unit of work for one named pipeline stage.
type Processor interface {
	Name() datatypes.Stage
	Process(ctx context.Context, rec *datatypes.MemoryRecord) error
}

// Deps carries the collaborators shared by every processor. Web, Vector,
// and Pages may be nil; stages that require them fail with
// ErrCollaboratorMissing.
type Deps struct {
	Store   Checkpointer
	LLM     llm.Client
	Web     search.WebSearcher
	Vector  search.VectorSearcher
	Pages   *search.PageFetcher
	Cfg     config.PipelineConfig
	LLMCfg  config.LLMConfig
	Locale  string
	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
	Rand    *rand.Rand
}

// Base is the shared plumbing embedded by every concrete processor.
type Base struct {
	Deps
}

// NewBase builds the shared processor base, applying defaults for optional
// dependencies.
func NewBase(deps Deps) *Base {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Base{Deps: deps}
}

// requireInitialized is the defensive precondition every Process starts with.
func (b *Base) requireInitialized(rec *datatypes.MemoryRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrMemoryNotInitialized
	}
	return nil
}

// checkpoint persists the whole record.
func (b *Base) checkpoint(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := b.Store.Put(ctx, rec); err != nil {
		return fmt.Errorf("checkpointing run %s: %w", rec.RunID, err)
	}
	return nil
}

// accountUsage folds one completed call's usage into the record and metrics.
func (b *Base) accountUsage(rec *datatypes.MemoryRecord, stage datatypes.Stage, res *llm.Result) {
	costIn := float64(res.TokensIn) * b.LLMCfg.CostPerTokenIn
	costOut := float64(res.TokensOut) * b.LLMCfg.CostPerTokenOut
	rec.AccumulateUsage(stage, res.TokensIn, res.TokensOut, costIn, costOut)
	b.Metrics.ObserveTokens(stage.String(), res.TokensIn, res.TokensOut)
}

// CompleteOnce makes a single generative call, accounts its usage, and
// checkpoints. No retry: callers that tolerate transport errors (the ranking
// engine's vote loop) supply their own retry policy.
func (b *Base) CompleteOnce(ctx context.Context, rec *datatypes.MemoryRecord, stage datatypes.Stage, system, user string) (string, error) {
	res, err := b.LLM.Complete(ctx, llm.Request{
		Model:       b.LLMCfg.Model,
		Temperature: b.LLMCfg.Temperature,
		MaxTokens:   b.LLMCfg.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	b.accountUsage(rec, stage, res)
	if err := b.checkpoint(ctx, rec); err != nil {
		return "", err
	}
	return res.Text, nil
}

// Generate runs the generative call loop for stage.
//
// Description:
//
//	Calls the completion client, accumulates token and cost telemetry into
//	the stage's bucket, and checkpoints the record after every call that
//	reached the service. When out is non-nil the response must parse as
//	JSON into out; a malformed response is retried exactly like a
//	transient service failure, with a fixed inter-retry delay, since model
//	output is nondeterministic. Exhausting the retry budget returns
//	ErrRetryExhausted.
func (b *Base) Generate(ctx context.Context, rec *datatypes.MemoryRecord, stage datatypes.Stage, system, user string, out any) (string, error) {
	retries := b.Cfg.GenerativeRetries
	if retries <= 0 {
		retries = 1
	}
	delay := b.Cfg.GenerativeRetryDelay

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := b.CompleteOnce(ctx, rec, stage, system, user)
		if err != nil {
			lastErr = err
			b.Logger.Warn("Generative call failed",
				"run_id", rec.RunID, "stage", stage, "attempt", attempt, "error", err)
			continue
		}

		if out == nil {
			return text, nil
		}
		if err := decodeJSONResponse(text, out); err != nil {
			lastErr = err
			b.Logger.Warn("Generative response failed to parse",
				"run_id", rec.RunID, "stage", stage, "attempt", attempt, "error", err)
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("stage %s after %d attempts: %w (last: %v)", stage, retries, ErrRetryExhausted, lastErr)
}

// decodeJSONResponse extracts the JSON payload from a model answer and
// decodes it into out. Code fences and prose around the payload are
// tolerated; the payload is the outermost object or array.
func decodeJSONResponse(text string, out any) error {
	payload := extractJSON(text)
	if payload == "" {
		return fmt.Errorf("no JSON payload in response")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	objStart := strings.IndexAny(text, "{[")
	if objStart < 0 {
		return ""
	}
	var objEnd int
	if text[objStart] == '{' {
		objEnd = strings.LastIndex(text, "}")
	} else {
		objEnd = strings.LastIndex(text, "]")
	}
	if objEnd <= objStart {
		return ""
	}
	return text[objStart : objEnd+1]
}

// =============================================================================
// Prompt context assembly
// =============================================================================

// renderProblemContext renders the top-level problem statement block.
func renderProblemContext(rec *datatypes.MemoryRecord) string {
	var sb strings.Builder
	sb.WriteString("Problem statement:\n")
	sb.WriteString(rec.ProblemStatement.Description)
	sb.WriteString("\n")
	return sb.String()
}

// renderSubProblemContext renders the problem, one sub-problem, and its
// ranked entities into a natural-language context block.
func renderSubProblemContext(rec *datatypes.MemoryRecord, spIndex int) string {
	sp := rec.SubProblems[spIndex]
	var sb strings.Builder
	sb.WriteString(renderProblemContext(rec))
	sb.WriteString("\nSub-problem:\n")
	sb.WriteString(sp.Title)
	sb.WriteString("\n")
	sb.WriteString(sp.Description)
	sb.WriteString("\n")

	if len(sp.Entities) > 0 {
		sb.WriteString("\nAffected entities (ranked):\n")
		limit := min(len(sp.Entities), 5)
		for _, e := range sp.Entities[:limit] {
			sb.WriteString("- ")
			sb.WriteString(e.Name)
			if len(e.PositiveEffects) > 0 {
				sb.WriteString("\n  Positive: ")
				sb.WriteString(strings.Join(e.PositiveEffects, "; "))
			}
			if len(e.NegativeEffects) > 0 {
				sb.WriteString("\n  Negative: ")
				sb.WriteString(strings.Join(e.NegativeEffects, "; "))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderSolution renders one solution as a comparison or parent block.
func renderSolution(s *datatypes.Solution) string {
	var sb strings.Builder
	sb.WriteString("Title: ")
	sb.WriteString(s.Title)
	sb.WriteString("\nDescription: ")
	sb.WriteString(s.Description)
	if s.MainBenefitOfSolution != "" {
		sb.WriteString("\nMain benefit: ")
		sb.WriteString(s.MainBenefitOfSolution)
	}
	if s.MainObstacleToSolutionAdoption != "" {
		sb.WriteString("\nMain obstacle: ")
		sb.WriteString(s.MainObstacleToSolutionAdoption)
	}
	return sb.String()
}

// renderContextSnippets renders retrieved snippets for solution generation.
func renderContextSnippets(snippets []search.Snippet, results []datatypes.SearchResult) string {
	var sb strings.Builder
	if len(snippets) > 0 {
		sb.WriteString("Relevant research snippets:\n")
		for _, s := range snippets {
			sb.WriteString("- ")
			sb.WriteString(truncate(s.Text, 500))
			sb.WriteString("\n")
		}
	}
	if len(results) > 0 {
		sb.WriteString("Top search results:\n")
		for _, r := range results {
			sb.WriteString("- ")
			sb.WriteString(r.Title)
			if r.Snippet != "" {
				sb.WriteString(": ")
				sb.WriteString(r.Snippet)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
