// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PageChunkClassName is the Weaviate class holding ingested page text.
const PageChunkClassName = "PageChunk"

// Snippet is one ranked text snippet returned by similarity search.
type Snippet struct {
	Text            string  `json:"text"`
	SourceURL       string  `json:"sourceUrl"`
	Category        string  `json:"category"`
	SubProblemIndex int     `json:"subProblemIndex"`
	Certainty       float64 `json:"certainty"`
}

// VectorSearcher is the vector similarity collaborator contract.
// subProblemIndex < 0 means "not scoped to a sub-problem".
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, query, runID string, subProblemIndex int, category string, limit int) ([]Snippet, error)
	Index(ctx context.Context, runID string, subProblemIndex int, category, sourceURL, text string) error
}

// VectorConfig configures the Weaviate-backed searcher.
type VectorConfig struct {
	// URL is the Weaviate server URL, e.g. "http://localhost:8080".
	URL string

	// RetryAttempts is the number of attempts for a failed call. Default 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Default 200ms.
	RetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0). Default 0.25.
	RetryJitter float64

	// Logger receives degradation warnings. If nil, slog.Default is used.
	Logger *slog.Logger
}

// WeaviateSearcher implements VectorSearcher on weaviate-go-client, with
// retry and jittered exponential backoff in front of every call.
type WeaviateSearcher struct {
	client *weaviate.Client
	cfg    VectorConfig
	logger *slog.Logger
}

// NewWeaviateSearcher connects to the configured Weaviate instance.
func NewWeaviateSearcher(cfg VectorConfig) (*WeaviateSearcher, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("search: invalid weaviate url %q", cfg.URL)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RetryJitter <= 0 {
		cfg.RetryJitter = 0.25
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("search: creating weaviate client: %w", err)
	}
	return &WeaviateSearcher{client: client, cfg: cfg, logger: cfg.Logger}, nil
}

// withRetry runs op with jittered exponential backoff.
func (w *WeaviateSearcher) withRetry(ctx context.Context, name string, op func() error) error {
	backoff := w.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == w.cfg.RetryAttempts {
			break
		}
		jitter := 1 + w.cfg.RetryJitter*(2*rand.Float64()-1)
		delay := time.Duration(float64(backoff) * jitter)
		w.logger.Warn("Weaviate call failed, retrying",
			"op", name, "attempt", attempt, "backoff", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("search: %s failed after %d attempts: %w", name, w.cfg.RetryAttempts, err)
}

// SearchSimilar runs a nearText query scoped to the run, optionally to one
// sub-problem, and to a search category when given.
func (w *WeaviateSearcher) SearchSimilar(ctx context.Context, query, runID string, subProblemIndex int, category string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 10
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "search.SearchSimilar")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.run_id", runID),
		attribute.Int("search.sub_problem_index", subProblemIndex),
		attribute.String("search.category", category),
	)

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"runId"}).
			WithOperator(filters.Equal).
			WithValueString(runID),
	}
	if subProblemIndex >= 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"subProblemIndex"}).
			WithOperator(filters.Equal).
			WithValueInt(int64(subProblemIndex)))
	}
	if category != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueString(category))
	}
	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "sourceUrl"},
		{Name: "category"},
		{Name: "subProblemIndex"},
		{Name: "_additional { certainty }"},
	}

	var result *models.GraphQLResponse
	err := w.withRetry(ctx, "nearText query", func() error {
		var qerr error
		result, qerr = w.client.GraphQL().Get().
			WithClassName(PageChunkClassName).
			WithFields(fields...).
			WithWhere(whereFilter).
			WithNearText(nearText).
			WithLimit(limit).
			Do(ctx)
		if qerr != nil {
			return qerr
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("query error: %s", result.Errors[0].Message)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity search failed")
		return nil, err
	}

	snippets, err := parseSnippets(result)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.snippets", len(snippets)))
	return snippets, nil
}

type pageChunkResponse struct {
	Get struct {
		PageChunk []struct {
			Text            string  `json:"text"`
			SourceURL       string  `json:"sourceUrl"`
			Category        string  `json:"category"`
			SubProblemIndex float64 `json:"subProblemIndex"`
			Additional      struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"PageChunk"`
	} `json:"Get"`
}

func parseSnippets(resp *models.GraphQLResponse) ([]Snippet, error) {
	parsed, err := parseGraphQLResponse[pageChunkResponse](resp)
	if err != nil {
		return nil, err
	}
	snippets := make([]Snippet, 0, len(parsed.Get.PageChunk))
	for _, c := range parsed.Get.PageChunk {
		snippets = append(snippets, Snippet{
			Text:            c.Text,
			SourceURL:       c.SourceURL,
			Category:        c.Category,
			SubProblemIndex: int(c.SubProblemIndex),
			Certainty:       c.Additional.Certainty,
		})
	}
	return snippets, nil
}

// Index stores one page text chunk for later similarity retrieval. Long
// texts should be chunked by the caller; this method stores a single object.
func (w *WeaviateSearcher) Index(ctx context.Context, runID string, subProblemIndex int, category, sourceURL, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return w.withRetry(ctx, "index chunk", func() error {
		_, err := w.client.Data().Creator().
			WithClassName(PageChunkClassName).
			WithProperties(map[string]any{
				"runId":           runID,
				"subProblemIndex": subProblemIndex,
				"category":        category,
				"sourceUrl":       sourceURL,
				"text":            text,
			}).
			Do(ctx)
		return err
	})
}
