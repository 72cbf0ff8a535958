// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search provides the two retrieval collaborators of the pipeline:
// a web search client (organic results plus knowledge-graph snippets, cached
// by query text) and a Weaviate-backed vector similarity client.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// WebResults is one search call's results.
type WebResults struct {
	Organic        []datatypes.SearchResult
	KnowledgeGraph []datatypes.KnowledgeGraphEntry
}

// WebSearcher is the web search collaborator contract.
type WebSearcher interface {
	Search(ctx context.Context, query, locale string) (*WebResults, error)
}

// =============================================================================
// HTTP search client
// =============================================================================

// WebConfig configures the HTTP search client.
type WebConfig struct {
	// Endpoint is the search API URL (Serper-compatible POST contract).
	Endpoint string

	// APIKey authenticates against the search API.
	APIKey string

	// MaxResults bounds organic results per query. Default 10.
	MaxResults int

	// Timeout bounds a single search call. Default 15s.
	Timeout time.Duration

	// CacheTTL is how long a query's results stay cached. Results are
	// cacheable by query text. 0 disables the cache.
	CacheTTL time.Duration
}

// WebClient calls an HTTP JSON search API and caches results per query.
//
// Thread Safety: safe for concurrent use.
type WebClient struct {
	cfg        WebConfig
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]cachedResults
}

type cachedResults struct {
	results *WebResults
	expires time.Time
}

// NewWebClient creates a web search client.
func NewWebClient(cfg WebConfig) (*WebClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search: endpoint is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      make(map[string]cachedResults),
	}, nil
}

type webSearchRequest struct {
	Query  string `json:"q"`
	Locale string `json:"gl,omitempty"`
	Num    int    `json:"num,omitempty"`
}

type webSearchResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"knowledgeGraph"`
}

// Search runs one query, serving repeated query text from the cache.
func (c *WebClient) Search(ctx context.Context, query, locale string) (*WebResults, error) {
	cacheKey := locale + "\x00" + query
	if c.cfg.CacheTTL > 0 {
		c.mu.Lock()
		if hit, ok := c.cache[cacheKey]; ok && time.Now().Before(hit.expires) {
			c.mu.Unlock()
			return hit.results, nil
		}
		c.mu.Unlock()
	}

	body, err := json.Marshal(webSearchRequest{
		Query:  query,
		Locale: locale,
		Num:    c.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("search: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search: unexpected status %d: %s", resp.StatusCode, string(payload))
	}

	var decoded webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("search: decoding response: %w", err)
	}

	results := &WebResults{}
	for _, o := range decoded.Organic {
		if len(results.Organic) >= c.cfg.MaxResults {
			break
		}
		results.Organic = append(results.Organic, datatypes.SearchResult{
			Title:    o.Title,
			Link:     o.Link,
			Snippet:  o.Snippet,
			Position: o.Position,
		})
	}
	if kg := decoded.KnowledgeGraph; kg != nil {
		results.KnowledgeGraph = append(results.KnowledgeGraph, datatypes.KnowledgeGraphEntry{
			Title:       kg.Title,
			Type:        kg.Type,
			Description: kg.Description,
		})
	}

	if c.cfg.CacheTTL > 0 {
		c.mu.Lock()
		c.cache[cacheKey] = cachedResults{results: results, expires: time.Now().Add(c.cfg.CacheTTL)}
		c.mu.Unlock()
	}
	return results, nil
}
