// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/decompose/services/engine/agent"
	"github.com/AleutianAI/decompose/services/engine/config"
	"github.com/AleutianAI/decompose/services/engine/llm"
	"github.com/AleutianAI/decompose/services/engine/observability"
	"github.com/AleutianAI/decompose/services/engine/search"
	"github.com/AleutianAI/decompose/services/engine/stages"
	badgerstore "github.com/AleutianAI/decompose/services/engine/storage/badger"
)

// engine bundles the wired pipeline components a subcommand needs.
type engine struct {
	store *badgerstore.Store
	orch  *agent.Orchestrator
}

func (e *engine) Close() error {
	return e.store.Close()
}

// buildEngine wires the store, the external collaborators, the processor
// table, and the orchestrator from cfg. Web search and vector retrieval are
// optional: when unconfigured, the stages that need them fail individually
// instead of blocking startup.
func buildEngine(cfg config.Config, logger *slog.Logger, metrics *observability.EngineMetrics) (*engine, error) {
	store, err := badgerstore.Open(badgerstore.Config{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	llmClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:           cfg.LLM.BaseURL,
		DefaultModel:      cfg.LLM.Model,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building completion client: %w", err)
	}

	var web search.WebSearcher
	if cfg.Search.Endpoint != "" && cfg.Search.APIKey != "" {
		client, err := search.NewWebClient(search.WebConfig{
			Endpoint:   cfg.Search.Endpoint,
			APIKey:     cfg.Search.APIKey,
			MaxResults: cfg.Search.MaxResults,
			CacheTTL:   cfg.Search.CacheTTL,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("building web search client: %w", err)
		}
		web = client
	} else {
		logger.Warn("Web search not configured, web stages will fail")
	}

	var vector search.VectorSearcher
	if cfg.Vector.URL != "" {
		searcher, err := search.NewWeaviateSearcher(search.VectorConfig{
			URL:    cfg.Vector.URL,
			Logger: logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("building vector client: %w", err)
		}
		vector = searcher
	}

	processors := stages.NewProcessors(stages.Deps{
		Store:   store,
		LLM:     llmClient,
		Web:     web,
		Vector:  vector,
		Pages:   search.NewPageFetcher(search.PageFetcherConfig{}),
		Cfg:     cfg.Pipeline,
		LLMCfg:  cfg.LLM,
		Locale:  cfg.Search.Locale,
		Logger:  logger,
		Metrics: metrics,
	})

	return &engine{
		store: store,
		orch:  agent.NewOrchestrator(store, processors, logger, metrics),
	}, nil
}
