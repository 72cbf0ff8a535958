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
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/decompose/services/engine/agent"
	"github.com/AleutianAI/decompose/services/engine/httpapi"
	"github.com/AleutianAI/decompose/services/engine/observability"
	"github.com/AleutianAI/decompose/services/engine/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decomposition engine as a service",
	Long: `serve starts the worker pool and the HTTP API. Runs are initiated with
POST /v1/runs and processed asynchronously; their records are inspectable at
GET /v1/runs/{id} while in flight and after completion.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger("engine")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	metrics := observability.NewEngineMetrics(registry)

	eng, err := buildEngine(cfg, logger.Logger, metrics)
	if err != nil {
		return err
	}
	defer eng.Close()

	handler := &chainingHandler{eng: eng}
	pool := worker.NewPool(cfg.Worker, handler, logger.Logger, metrics)
	handler.pool = pool
	pool.Start(ctx)
	defer pool.Stop()

	server := httpapi.NewServer(eng.store, pool, logger.Logger, registry)

	logger.Info("Engine starting",
		"addr", cfg.HTTP.Addr,
		"workers", cfg.Worker.Concurrency,
		"store", cfg.Store.Path)
	return server.ListenAndServe(ctx, cfg.HTTP.Addr)
}

// chainingHandler advances one stage per delivery, then submits the next
// stage's job so a run walks the whole pipeline from a single initiation.
// The persisted record decides what each delivery actually runs, so a
// duplicate submission is harmless.
type chainingHandler struct {
	eng  *engine
	pool *worker.Pool
}

func (h *chainingHandler) Run(ctx context.Context, job agent.JobPayload) error {
	if err := h.eng.orch.Run(ctx, job); err != nil {
		return err
	}
	rec, err := h.eng.store.Get(ctx, job.RunID)
	if err != nil {
		return err
	}
	if rec.CurrentStage.Terminal() {
		return nil
	}
	return h.pool.Enqueue(agent.JobPayload{RunID: job.RunID})
}
