// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi is the operator surface: initiate runs, inspect their
// records, force a stage, and scrape metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/decompose/services/engine/agent"
	"github.com/AleutianAI/decompose/services/engine/datatypes"
	badgerstore "github.com/AleutianAI/decompose/services/engine/storage/badger"
)

// Dispatcher enqueues jobs for asynchronous processing. Satisfied by the
// worker pool.
type Dispatcher interface {
	Enqueue(job agent.JobPayload) error
}

// RecordReader loads run records for inspection.
type RecordReader interface {
	Get(ctx context.Context, runID string) (*datatypes.MemoryRecord, error)
}

// Server exposes the run API.
type Server struct {
	store      RecordReader
	dispatcher Dispatcher
	logger     *slog.Logger
	engine     *gin.Engine
}

// NewServer builds the router. Gatherer backs /metrics; pass
// prometheus.DefaultGatherer in production.
func NewServer(store RecordReader, dispatcher Dispatcher, logger *slog.Logger,
	gatherer prometheus.Gatherer) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/stage", s.handleSetStage)

	return s
}

// Handler returns the http.Handler for mounting or testing.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks serving addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRunRequest struct {
	ProblemStatement string `json:"problemStatement" binding:"required"`
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "problemStatement is required"})
		return
	}

	runID := uuid.NewString()
	job := agent.JobPayload{RunID: runID, ProblemStatement: req.ProblemStatement}
	if err := s.dispatcher.Enqueue(job); err != nil {
		s.logger.Error("Run dispatch failed", "run_id", runID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine at capacity, retry later"})
		return
	}

	s.logger.Info("Run initiated", "run_id", runID)
	c.JSON(http.StatusAccepted, gin.H{
		"runId": runID,
		"stage": datatypes.StageCreateSubProblems,
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("id")
	rec, err := s.store.Get(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, badgerstore.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.logger.Error("Run lookup failed", "run_id", runID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type setStageRequest struct {
	Stage string `json:"stage" binding:"required"`
}

func (s *Server) handleSetStage(c *gin.Context) {
	runID := c.Param("id")
	var req setStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage is required"})
		return
	}
	if !datatypes.Stage(req.Stage).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage: " + req.Stage})
		return
	}

	if _, err := s.store.Get(c.Request.Context(), runID); err != nil {
		if errors.Is(err, badgerstore.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.logger.Error("Run lookup failed", "run_id", runID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	if err := s.dispatcher.Enqueue(agent.JobPayload{RunID: runID, Stage: req.Stage}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine at capacity, retry later"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID, "stage": req.Stage})
}
