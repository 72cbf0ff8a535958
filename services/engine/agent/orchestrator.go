// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent drives one run through the pipeline state machine: it loads
// or initializes the run's memory record, executes the processor for the
// record's current stage, and advances to the successor stage on success.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
	"github.com/AleutianAI/decompose/services/engine/observability"
	"github.com/AleutianAI/decompose/services/engine/stages"
	badgerstore "github.com/AleutianAI/decompose/services/engine/storage/badger"
)

const tracerName = "github.com/AleutianAI/decompose/services/engine/agent"

var (
	// ErrUnknownStage is returned when a job names a stage outside the
	// state machine.
	ErrUnknownStage = errors.New("agent: unknown stage")

	// ErrMissingProblem is returned when a brand-new run arrives without a
	// problem statement to decompose.
	ErrMissingProblem = errors.New("agent: new run has no problem statement")
)

// JobPayload is one unit of dispatched work: advance runID by one stage.
// Stage, when set, overrides the record's current stage; operators use it to
// re-run a stage out of order.
type JobPayload struct {
	RunID            string `json:"runId"`
	ProblemStatement string `json:"problemStatement,omitempty"`
	Stage            string `json:"stage,omitempty"`
}

// RecordStore is the persistence contract the orchestrator needs.
type RecordStore interface {
	Get(ctx context.Context, runID string) (*datatypes.MemoryRecord, error)
	Put(ctx context.Context, rec *datatypes.MemoryRecord) error
}

// Orchestrator executes pipeline stages against the record store. It is
// stateless between jobs: everything it needs is in the payload and the
// persisted record, so any worker can process any run's next job.
type Orchestrator struct {
	store      RecordStore
	processors map[datatypes.Stage]stages.Processor
	logger     *slog.Logger
	metrics    *observability.EngineMetrics
	tracer     trace.Tracer
}

// NewOrchestrator builds an orchestrator over the processor table.
func NewOrchestrator(store RecordStore, processors map[datatypes.Stage]stages.Processor,
	logger *slog.Logger, metrics *observability.EngineMetrics) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		processors: processors,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
	}
}

// Run processes one job: load or initialize the record, execute its current
// stage, and advance the state machine. Completing the terminal stage leaves
// the record untouched, so redelivered jobs for finished runs succeed.
//
// Re-entry is safe: the record's persisted CurrentStage is authoritative, and
// an existing record is never reinitialized, so a redelivered initiation job
// resumes instead of restarting.
func (o *Orchestrator) Run(ctx context.Context, job JobPayload) error {
	ctx, span := o.tracer.Start(ctx, "agent.Run",
		trace.WithAttributes(attribute.String("run.id", job.RunID)))
	defer span.End()

	rec, err := o.load(ctx, job)
	if err != nil {
		return err
	}

	stage := rec.CurrentStage
	if job.Stage != "" {
		stage = datatypes.Stage(job.Stage)
		if !stage.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownStage, job.Stage)
		}
		if err := o.SetStage(ctx, rec, stage); err != nil {
			return err
		}
	}

	proc, ok := o.processors[stage]
	if !ok {
		// A record written by a newer build can name a stage this build
		// does not carry. Treated as a no-op rather than a failure so the
		// job is not redelivered pointlessly.
		o.logger.Warn("No processor for stage, skipping",
			"run_id", rec.RunID, "stage", stage)
		return nil
	}

	span.SetAttributes(attribute.String("run.stage", stage.String()))
	o.logger.Info("Stage starting", "run_id", rec.RunID, "stage", stage)

	start := time.Now()
	err = proc.Process(ctx, rec)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.ObserveStage(stage.String(), status, time.Since(start).Seconds())
	if err != nil {
		o.logger.Error("Stage failed", "run_id", rec.RunID, "stage", stage, "error", err)
		return fmt.Errorf("run %s stage %s: %w", rec.RunID, stage, err)
	}

	if stage.Terminal() {
		o.logger.Info("Run complete", "run_id", rec.RunID, "total_cost", rec.TotalCost)
		return nil
	}
	return o.Advance(ctx, rec)
}

// load fetches the run's record, initializing a fresh one for an unseen run.
func (o *Orchestrator) load(ctx context.Context, job JobPayload) (*datatypes.MemoryRecord, error) {
	rec, err := o.store.Get(ctx, job.RunID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, badgerstore.ErrRecordNotFound):
		if job.ProblemStatement == "" {
			return nil, ErrMissingProblem
		}
		rec = datatypes.NewMemoryRecord(job.RunID, job.ProblemStatement)
		if err := o.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("initializing run %s: %w", job.RunID, err)
		}
		o.logger.Info("Run initialized", "run_id", job.RunID)
		return rec, nil
	default:
		return nil, fmt.Errorf("loading run %s: %w", job.RunID, err)
	}
}

// SetStage moves the record to stage, stamping the stage's start time, and
// persists the transition before any stage work happens.
func (o *Orchestrator) SetStage(ctx context.Context, rec *datatypes.MemoryRecord, stage datatypes.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	rec.CurrentStage = stage
	tel := rec.Telemetry(stage)
	if tel.TimeStart.IsZero() {
		tel.TimeStart = time.Now().UTC()
	}
	if err := o.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persisting transition of run %s to %s: %w", rec.RunID, stage, err)
	}
	o.logger.Info("Stage transition", "run_id", rec.RunID, "stage", stage)
	return nil
}

// Advance moves the record to the successor of its current stage.
func (o *Orchestrator) Advance(ctx context.Context, rec *datatypes.MemoryRecord) error {
	next, ok := rec.CurrentStage.Next()
	if !ok {
		return nil
	}
	return o.SetStage(ctx, rec, next)
}
