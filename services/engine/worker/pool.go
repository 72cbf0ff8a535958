// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker is the in-process job dispatch substrate: a bounded queue
// drained by a fixed pool of goroutines with at-least-once delivery.
//
// Delivery guarantees are at-least-once, never exactly-once: a failed job is
// redelivered with doubling delay until its delivery budget is spent, so
// stage processors must tolerate re-execution. A per-run lease keeps two
// deliveries for the same run from interleaving inside one process; across
// processes the record store's version check provides the same protection.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/decompose/services/engine/agent"
	"github.com/AleutianAI/decompose/services/engine/config"
	"github.com/AleutianAI/decompose/services/engine/observability"
)

var (
	// ErrQueueFull is returned by Enqueue when the pending queue is at
	// capacity. Callers decide whether to shed or block.
	ErrQueueFull = errors.New("worker: job queue full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("worker: pool stopped")
)

// JobHandler executes one delivered job. Satisfied by the agent orchestrator.
type JobHandler interface {
	Run(ctx context.Context, job agent.JobPayload) error
}

type delivery struct {
	job     agent.JobPayload
	attempt int
}

// Pool is the bounded-concurrency dispatcher.
type Pool struct {
	cfg     config.WorkerConfig
	handler JobHandler
	logger  *slog.Logger
	metrics *observability.EngineMetrics

	jobs chan delivery

	mu      sync.Mutex
	leases  map[string]bool
	stopped bool

	group  *errgroup.Group
	cancel context.CancelFunc

	// redeliveries tracks in-flight redelivery timers so Stop can wait
	// for them instead of dropping queued retries.
	redeliveries sync.WaitGroup
}

// NewPool builds a pool; Start must be called before Enqueue delivers
// anything.
func NewPool(cfg config.WorkerConfig, handler JobHandler, logger *slog.Logger,
	metrics *observability.EngineMetrics) *Pool {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	return &Pool{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		jobs:    make(chan delivery, cfg.QueueDepth),
		leases:  make(map[string]bool),
	}
}

// Start launches the worker goroutines. They drain the queue until Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

// Enqueue submits a job for its first delivery. Non-blocking: a full queue
// is the caller's problem.
func (p *Pool) Enqueue(job agent.JobPayload) error {
	return p.submit(delivery{job: job, attempt: 1})
}

func (p *Pool) submit(d delivery) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case p.jobs <- d:
		return nil
	default:
		p.metrics.ObserveJob("shed")
		return ErrQueueFull
	}
}

// Stop cancels the pool and waits for in-flight deliveries to return.
// Jobs still queued are dropped; every stage checkpoints, so a dropped run
// resumes from its persisted stage on the next submission.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// cancel and group are nil when Stop runs before Start.
	if p.cancel != nil {
		p.cancel()
		_ = p.group.Wait()
	}
	p.redeliveries.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.jobs:
			p.deliver(ctx, d)
		}
	}
}

func (p *Pool) deliver(ctx context.Context, d delivery) {
	if !p.acquireLease(d.job.RunID) {
		// Another delivery for this run is mid-flight; try again after
		// the base retry delay without spending the attempt.
		p.logger.Debug("Run busy, redelivering", "run_id", d.job.RunID)
		p.redeliver(ctx, d, p.cfg.RetryDelay)
		return
	}
	err := p.handler.Run(ctx, d.job)
	p.releaseLease(d.job.RunID)

	if err == nil {
		p.metrics.ObserveJob("ok")
		return
	}

	if d.attempt >= p.cfg.MaxDeliveries {
		p.metrics.ObserveJob("dead")
		p.logger.Error("Job abandoned after final delivery",
			"run_id", d.job.RunID, "attempt", d.attempt, "error", err)
		return
	}

	p.metrics.ObserveJob("retry")
	delay := p.cfg.RetryDelay
	for i := 1; i < d.attempt; i++ {
		delay *= 2
	}
	p.logger.Warn("Job failed, redelivering",
		"run_id", d.job.RunID, "attempt", d.attempt, "delay", delay, "error", err)
	p.redeliver(ctx, delivery{job: d.job, attempt: d.attempt + 1}, delay)
}

func (p *Pool) redeliver(ctx context.Context, d delivery, delay time.Duration) {
	p.redeliveries.Add(1)
	go func() {
		defer p.redeliveries.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case p.jobs <- d:
		case <-ctx.Done():
		}
	}()
}

func (p *Pool) acquireLease(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases[runID] {
		return false
	}
	p.leases[runID] = true
	return true
}

func (p *Pool) releaseLease(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leases, runID)
}
