// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the decomposition
// engine: stage durations, token usage, ranking comparisons, and job
// outcomes. Metrics are exposed on the admin API's /metrics endpoint.
//
// Thread Safety: all operations are safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "decompose"

// EngineMetrics holds all Prometheus metrics for pipeline processing.
// Initialize once at startup via NewEngineMetrics.
type EngineMetrics struct {
	// StageDurationSeconds measures wall time per stage invocation.
	// Labels: stage, status (success, error)
	StageDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts generative tokens by direction.
	// Labels: stage, direction (input, output)
	TokensTotal *prometheus.CounterVec

	// ComparisonsTotal counts pairwise comparisons by outcome.
	// Labels: stage, outcome (wins_first, wins_second, indeterminate,
	// unrecognized)
	ComparisonsTotal *prometheus.CounterVec

	// JobsTotal counts worker deliveries by result.
	// Labels: result (ok, retry, dead, shed)
	JobsTotal *prometheus.CounterVec

	// GenerationSize records assembled population sizes.
	GenerationSize prometheus.Histogram
}

// NewEngineMetrics registers the engine metrics with reg. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)
	return &EngineMetrics{
		StageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per stage invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage", "status"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Generative tokens processed by direction.",
		}, []string{"stage", "direction"}),
		ComparisonsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "comparisons_total",
			Help:      "Pairwise ranking comparisons by outcome.",
		}, []string{"stage", "outcome"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Worker job deliveries by result.",
		}, []string{"result"}),
		GenerationSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_size",
			Help:      "Assembled population sizes.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}

// ObserveTokens records one generative call's token usage.
func (m *EngineMetrics) ObserveTokens(stage string, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(stage, "input").Add(float64(tokensIn))
	m.TokensTotal.WithLabelValues(stage, "output").Add(float64(tokensOut))
}

// ObserveComparison records one pairwise comparison outcome.
func (m *EngineMetrics) ObserveComparison(stage, outcome string) {
	if m == nil {
		return
	}
	m.ComparisonsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveJob records one worker delivery result.
func (m *EngineMetrics) ObserveJob(result string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(result).Inc()
}

// ObserveStage records one stage invocation's duration and status.
func (m *EngineMetrics) ObserveStage(stage, status string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage, status).Observe(seconds)
}
