// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes Prometheus metrics for the query engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Query Workflow
// =============================================================================

var (
	// queriesTotal counts completed queries.
	// Labels: status (completed, degraded, failed), provider (winning provider or "none")
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "queries_total",
		Help:      "Total queries by terminal status and provider",
	}, []string{"status", "provider"})

	// stageDuration measures time spent in each workflow stage.
	// Labels: stage (validating, retrieving, assembling, generating, persisting)
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "stage_duration_seconds",
		Help:      "Workflow stage duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	// degradedTotal counts queries that completed in degraded mode.
	// Labels: reason (retrieval_unavailable, unpersisted)
	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "degraded_total",
		Help:      "Total degraded query completions by reason",
	}, []string{"reason"})

	// providerFallbacks counts times generation moved past a failed provider.
	// Labels: from (provider that failed)
	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "provider_fallbacks_total",
		Help:      "Total provider fallbacks during generation",
	}, []string{"from"})

	// checkpointConflicts counts optimistic concurrency conflicts on append.
	checkpointConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "checkpoint_conflicts_total",
		Help:      "Total checkpoint append conflicts",
	})

	// answerConfidence tracks the distribution of blended confidence scores.
	answerConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quayside",
		Subsystem: "engine",
		Name:      "answer_confidence",
		Help:      "Distribution of blended answer confidence scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordQuery records a terminal query outcome.
//
// Inputs:
//
//	status - "completed", "degraded", or "failed".
//	provider - The winning provider, or "none" when generation failed.
func RecordQuery(status, provider string) {
	if provider == "" {
		provider = "none"
	}
	queriesTotal.WithLabelValues(status, provider).Inc()
}

// RecordStageDuration records time spent in one workflow stage.
func RecordStageDuration(stage string, durationSec float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSec)
}

// RecordDegraded records a degraded completion reason.
func RecordDegraded(reason string) {
	degradedTotal.WithLabelValues(reason).Inc()
}

// RecordProviderFallback records generation moving past a failed provider.
func RecordProviderFallback(from string) {
	providerFallbacks.WithLabelValues(from).Inc()
}

// RecordCheckpointConflict records an optimistic concurrency conflict.
func RecordCheckpointConflict() {
	checkpointConflicts.Inc()
}

// RecordAnswerConfidence records a blended confidence score.
func RecordAnswerConfidence(confidence float64) {
	answerConfidence.Observe(confidence)
}
