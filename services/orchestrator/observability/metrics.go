// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the analyze pipeline.
//
// # Description
//
// Counters and histograms covering request outcomes, per-stage latency,
// consensus decisions, finding fallbacks, and similarity edge creation.
// Exposed on /metrics; all operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "visiongraph"

// PipelineMetrics holds all Prometheus metrics for the analyze pipeline.
// Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// PipelineRequestsTotal counts analyze requests by terminal status.
	// Labels: status (ok, degraded, error)
	PipelineRequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage wall-clock latency.
	// Labels: stage (vlm, upsert, similarity, context, llm_v, llm_vl, llm_vgl, consensus)
	StageDurationSeconds *prometheus.HistogramVec

	// ConsensusTotal counts consensus outcomes.
	// Labels: status (agree, disagree, single, empty, low_confidence)
	ConsensusTotal *prometheus.CounterVec

	// FallbackTotal counts finding fallback activations.
	// Labels: strategy (mock_seed, caption_keywords, fallback)
	FallbackTotal *prometheus.CounterVec

	// SimilarityEdgesCreatedTotal counts SIMILAR_TO edges created by sync.
	SimilarityEdgesCreatedTotal prometheus.Counter

	// GuardTriggeredTotal counts post-consensus safety downgrades.
	GuardTriggeredTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		PipelineRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_requests_total",
				Help:      "Total analyze requests by terminal status",
			},
			[]string{"status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"stage"},
		),

		ConsensusTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "consensus_total",
				Help:      "Consensus outcomes by status",
			},
			[]string{"status"},
		),

		FallbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fallback_total",
				Help:      "Finding fallback activations by strategy",
			},
			[]string{"strategy"},
		),

		SimilarityEdgesCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "similarity_edges_created_total",
				Help:      "SIMILAR_TO edges created by similarity sync",
			},
		),

		GuardTriggeredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "guard_triggered_total",
				Help:      "Post-consensus safety guard downgrades",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one terminal pipeline outcome.
func (m *PipelineMetrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.PipelineRequestsTotal.WithLabelValues(status).Inc()
}

// RecordStage records one stage's latency in seconds.
func (m *PipelineMetrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordConsensus records the consensus status.
func (m *PipelineMetrics) RecordConsensus(status string) {
	if m == nil {
		return
	}
	m.ConsensusTotal.WithLabelValues(status).Inc()
}

// RecordFallback records a finding fallback activation.
func (m *PipelineMetrics) RecordFallback(strategy string) {
	if m == nil || strategy == "" {
		return
	}
	m.FallbackTotal.WithLabelValues(strategy).Inc()
}

// RecordSimilarityEdges adds to the created-edge counter.
func (m *PipelineMetrics) RecordSimilarityEdges(created int) {
	if m == nil || created <= 0 {
		return
	}
	m.SimilarityEdgesCreatedTotal.Add(float64(created))
}

// RecordGuard records a safety guard downgrade.
func (m *PipelineMetrics) RecordGuard() {
	if m == nil {
		return
	}
	m.GuardTriggeredTotal.Inc()
}
