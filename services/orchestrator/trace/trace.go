// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package trace collects per-request diagnostics for debug-enabled runs.
// A disabled trace drops every write, so pipeline code can record freely
// without checking a flag at each call site.
package trace

// Well-known trace keys. Stage handlers may also write prefixed variants
// (for example context_fallback_paths) which stay free-form by design of
// the debug blob.
const (
	KeyStage                = "stage"
	KeyNormalizedImage      = "normalized_image"
	KeyNormImageID          = "norm_image_id"
	KeyStorageURI           = "storage_uri"
	KeyFindingFallback      = "finding_fallback"
	KeyFindingSource        = "finding_source"
	KeySeededFindingIDs     = "seeded_finding_ids"
	KeyFindingProvenance    = "finding_provenance"
	KeyUpsertReceipt        = "upsert_receipt"
	KeyPostUpsertIDs        = "post_upsert_finding_ids"
	KeyPostUpsertVerified   = "post_upsert_verified_ids"
	KeyGraphPathsStrength   = "graph_paths_strength"
	KeySimilarSeedImages    = "similar_seed_images"
	KeySimilarityEdges      = "similarity_edges_created"
	KeySimilarityThreshold  = "similarity_threshold"
	KeySimilarityConsidered = "similarity_candidates_considered"
	KeyGraphDegraded        = "graph_degraded"
	KeyConsensus            = "consensus"
	KeyEvaluation           = "evaluation"
	KeyContextConsistency   = "context_consistency"
)

// Trace is the accumulator. The zero value is a disabled trace.
type Trace struct {
	enabled bool
	data    map[string]any
}

// New returns a trace. When enabled is false every Set is a no-op and
// Payload returns nil, which keeps the debug field out of the response.
func New(enabled bool) *Trace {
	t := &Trace{enabled: enabled}
	if enabled {
		t.data = map[string]any{}
	}
	return t
}

// Enabled reports whether the trace records anything.
func (t *Trace) Enabled() bool {
	return t != nil && t.enabled
}

// Set records one key. Later writes to the same key overwrite.
func (t *Trace) Set(key string, value any) {
	if !t.Enabled() {
		return
	}
	t.data[key] = value
}

// SetStage records the most recently entered pipeline stage.
func (t *Trace) SetStage(stage string) {
	t.Set(KeyStage, stage)
}

// Get reads a recorded value, mainly for tests.
func (t *Trace) Get(key string) (any, bool) {
	if !t.Enabled() {
		return nil, false
	}
	v, ok := t.data[key]
	return v, ok
}

// Payload returns the accumulated map, or nil when disabled or empty.
func (t *Trace) Payload() map[string]any {
	if !t.Enabled() || len(t.data) == 0 {
		return nil
	}
	return t.data
}
