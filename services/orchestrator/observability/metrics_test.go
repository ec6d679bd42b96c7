// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNilMetricsAreSafe verifies every recorder is a no-op on a nil receiver,
// since the pipeline runs without metrics in tests and tooling.
func TestNilMetricsAreSafe(t *testing.T) {
	var m *PipelineMetrics

	assert.NotPanics(t, func() {
		m.RecordRequest("ok")
		m.RecordStage("vlm", 0.1)
		m.RecordConsensus("agree")
		m.RecordFallback("mock_seed")
		m.RecordFallback("")
		m.RecordSimilarityEdges(3)
		m.RecordSimilarityEdges(0)
		m.RecordGuard()
	})
}

// TestRecordFallback_EmptyStrategySkipped checks the empty-strategy guard on
// a populated struct too, without registering against the default registry.
func TestRecordFallback_EmptyStrategySkipped(t *testing.T) {
	m := &PipelineMetrics{}

	// FallbackTotal is nil here; an empty strategy must return before the
	// counter is touched.
	assert.NotPanics(t, func() { m.RecordFallback("") })
}

// TestRecordSimilarityEdges_NonPositiveSkipped mirrors the same guard for the
// edge counter.
func TestRecordSimilarityEdges_NonPositiveSkipped(t *testing.T) {
	m := &PipelineMetrics{}

	assert.NotPanics(t, func() {
		m.RecordSimilarityEdges(0)
		m.RecordSimilarityEdges(-2)
	})
}
