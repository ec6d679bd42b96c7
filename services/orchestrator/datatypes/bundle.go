// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "math"

// =============================================================================
// Normalised VLM output
// =============================================================================

// ImageRecord identifies a canonical image.
//
// ImageID is an uppercase, underscore-separated slug (IMG_…). StorageURI is
// the canonical storage path and is the dedup key for graph upserts; Path is
// the source-side path the request supplied.
type ImageRecord struct {
	ImageID    string `json:"image_id"`
	Modality   string `json:"modality,omitempty"`
	StorageURI string `json:"storage_uri"`
	Path       string `json:"path,omitempty"`
}

// Report is a model-authored narrative attached to an image.
type Report struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Model string  `json:"model"`
	Conf  float64 `json:"conf"`
	TS    string  `json:"ts"`
}

// Finding source labels.
const (
	SourceVLM             = "vlm"
	SourceMockSeed        = "mock_seed"
	SourceCaptionKeywords = "caption_keywords"
	SourceFallback        = "fallback"
)

// Finding is a single typed observation. Type and Location must pass ontology
// canonicalisation before the finding reaches the graph.
type Finding struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Location string   `json:"location"`
	SizeCM   *float64 `json:"size_cm,omitempty"`
	Conf     float64  `json:"conf"`
	Source   string   `json:"source"`
}

// FallbackMeta records whether and how seeded or keyword-derived findings were
// used. Once Used flips to true it never flips back; the same value is carried
// through graph_context, results, evaluation, and debug.
type FallbackMeta struct {
	Used        bool     `json:"used"`
	Forced      bool     `json:"forced"`
	Strategy    string   `json:"strategy"`
	RegistryHit bool     `json:"registry_hit"`
	SeededIDs   []string `json:"seeded_ids"`
}

// Absorb merges a later observation into the meta without ever clearing Used.
func (m *FallbackMeta) Absorb(other FallbackMeta) {
	if other.Used {
		m.Used = true
		m.Strategy = other.Strategy
		m.RegistryHit = other.RegistryHit
		m.SeededIDs = other.SeededIDs
	}
	if other.Forced {
		m.Forced = true
	}
}

// NormalizedBundle is the typed fact bundle produced by the normaliser.
type NormalizedBundle struct {
	Image        ImageRecord    `json:"image"`
	Report       Report         `json:"report"`
	Findings     []Finding      `json:"findings"`
	Caption      string         `json:"caption"`
	VLMLatencyMS int64          `json:"vlm_latency_ms"`
	RawVLM       map[string]any `json:"raw_vlm,omitempty"`

	FindingFallback FallbackMeta `json:"finding_fallback"`
}

// FindingIDs returns the ids of the bundle's findings in order.
func (b *NormalizedBundle) FindingIDs() []string {
	ids := make([]string, 0, len(b.Findings))
	for _, f := range b.Findings {
		ids = append(ids, f.ID)
	}
	return ids
}

// ClampConf clamps a confidence value to [0, 1].
func ClampConf(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RoundSize rounds a size in centimetres to one decimal place.
func RoundSize(v float64) float64 {
	return math.Round(v*10) / 10
}
