// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Reasoning modes.
const (
	ModeV   = "V"
	ModeVL  = "VL"
	ModeVGL = "VGL"
)

// Degraded markers attached to mode results.
const (
	DegradedVL            = "VL"
	DegradedGraphMismatch = "graph_mismatch"
)

// ModeResult is the output of one reasoning mode.
type ModeResult struct {
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
	Degraded  string `json:"degraded,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// Consensus statuses.
const (
	StatusAgree         = "agree"
	StatusDisagree      = "disagree"
	StatusSingle        = "single"
	StatusEmpty         = "empty"
	StatusLowConfidence = "low_confidence"
)

// Confidence bands.
const (
	ConfidenceVeryLow = "very_low"
	ConfidenceLow     = "low"
	ConfidenceMedium  = "medium"
	ConfidenceHigh    = "high"
)

// ConsensusResult is the merged answer across the evaluated modes.
type ConsensusResult struct {
	Text            string   `json:"text"`
	PresentedText   string   `json:"presented_text"`
	Status          string   `json:"status"`
	SupportingModes []string `json:"supporting_modes"`
	DisagreedModes  []string `json:"disagreed_modes"`
	AgreementScore  float64  `json:"agreement_score"`
	Confidence      string   `json:"confidence"`
	Notes           string   `json:"notes,omitempty"`
	EvaluatedModes  []string `json:"evaluated_modes"`
	DegradedInputs  []string `json:"degraded_inputs,omitempty"`
}
