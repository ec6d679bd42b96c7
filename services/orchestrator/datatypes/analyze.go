// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request, response, and intermediate record types
// shared by the analyze pipeline and its collaborators.
//
// All types here are plain data. Behaviour lives in the component packages;
// the only methods defined here are validation and small derivation helpers
// that have no dependencies beyond the standard library.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request
// =============================================================================

// AnalyzeRequest is the body of POST /pipeline/analyze.
//
// # Required Fields
//
//   - Modes: at least one of "V", "VL", "VGL"
//   - Exactly one of ImageB64 or FilePath
//
// # Optional Fields
//
// Everything else. Zero values are replaced by defaults in ApplyDefaults.
type AnalyzeRequest struct {
	CaseID   string `json:"case_id,omitempty"`
	ImageID  string `json:"image_id,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	FilePath string `json:"file_path,omitempty"`

	// Modality is an optional study-modality hint (US, CT, XR, MR).
	Modality string `json:"modality,omitempty"`

	Modes []string `json:"modes" binding:"required,min=1,dive,oneof=V VL VGL"`

	K            int   `json:"k,omitempty" binding:"omitempty,min=1,max=10"`
	MaxChars     int   `json:"max_chars,omitempty" binding:"omitempty,min=1,max=120"`
	FallbackToVL *bool `json:"fallback_to_vl,omitempty"`
	TimeoutMS    int   `json:"timeout_ms,omitempty" binding:"omitempty,min=1000,max=60000"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Parameters *Options `json:"parameters,omitempty"`

	// Top-level overrides, kept for callers that predate the parameters blob.
	KPaths              *int     `json:"k_paths,omitempty"`
	AlphaFinding        *float64 `json:"alpha_finding,omitempty"`
	BetaReport          *float64 `json:"beta_report,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" binding:"omitempty,min=0,max=1"`
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func (r *AnalyzeRequest) ApplyDefaults() {
	if r.K == 0 {
		r.K = 2
	}
	if r.MaxChars == 0 {
		r.MaxChars = 30
	}
	if r.TimeoutMS == 0 {
		r.TimeoutMS = 20000
	}
	if r.FallbackToVL == nil {
		t := true
		r.FallbackToVL = &t
	}
}

// Validate checks the cross-field constraints that binding tags cannot express.
func (r *AnalyzeRequest) Validate() error {
	if r.ImageB64 == "" && r.FilePath == "" {
		return fmt.Errorf("one of image_b64 or file_path is required")
	}
	if r.ImageB64 != "" && r.FilePath != "" {
		return fmt.Errorf("image_b64 and file_path are mutually exclusive")
	}
	if r.ImageID != "" && strings.TrimSpace(r.ImageID) == "" {
		return fmt.Errorf("image_id must not be blank")
	}
	if r.Parameters != nil {
		if err := r.Parameters.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Options (the dynamic parameters{} blob)
// =============================================================================

// Options is the enumerated form of the free-form parameters{} object.
//
// Unknown keys are ignored during decode. ForceDummyFallback accepts booleans
// and the truthy strings "1", "true", "yes", "on" (case-insensitive).
type Options struct {
	KPaths      *int `json:"k_paths,omitempty" validate:"omitempty,min=1,max=10"`
	KFindings   *int `json:"k_findings,omitempty" validate:"omitempty,min=0,max=10"`
	KReports    *int `json:"k_reports,omitempty" validate:"omitempty,min=0,max=10"`
	KSimilarity *int `json:"k_similarity,omitempty" validate:"omitempty,min=0,max=10"`

	AlphaFinding *float64 `json:"alpha_finding,omitempty" validate:"omitempty,min=0,max=1"`
	BetaReport   *float64 `json:"beta_report,omitempty" validate:"omitempty,min=0,max=1"`

	ForceDummyFallback bool `json:"-"`
}

var optionsValidator = validator.New()

// UnmarshalJSON decodes the blob leniently: unknown keys are dropped, slot
// counts must be integers (a fractional value is an input error), and the
// force flag accepts truthy strings.
func (o *Options) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	intField := func(key string, dst **int) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("parameters.%s must be a number", key)
		}
		if f != float64(int(f)) {
			return fmt.Errorf("parameters.%s must be an integer", key)
		}
		n := int(f)
		*dst = &n
		return nil
	}
	floatField := func(key string, dst **float64) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("parameters.%s must be a number", key)
		}
		*dst = &f
		return nil
	}
	for key, dst := range map[string]**int{
		"k_paths":      &o.KPaths,
		"k_findings":   &o.KFindings,
		"k_reports":    &o.KReports,
		"k_similarity": &o.KSimilarity,
	} {
		if err := intField(key, dst); err != nil {
			return err
		}
	}
	if err := floatField("alpha_finding", &o.AlphaFinding); err != nil {
		return err
	}
	if err := floatField("beta_report", &o.BetaReport); err != nil {
		return err
	}
	if v, ok := raw["force_dummy_fallback"]; ok {
		o.ForceDummyFallback = parseTruthy(v)
	}
	return nil
}

// Validate enforces the documented bounds on each known key.
func (o *Options) Validate() error {
	return optionsValidator.Struct(o)
}

func parseTruthy(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return false
}

// =============================================================================
// Response
// =============================================================================

// Timings records per-stage wall-clock durations in milliseconds.
type Timings struct {
	VLMMs     int64 `json:"vlm_ms"`
	UpsertMs  int64 `json:"upsert_ms"`
	ContextMs int64 `json:"context_ms"`
	LLMVMs    int64 `json:"llm_v_ms"`
	LLMVLMs   int64 `json:"llm_vl_ms"`
	LLMVGLMs  int64 `json:"llm_vgl_ms"`
}

// AnalyzeResponse is the body returned by POST /pipeline/analyze on every
// outcome that produces a response (including degraded runs).
type AnalyzeResponse struct {
	OK      bool   `json:"ok"`
	CaseID  string `json:"case_id"`
	ImageID string `json:"image_id"`

	GraphContext GraphContextView `json:"graph_context"`
	Results      ResultsView      `json:"results"`
	Timings      Timings          `json:"timings"`
	Errors       []StageError     `json:"errors"`
	Debug        map[string]any   `json:"debug,omitempty"`
	Evaluation   Evaluation       `json:"evaluation"`

	Status string `json:"status,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// ResultsView is the results block: per-mode outputs, the merged consensus,
// and the same provenance payload the other views carry.
type ResultsView struct {
	Modes     map[string]ModeResult `json:"modes"`
	Consensus ConsensusResult       `json:"consensus"`

	Provenance
}

// GraphContextView is the graph_context block of the response: the rendered
// context bundle plus the provenance payload (carried byte-identically in
// results, evaluation, and debug).
type GraphContextView struct {
	Summary    []string       `json:"summary"`
	Paths      []EvidencePath `json:"paths"`
	Facts      GraphFacts     `json:"facts"`
	Triples    string         `json:"triples"`
	SlotLimits SlotLimits     `json:"slot_limits"`
	SlotMeta   SlotMeta       `json:"slot_meta"`

	Provenance
}

// Provenance is the finding-origin payload copied unchanged into
// graph_context, results, evaluation, and debug.
type Provenance struct {
	FindingSource     string            `json:"finding_source"`
	SeededFindingIDs  []string          `json:"seeded_finding_ids"`
	FindingFallback   FallbackMeta      `json:"finding_fallback"`
	FindingProvenance map[string]string `json:"finding_provenance"`
}

// GraphEvidence summarises the graph inputs that reached consensus scoring.
type GraphEvidence struct {
	PathCount     int     `json:"path_count"`
	FindingCount  int     `json:"finding_count"`
	PathsStrength float64 `json:"paths_strength"`
}

// Evaluation is the response's evaluation block.
type Evaluation struct {
	ModeCount      int           `json:"mode_count"`
	AgreementScore float64       `json:"agreement_score"`
	Confidence     string        `json:"confidence"`
	Status         string        `json:"status"`
	GraphEvidence  GraphEvidence `json:"graph_evidence"`
	LatencyMsTotal int64         `json:"latency_ms_total"`

	Provenance
}

// =============================================================================
// Error taxonomy
// =============================================================================

// ErrorKind classifies a pipeline failure for transport mapping.
type ErrorKind string

const (
	ErrInvalidInput          ErrorKind = "invalid_input"
	ErrUnidentifiableImage   ErrorKind = "unidentifiable_image"
	ErrDependencyUnavailable ErrorKind = "dependency_unavailable"
	ErrUpsertMismatch        ErrorKind = "upsert_mismatch"
	ErrGraphDegraded         ErrorKind = "graph_degraded"
	ErrStageFailure          ErrorKind = "stage_failure"
)

// StageError records a failure with the stage that produced it.
type StageError struct {
	Stage string    `json:"stage"`
	Kind  ErrorKind `json:"kind,omitempty"`
	Msg   string    `json:"msg"`
}

func (e StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

// PipelineError is a fatal pipeline failure. The handler maps Kind to an HTTP
// status; Errors carries the accumulated errors[] list for the response body.
type PipelineError struct {
	Kind   ErrorKind
	Stage  string
	Msg    string
	Where  string // dependency label for ErrDependencyUnavailable
	Errors []StageError
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Stage, e.Kind, e.Msg)
}

// HTTPStatus maps the error kind to its transport status code.
func (e *PipelineError) HTTPStatus() int {
	switch e.Kind {
	case ErrInvalidInput:
		return 422
	case ErrUnidentifiableImage:
		return 502
	case ErrDependencyUnavailable:
		return 503
	default:
		return 500
	}
}

// ParseForceFlag interprets a free-standing truthy string, mirroring the
// accepted forms of parameters.force_dummy_fallback.
func ParseForceFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n != 0
	}
	return false
}
