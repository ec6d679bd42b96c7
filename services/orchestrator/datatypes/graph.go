// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Graph read/write records
// =============================================================================

// Slot names for evidence-path budgeting.
const (
	SlotFindings   = "findings"
	SlotReports    = "reports"
	SlotSimilarity = "similarity"
)

// SlotLimits is the per-slot path budget applied to a graph query.
type SlotLimits struct {
	Findings   int `json:"findings"`
	Reports    int `json:"reports"`
	Similarity int `json:"similarity"`
}

// Total returns the allocated budget across all slots.
func (s SlotLimits) Total() int {
	return s.Findings + s.Reports + s.Similarity
}

// SlotMeta records how the slot budget was derived for a context bundle.
type SlotMeta struct {
	RequestedK         int         `json:"requested_k"`
	AppliedK           int         `json:"applied_k"`
	SlotSource         string      `json:"slot_source"` // auto | overrides
	RequestedOverrides *SlotLimits `json:"requested_overrides,omitempty"`
	AllocatedTotal     int         `json:"allocated_total"`
	RetriedFindings    bool        `json:"retried_findings,omitempty"`
}

// EvidencePath is an ordered sequence of Node -RELATION-> Node triples rooted
// at the request image. (Label, Triples) is unique within a bundle.
type EvidencePath struct {
	Label   string   `json:"label"`
	Triples []string `json:"triples"`
	Score   float64  `json:"score"`
	Slot    string   `json:"slot"`
}

// SummaryRow is one relation-level aggregate from the edge summary query.
type SummaryRow struct {
	Rel     string  `json:"rel"`
	Count   int     `json:"count"`
	AvgConf float64 `json:"avg_conf"`
}

// FactFinding is the compact finding view inside GraphFacts.
type FactFinding struct {
	Type     string   `json:"type"`
	Location string   `json:"location"`
	SizeCM   *float64 `json:"size_cm,omitempty"`
	Conf     float64  `json:"conf"`
}

// GraphFacts is the facts payload appended to the rendered context.
type GraphFacts struct {
	ImageID  string        `json:"image_id"`
	Findings []FactFinding `json:"findings"`
}

// ContextBundle is the slot-allocated graph context produced by the builder.
type ContextBundle struct {
	Summary     []string       `json:"summary"`
	SummaryRows []SummaryRow   `json:"summary_rows"`
	Paths       []EvidencePath `json:"paths"`
	Facts       GraphFacts     `json:"facts"`
	Triples     string         `json:"triples"`
	SlotLimits  SlotLimits     `json:"slot_limits"`
	SlotMeta    SlotMeta       `json:"slot_meta"`
}

// UpsertPayload is the case subgraph written by the repository.
type UpsertPayload struct {
	CaseID         string      `json:"case_id"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Image          ImageRecord `json:"image"`
	Report         Report      `json:"report"`
	Findings       []Finding   `json:"findings"`
}

// UpsertReceipt is returned by the repository after a successful upsert.
type UpsertReceipt struct {
	ImageID    string   `json:"image_id"`
	FindingIDs []string `json:"finding_ids"`
}

// PathQuery parameterises the top-k evidence path query.
type PathQuery struct {
	K            int
	AlphaFinding *float64
	BetaReport   *float64
	Slots        *SlotLimits
}

// SimilarityEdge is a SIMILAR_TO relationship between two images.
type SimilarityEdge struct {
	FromImageID string  `json:"from_image_id"`
	ToImageID   string  `json:"to_image_id"`
	Score       float64 `json:"score"`
	Basis       string  `json:"basis"`
}
