// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package consensus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

func lungNoduleFindings() []datatypes.Finding {
	return []datatypes.Finding{{Type: "nodule", Location: "lung"}}
}

// =============================================================================
// Cardinality Tests
// =============================================================================

func TestEvaluate_NoModes(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{}, Config{})

	assert.Equal(t, datatypes.StatusEmpty, res.Status)
	assert.Equal(t, datatypes.ConfidenceVeryLow, res.Confidence)
	assert.Equal(t, LowConfidenceDisclaimer, res.PresentedText)
	assert.Empty(t, res.SupportingModes)
}

func TestEvaluate_AllModesBlank(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "   "},
		datatypes.ModeVL: {Text: ""},
	}, Config{})

	assert.Equal(t, datatypes.StatusEmpty, res.Status)
	assert.ElementsMatch(t, []string{"VGL", "VL", "V"}[1:], res.EvaluatedModes)
}

func TestEvaluate_SingleMode(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL: {Text: "nodule in lung"},
	}, Config{Findings: lungNoduleFindings()})

	assert.Equal(t, datatypes.StatusSingle, res.Status)
	assert.Equal(t, []string{"VL"}, res.SupportingModes)
	assert.Equal(t, datatypes.ConfidenceMedium, res.Confidence)
	assert.Equal(t, "nodule in lung", res.PresentedText)
	assert.InDelta(t, 1.0, res.AgreementScore, 1e-9)
}

func TestEvaluate_SingleDegradedMode(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVGL: {
			Text:     "caption rewrite",
			Degraded: datatypes.DegradedVL,
			Reason:   "no graph paths and no persisted findings",
		},
	}, Config{})

	assert.Equal(t, datatypes.StatusLowConfidence, res.Status)
	assert.Equal(t, datatypes.ConfidenceLow, res.Confidence)
	assert.Contains(t, res.Notes, "no graph paths")
	assert.Equal(t, []string{"VGL"}, res.DegradedInputs)
}

// =============================================================================
// Agreement Ladder Tests
// =============================================================================

func TestEvaluate_StrictAgreement(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "nodule in lung"},
		datatypes.ModeVL: {Text: "nodule in lung"},
	}, Config{Findings: lungNoduleFindings()})

	assert.Equal(t, datatypes.StatusAgree, res.Status)
	assert.ElementsMatch(t, []string{"V", "VL"}, res.SupportingModes)
	assert.Equal(t, datatypes.ConfidenceHigh, res.Confidence)
	assert.GreaterOrEqual(t, res.AgreementScore, 0.8)
	// Preferred representative is the higher-priority mode.
	assert.Equal(t, "nodule in lung", res.Text)
	assert.Equal(t, res.Text, res.PresentedText)
}

func TestEvaluate_GraphBonusLiftsVGLPair(t *testing.T) {
	results := map[string]datatypes.ModeResult{
		datatypes.ModeVL:  {Text: "nodule in lung"},
		datatypes.ModeVGL: {Text: "nodule in lung"},
	}
	withBonus, _ := Evaluate(results, Config{
		Findings:           lungNoduleFindings(),
		GraphEvidence:      true,
		GraphPathsStrength: 1.0,
	})
	withoutBonus, _ := Evaluate(results, Config{Findings: lungNoduleFindings()})

	assert.Greater(t, withBonus.AgreementScore, withoutBonus.AgreementScore)
}

func TestEvaluate_WeightedFallbackAgreement(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "nodule lung"},
		datatypes.ModeVL: {Text: "nodule lung apparent visible seen today clearly"},
	}, Config{Findings: lungNoduleFindings()})

	assert.Equal(t, datatypes.StatusAgree, res.Status)
	assert.Equal(t, datatypes.ConfidenceMedium, res.Confidence)
	assert.Contains(t, res.Notes, "weighted fallback agreement")
	assert.Less(t, res.AgreementScore, 0.6)
	assert.GreaterOrEqual(t, res.AgreementScore, 0.35)
}

func TestEvaluate_AnchorCarriesConsensus(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:   {Text: "sunny beach picnic outdoors"},
		datatypes.ModeVL:  {Text: "crowded subway platform underground"},
		datatypes.ModeVGL: {Text: "nodule right upper lobe"},
	}, Config{
		AnchorMode:    datatypes.ModeVGL,
		GraphEvidence: true,
	})

	assert.Equal(t, datatypes.StatusAgree, res.Status)
	assert.Equal(t, []string{"VGL"}, res.SupportingModes)
	assert.Equal(t, "nodule right upper lobe", res.Text)
	assert.InDelta(t, 0.75, res.AgreementScore, 1e-9)
	assert.Contains(t, res.Notes, "anchored on VGL graph evidence")
}

func TestEvaluate_Disagreement(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "sunny beach vacation"},
		datatypes.ModeVL: {Text: "cardiac silhouette enlarged"},
	}, Config{})

	assert.Equal(t, datatypes.StatusDisagree, res.Status)
	assert.Equal(t, []string{"VL"}, res.SupportingModes)
	assert.Equal(t, []string{"V"}, res.DisagreedModes)
	assert.Equal(t, datatypes.ConfidenceLow, res.Confidence)
	assert.True(t, strings.HasPrefix(res.PresentedText, LowConfidenceDisclaimer))
	assert.Contains(t, res.PresentedText, "cardiac silhouette enlarged")
}

// =============================================================================
// Modality Penalty Tests
// =============================================================================

func TestEvaluate_ModalityPenaltySingle(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL: {Text: "hounsfield units suggest a dense lesion"},
	}, Config{Modality: "US"})

	assert.Equal(t, datatypes.ConfidenceVeryLow, res.Confidence)
	assert.Contains(t, res.Notes, "VL conflicts with the study modality")
	assert.Contains(t, res.Notes, "hounsfield")
}

func TestEvaluate_ModalityPenaltyStripsSupport(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL:  {Text: "nodule in lung"},
		datatypes.ModeVGL: {Text: "nodule in lung on the radiograph"},
	}, Config{Modality: "US", Findings: lungNoduleFindings()})

	// VGL mentions a radiograph on an ultrasound study; it keeps the chosen
	// text slot but any penalised co-supporter is dropped with a note.
	assert.Contains(t, res.Notes, "conflicts with the study modality")
}

func TestEvaluate_NoPenaltyWithoutModality(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL: {Text: "hounsfield units suggest a dense lesion"},
	}, Config{})

	assert.Equal(t, datatypes.ConfidenceMedium, res.Confidence)
	assert.Empty(t, res.Notes)
}

// =============================================================================
// Graph Mismatch Tests
// =============================================================================

func TestEvaluate_MarksGraphMismatch(t *testing.T) {
	_, results := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:   {Text: "sunny beach picnic outdoors"},
		datatypes.ModeVGL: {Text: "nodule right upper lobe"},
	}, Config{GraphEvidence: true})

	assert.Equal(t, datatypes.DegradedGraphMismatch, results[datatypes.ModeV].Degraded)
	assert.Empty(t, results[datatypes.ModeVGL].Degraded)
}

func TestEvaluate_NoMismatchMarkingWithoutEvidence(t *testing.T) {
	_, results := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:   {Text: "sunny beach picnic outdoors"},
		datatypes.ModeVGL: {Text: "nodule right upper lobe"},
	}, Config{})

	assert.Empty(t, results[datatypes.ModeV].Degraded)
}

// =============================================================================
// No-Evidence Downgrade Tests
// =============================================================================

func TestEvaluate_NoEvidenceDowngradesAgreement(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "nodule in lung"},
		datatypes.ModeVL: {Text: "nodule in lung"},
	}, Config{Findings: lungNoduleFindings(), NoEvidence: true})

	assert.Equal(t, datatypes.StatusLowConfidence, res.Status)
	assert.Equal(t, datatypes.ConfidenceLow, res.Confidence)
}

func TestEvaluate_NoEvidenceDowngradesSingle(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL: {Text: "unremarkable study"},
	}, Config{NoEvidence: true})

	assert.Equal(t, datatypes.StatusLowConfidence, res.Status)
	assert.Equal(t, datatypes.ConfidenceLow, res.Confidence)
}

func TestEvaluate_LowConfidencePrefixesDisclaimer(t *testing.T) {
	// A low_confidence outcome is as untrusted as a disagreement; the
	// presented text must carry the disclaimer on both.
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVGL: {
			Text:     "caption rewrite",
			Degraded: datatypes.DegradedVL,
			Reason:   "no graph paths and no persisted findings",
		},
	}, Config{})

	require.Equal(t, datatypes.StatusLowConfidence, res.Status)
	assert.True(t, strings.HasPrefix(res.PresentedText, LowConfidenceDisclaimer))
	assert.Contains(t, res.PresentedText, "caption rewrite")
}

func TestEvaluate_NoEvidenceDowngradePrefixesDisclaimer(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeV:  {Text: "nodule in lung"},
		datatypes.ModeVL: {Text: "nodule in lung"},
	}, Config{Findings: lungNoduleFindings(), NoEvidence: true})

	require.Equal(t, datatypes.StatusLowConfidence, res.Status)
	assert.True(t, strings.HasPrefix(res.PresentedText, LowConfidenceDisclaimer))
	assert.Contains(t, res.PresentedText, "nodule in lung")
}

func TestEvaluate_NoEvidenceKeepsVeryLow(t *testing.T) {
	res, _ := Evaluate(map[string]datatypes.ModeResult{
		datatypes.ModeVL: {Text: "hounsfield values noted"},
	}, Config{Modality: "US", NoEvidence: true})

	assert.Equal(t, datatypes.ConfidenceVeryLow, res.Confidence)
}

// =============================================================================
// Scoring Primitive Tests
// =============================================================================

func TestJaccard(t *testing.T) {
	a := tokenSet("nodule in lung")
	b := tokenSet("nodule in lung")
	assert.InDelta(t, 1.0, jaccard(a, b), 1e-9)

	c := tokenSet("completely different words")
	assert.InDelta(t, 0.0, jaccard(a, c), 1e-9)
	assert.InDelta(t, 0.0, jaccard(nil, nil), 1e-9)
}

func TestTokenSet_StripsPunctuation(t *testing.T) {
	set := tokenSet(`nodule, (lung). "seen"`)
	assert.True(t, set["nodule"])
	assert.True(t, set["lung"])
	assert.True(t, set["seen"])
	assert.Len(t, set, 3)
}

func TestStructuredTerms_MultiWordExpansion(t *testing.T) {
	types, locs := structuredTerms([]datatypes.Finding{
		{Type: "nodule", Location: "right upper lobe"},
	})
	assert.True(t, types["nodule"])
	assert.True(t, locs["right"])
	assert.True(t, locs["upper"])
	assert.True(t, locs["lobe"])
}

func TestBannedHits_Sorted(t *testing.T) {
	hits := bannedHits("radiograph with hounsfield numbers", "US")
	assert.Equal(t, []string{"hounsfield", "radiograph"}, hits)
	assert.Empty(t, bannedHits("radiograph", ""))
}
