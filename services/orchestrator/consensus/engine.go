// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package consensus merges the mode outputs into a single answer.
//
// The scoring algebra is small but deliberate: pairwise Jaccard over
// normalised text, structured-term overlap against the typed findings, a
// graph-evidence bonus when VGL participates, and modality-conflict
// penalties that can strip a mode of its supporting role.
package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

// LowConfidenceDisclaimer prefixes or replaces the presented text whenever
// the result cannot be trusted.
const LowConfidenceDisclaimer = "[low confidence] The reasoning modes did not agree; interpret with caution."

// Default weights and thresholds.
const (
	defaultMinAgree       = 0.35
	defaultAnchorMinScore = 0.75
	agreeThreshold        = 0.6
	highThreshold         = 0.8
	modalityPenalty       = 0.2
	mismatchJaccard       = 0.1
)

func defaultWeights(graphEvidence bool) map[string]float64 {
	w := map[string]float64{
		datatypes.ModeV:   1.0,
		datatypes.ModeVL:  1.2,
		datatypes.ModeVGL: 1.0,
	}
	if graphEvidence {
		w[datatypes.ModeVGL] = 1.8
	}
	return w
}

// bannedByModality lists terms that contradict the study modality.
var bannedByModality = map[string][]string{
	"US": {"hounsfield", "radiograph", "ct scan"},
	"CT": {"echogenic", "doppler"},
	"XR": {"echogenic", "doppler"},
	"MR": {"hounsfield"},
}

// Mode preference order when a single representative must be chosen.
var modePriority = []string{datatypes.ModeVGL, datatypes.ModeVL, datatypes.ModeV}

// Config parameterises one consensus evaluation.
type Config struct {
	// Modality is the study modality hint (US, CT, XR, MR). Empty disables
	// modality penalties.
	Modality string

	// Weights overrides the per-mode weight map. Nil uses defaults.
	Weights map[string]float64

	// MinAgree is the weighted-fallback agreement floor. Zero means 0.35.
	MinAgree float64

	// AnchorMode, when set, can carry consensus alone if pairing fails.
	AnchorMode string

	// AnchorMinScore lifts the agreement score when the anchor carries.
	// Zero means 0.75.
	AnchorMinScore float64

	// GraphEvidence reports whether graph paths backed the VGL mode.
	GraphEvidence bool

	// GraphPathsStrength in [0,1] feeds the VGL pair bonus.
	GraphPathsStrength float64

	// NoEvidence marks a run with no graph paths and no persisted findings.
	// An agreeing or single outcome is downgraded to low_confidence.
	NoEvidence bool

	// Findings supply the structured terms for overlap scoring.
	Findings []datatypes.Finding
}

type modeState struct {
	name       string
	text       string
	normalized string
	tokens     map[string]bool
	weight     float64
	penalty    float64
	banned     []string
	overlap    float64
	degraded   string
	reason     string
}

// Evaluate merges the mode results. The returned map is the input map with
// graph-mismatch markings applied; callers should use it in the response.
func Evaluate(results map[string]datatypes.ModeResult, cfg Config) (datatypes.ConsensusResult, map[string]datatypes.ModeResult) {
	if cfg.MinAgree == 0 {
		cfg.MinAgree = defaultMinAgree
	}
	if cfg.AnchorMinScore == 0 {
		cfg.AnchorMinScore = defaultAnchorMinScore
	}
	weights := cfg.Weights
	if weights == nil {
		weights = defaultWeights(cfg.GraphEvidence)
	}

	typeTerms, locTerms := structuredTerms(cfg.Findings)

	var evaluated, degradedInputs []string
	states := map[string]*modeState{}
	for _, name := range modePriority {
		r, ok := results[name]
		if !ok {
			continue
		}
		evaluated = append(evaluated, name)
		if r.Degraded != "" {
			degradedInputs = append(degradedInputs, name)
		}
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		s := &modeState{
			name:       name,
			text:       r.Text,
			normalized: normalizeText(r.Text),
			weight:     weights[name],
			degraded:   r.Degraded,
			reason:     r.Reason,
		}
		if s.weight == 0 {
			s.weight = 1.0
		}
		s.tokens = tokenSet(s.normalized)
		if terms := bannedHits(s.normalized, cfg.Modality); len(terms) > 0 {
			s.penalty = -modalityPenalty
			s.banned = terms
		}
		s.overlap = 0.6*hitRatio(s.tokens, typeTerms) + 0.4*hitRatio(s.tokens, locTerms)
		states[name] = s
	}

	result := datatypes.ConsensusResult{
		EvaluatedModes: evaluated,
		DegradedInputs: degradedInputs,
	}

	usable := usableStates(states)
	switch len(usable) {
	case 0:
		result.Status = datatypes.StatusEmpty
		result.Confidence = datatypes.ConfidenceVeryLow
		result.PresentedText = LowConfidenceDisclaimer
		return result, results
	case 1:
		s := usable[0]
		result.Status = datatypes.StatusSingle
		result.Text = s.text
		result.SupportingModes = []string{s.name}
		result.AgreementScore = clamp01(s.overlap)
		result.Confidence = datatypes.ConfidenceMedium
		if s.degraded != "" {
			result.Status = datatypes.StatusLowConfidence
			result.Confidence = datatypes.ConfidenceLow
			if s.reason != "" {
				result.Notes = appendNote(result.Notes, s.reason)
			}
		}
		if s.penalty != 0 {
			result.Confidence = datatypes.ConfidenceVeryLow
			result.Notes = appendNote(result.Notes, conflictNote(s))
		}
		result = downgradeNoEvidence(result, cfg)
		result.PresentedText = presentText(result)
		return result, results
	}

	// Pair selection: maximise adjusted score times mean effective weight.
	var bestA, bestB *modeState
	var bestAdjusted, bestWeighted, bestPairWeight float64
	first := true
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			a, b := usable[i], usable[j]
			raw := 0.6*jaccard(a.tokens, b.tokens) + 0.3*mean(a.overlap, b.overlap)
			if a.name == datatypes.ModeVGL || b.name == datatypes.ModeVGL {
				raw += 0.10 * cfg.GraphPathsStrength
			}
			adjusted := clamp01(raw + mean(a.penalty, b.penalty))
			pairWeight := mean(effectiveWeight(a), effectiveWeight(b))
			weighted := adjusted * pairWeight
			if first || weighted > bestWeighted {
				first = false
				bestA, bestB = a, b
				bestAdjusted, bestWeighted, bestPairWeight = adjusted, weighted, pairWeight
			}
		}
	}

	result.AgreementScore = bestAdjusted
	chosen := preferMode(bestA, bestB)
	result.Text = chosen.text

	switch {
	case bestAdjusted >= agreeThreshold:
		result.Status = datatypes.StatusAgree
		result.SupportingModes = []string{bestA.name, bestB.name}
		result.Confidence = confidenceFor(bestAdjusted)

	case bestAdjusted >= cfg.MinAgree && bestPairWeight > 1.0:
		result.Status = datatypes.StatusAgree
		result.SupportingModes = []string{bestA.name, bestB.name}
		result.Confidence = datatypes.ConfidenceMedium
		result.Notes = appendNote(result.Notes, "weighted fallback agreement below the strict threshold")

	default:
		if anchor := states[cfg.AnchorMode]; anchor != nil && anchor.degraded == "" && anchor.text != "" {
			result.Status = datatypes.StatusAgree
			result.SupportingModes = []string{anchor.name}
			result.Text = anchor.text
			chosen = anchor
			if cfg.AnchorMinScore > result.AgreementScore {
				result.AgreementScore = cfg.AnchorMinScore
			}
			result.Confidence = confidenceFor(result.AgreementScore)
			result.Notes = appendNote(result.Notes, fmt.Sprintf("anchored on %s graph evidence", anchor.name))
		} else {
			preferred := preferUsable(usable)
			result.Status = datatypes.StatusDisagree
			result.SupportingModes = []string{preferred.name}
			result.Text = preferred.text
			chosen = preferred
			result.Confidence = datatypes.ConfidenceLow
			if preferred.penalty != 0 {
				result.Confidence = datatypes.ConfidenceVeryLow
			}
			result.DisagreedModes = otherModes(usable, preferred)
		}
	}

	// Penalised supporting modes are removed, with a conflict note.
	result = stripPenalizedSupport(result, states, chosen)

	// Graph-mismatch marking: non-degraded V/VL far from a trusted VGL.
	if cfg.GraphEvidence {
		results = markGraphMismatch(results, states)
	}

	result = downgradeNoEvidence(result, cfg)

	result.PresentedText = presentText(result)
	return result, results
}

// presentText derives the caller-facing text. Every untrusted outcome,
// disagreement or a low-confidence downgrade, carries the disclaimer.
func presentText(result datatypes.ConsensusResult) string {
	switch result.Status {
	case datatypes.StatusDisagree, datatypes.StatusLowConfidence:
		return LowConfidenceDisclaimer + " " + result.Text
	}
	return result.Text
}

// downgradeNoEvidence caps the outcome when the run had neither graph paths
// nor persisted findings to ground it.
func downgradeNoEvidence(result datatypes.ConsensusResult, cfg Config) datatypes.ConsensusResult {
	if !cfg.NoEvidence {
		return result
	}
	switch result.Status {
	case datatypes.StatusAgree, datatypes.StatusSingle:
		result.Status = datatypes.StatusLowConfidence
	}
	if result.Confidence != datatypes.ConfidenceVeryLow {
		result.Confidence = datatypes.ConfidenceLow
	}
	return result
}

func stripPenalizedSupport(result datatypes.ConsensusResult, states map[string]*modeState, chosen *modeState) datatypes.ConsensusResult {
	if len(result.SupportingModes) < 2 {
		if chosen != nil && chosen.penalty != 0 {
			result.Confidence = datatypes.ConfidenceVeryLow
			result.Notes = appendNote(result.Notes, conflictNote(chosen))
		}
		return result
	}
	kept := result.SupportingModes[:0:0]
	for _, name := range result.SupportingModes {
		s := states[name]
		if s != nil && s.penalty != 0 && s != chosen {
			result.Notes = appendNote(result.Notes, conflictNote(s))
			continue
		}
		kept = append(kept, name)
	}
	result.SupportingModes = kept
	if chosen != nil && chosen.penalty != 0 {
		result.Confidence = datatypes.ConfidenceVeryLow
		result.Notes = appendNote(result.Notes, conflictNote(chosen))
	}
	return result
}

func markGraphMismatch(results map[string]datatypes.ModeResult, states map[string]*modeState) map[string]datatypes.ModeResult {
	vgl := states[datatypes.ModeVGL]
	if vgl == nil || vgl.degraded != "" {
		return results
	}
	for _, name := range []string{datatypes.ModeV, datatypes.ModeVL} {
		s := states[name]
		if s == nil || s.degraded != "" {
			continue
		}
		if jaccard(s.tokens, vgl.tokens) < mismatchJaccard {
			entry := results[name]
			entry.Degraded = datatypes.DegradedGraphMismatch
			results[name] = entry
		}
	}
	return results
}

// =============================================================================
// Scoring primitives
// =============================================================================

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenSet(normalized string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(normalized) {
		tok = strings.Trim(tok, ".,;:!?()[]\"'")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// structuredTerms extracts type and location term sets from the findings,
// expanding multi-word terms to their tokens of at least four characters.
func structuredTerms(findings []datatypes.Finding) (types, locations map[string]bool) {
	types = map[string]bool{}
	locations = map[string]bool{}
	for _, f := range findings {
		addTerm(types, f.Type)
		addTerm(locations, f.Location)
	}
	return types, locations
}

func addTerm(set map[string]bool, term string) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return
	}
	words := strings.Fields(term)
	if len(words) == 1 {
		set[term] = true
		return
	}
	for _, w := range words {
		if len([]rune(w)) >= 4 {
			set[w] = true
		}
	}
}

func hitRatio(tokens, terms map[string]bool) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for term := range terms {
		if tokens[term] {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func bannedHits(normalized, modality string) []string {
	terms := bannedByModality[strings.ToUpper(modality)]
	var hits []string
	for _, term := range terms {
		if strings.Contains(normalized, term) {
			hits = append(hits, term)
		}
	}
	sort.Strings(hits)
	return hits
}

func effectiveWeight(s *modeState) float64 {
	w := s.weight + s.penalty
	if w < 0 {
		w = 0
	}
	return w
}

func confidenceFor(score float64) string {
	if score >= highThreshold {
		return datatypes.ConfidenceHigh
	}
	return datatypes.ConfidenceMedium
}

func usableStates(states map[string]*modeState) []*modeState {
	var out []*modeState
	for _, name := range modePriority {
		if s, ok := states[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

func preferMode(a, b *modeState) *modeState {
	for _, name := range modePriority {
		if a.name == name {
			return a
		}
		if b.name == name {
			return b
		}
	}
	return a
}

func preferUsable(usable []*modeState) *modeState {
	for _, name := range modePriority {
		for _, s := range usable {
			if s.name == name {
				return s
			}
		}
	}
	return usable[0]
}

func otherModes(usable []*modeState, chosen *modeState) []string {
	var out []string
	for _, s := range usable {
		if s != chosen {
			out = append(out, s.name)
		}
	}
	return out
}

func conflictNote(s *modeState) string {
	return fmt.Sprintf("%s conflicts with the study modality (terms: %s)",
		s.name, strings.Join(s.banned, ", "))
}

func appendNote(notes, add string) string {
	if notes == "" {
		return add
	}
	return notes + "; " + add
}

func mean(vals ...float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
