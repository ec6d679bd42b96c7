// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphctx

import (
	"fmt"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

// Slot sources recorded in SlotMeta.
const (
	SlotSourceAuto      = "auto"
	SlotSourceOverrides = "overrides"
)

// defaultSlotCap is the per-slot ceiling used by automatic allocation.
const defaultSlotCap = 2

// AllocateSlots derives the per-slot path budget for a total budget k.
//
// Without overrides: fill findings up to 2, then reports up to 2, then the
// remainder goes to similarity. With overrides: each value is clamped to a
// non-negative integer and the sum is capped at k by decrementing in order
// similarity, reports, findings.
func AllocateSlots(k int, overrides *datatypes.SlotLimits) (datatypes.SlotLimits, string) {
	if k < 0 {
		k = 0
	}

	if overrides == nil {
		var s datatypes.SlotLimits
		s.Findings = min(defaultSlotCap, k)
		s.Reports = min(defaultSlotCap, k-s.Findings)
		s.Similarity = k - s.Findings - s.Reports
		return s, SlotSourceAuto
	}

	s := datatypes.SlotLimits{
		Findings:   max(0, overrides.Findings),
		Reports:    max(0, overrides.Reports),
		Similarity: max(0, overrides.Similarity),
	}
	for s.Total() > k {
		switch {
		case s.Similarity > 0:
			s.Similarity--
		case s.Reports > 0:
			s.Reports--
		default:
			s.Findings--
		}
	}
	return s, SlotSourceOverrides
}

// rebalance shifts budget away from slots that returned zero paths. The
// receiver is the first of reports, similarity, findings that produced paths;
// when nothing produced paths yet, the first slot whose budget was zero this
// round receives the starved budget so the retry can probe it. A slot that
// both held budget and returned nothing is never a receiver. Returns the new
// limits and whether anything moved.
func rebalance(current datatypes.SlotLimits, hits map[string]int) (datatypes.SlotLimits, bool) {
	starved := 0
	starvedSlots := map[string]bool{}
	if current.Findings > 0 && hits[datatypes.SlotFindings] == 0 {
		starved += current.Findings
		current.Findings = 0
		starvedSlots[datatypes.SlotFindings] = true
	}
	if current.Reports > 0 && hits[datatypes.SlotReports] == 0 {
		starved += current.Reports
		current.Reports = 0
		starvedSlots[datatypes.SlotReports] = true
	}
	if current.Similarity > 0 && hits[datatypes.SlotSimilarity] == 0 {
		starved += current.Similarity
		current.Similarity = 0
		starvedSlots[datatypes.SlotSimilarity] = true
	}
	if starved == 0 {
		return current, false
	}

	receivers := []string{datatypes.SlotReports, datatypes.SlotSimilarity, datatypes.SlotFindings}
	give := func(slot string) {
		switch slot {
		case datatypes.SlotReports:
			current.Reports += starved
		case datatypes.SlotSimilarity:
			current.Similarity += starved
		case datatypes.SlotFindings:
			current.Findings += starved
		}
	}
	for _, slot := range receivers {
		if hits[slot] > 0 {
			give(slot)
			return current, true
		}
	}
	for _, slot := range receivers {
		if !starvedSlots[slot] {
			give(slot)
			return current, true
		}
	}
	return current, false
}

func slotSignature(s datatypes.SlotLimits) string {
	return fmt.Sprintf("%d:%d:%d", s.Findings, s.Reports, s.Similarity)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
