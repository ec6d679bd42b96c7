// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphctx

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

func TestAllocateSlots_Auto(t *testing.T) {
	cases := []struct {
		k    int
		want datatypes.SlotLimits
	}{
		{0, datatypes.SlotLimits{}},
		{1, datatypes.SlotLimits{Findings: 1}},
		{2, datatypes.SlotLimits{Findings: 2}},
		{3, datatypes.SlotLimits{Findings: 2, Reports: 1}},
		{4, datatypes.SlotLimits{Findings: 2, Reports: 2}},
		{6, datatypes.SlotLimits{Findings: 2, Reports: 2, Similarity: 2}},
		{10, datatypes.SlotLimits{Findings: 2, Reports: 2, Similarity: 6}},
	}
	for _, tc := range cases {
		got, source := AllocateSlots(tc.k, nil)
		assert.Equal(t, tc.want, got, "k=%d", tc.k)
		assert.Equal(t, SlotSourceAuto, source)
		assert.Equal(t, tc.k, got.Total(), "k=%d", tc.k)
	}
}

func TestAllocateSlots_NegativeK(t *testing.T) {
	got, _ := AllocateSlots(-3, nil)
	assert.Equal(t, datatypes.SlotLimits{}, got)
}

func TestAllocateSlots_OverridesWithinBudget(t *testing.T) {
	ov := &datatypes.SlotLimits{Findings: 1, Reports: 1, Similarity: 1}
	got, source := AllocateSlots(4, ov)
	assert.Equal(t, *ov, got)
	assert.Equal(t, SlotSourceOverrides, source)
}

func TestAllocateSlots_OverridesCappedToK(t *testing.T) {
	// Decrement order under pressure: similarity, then reports, then findings.
	ov := &datatypes.SlotLimits{Findings: 3, Reports: 3, Similarity: 3}
	got, _ := AllocateSlots(4, ov)
	assert.Equal(t, 4, got.Total())
	assert.Equal(t, datatypes.SlotLimits{Findings: 3, Reports: 1, Similarity: 0}, got)
}

func TestAllocateSlots_OverridesClampNegatives(t *testing.T) {
	ov := &datatypes.SlotLimits{Findings: -2, Reports: 1, Similarity: -1}
	got, _ := AllocateSlots(5, ov)
	assert.Equal(t, datatypes.SlotLimits{Reports: 1}, got)
}

func TestRebalance_MovesStarvedBudgetToReports(t *testing.T) {
	current := datatypes.SlotLimits{Findings: 2, Reports: 2, Similarity: 0}
	hits := map[string]int{datatypes.SlotFindings: 0, datatypes.SlotReports: 3}

	next, moved := rebalance(current, hits)
	assert.True(t, moved)
	assert.Equal(t, 0, next.Findings)
	assert.Equal(t, 4, next.Reports)
}

func TestRebalance_NoMovementWhenAllSlotsHit(t *testing.T) {
	current := datatypes.SlotLimits{Findings: 2, Reports: 1}
	hits := map[string]int{datatypes.SlotFindings: 2, datatypes.SlotReports: 1}

	next, moved := rebalance(current, hits)
	assert.False(t, moved)
	assert.Equal(t, current, next)
}

func TestRebalance_ShiftsToUnprobedReportsSlot(t *testing.T) {
	// k=2 auto allocation gives reports no budget, so it can never show hits.
	// The starved findings budget must still reach it for the retry.
	current := datatypes.SlotLimits{Findings: 2}
	hits := map[string]int{}

	next, moved := rebalance(current, hits)
	assert.True(t, moved)
	assert.Equal(t, datatypes.SlotLimits{Reports: 2}, next)
}

func TestRebalance_ShiftsToSimilarityWhenReportsAlsoStarved(t *testing.T) {
	current := datatypes.SlotLimits{Findings: 1, Reports: 1}
	hits := map[string]int{}

	next, moved := rebalance(current, hits)
	assert.True(t, moved)
	assert.Equal(t, datatypes.SlotLimits{Similarity: 2}, next)
}

func TestRebalance_AllSlotsStarvedLeavesBudgetDropped(t *testing.T) {
	current := datatypes.SlotLimits{Findings: 1, Reports: 1, Similarity: 2}
	hits := map[string]int{}

	next, moved := rebalance(current, hits)
	assert.False(t, moved)
	assert.Equal(t, 0, next.Total())
}
