// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/registry"
)

// fakeVLM replays a canned reply and counts calls.
type fakeVLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeVLM) Describe(ctx context.Context, imageB64, prompt, task string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeVLM) Health(ctx context.Context) error { return nil }
func (f *fakeVLM) Model() string                    { return "test-vlm" }

func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "findings.csv"),
		[]byte("IMG_001,nodule,right upper lobe,1.2,0.9\n"), 0o640))
	reg, err := registry.Load(dir)
	require.NoError(t, err)
	return reg
}

func emptyRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load("")
	require.NoError(t, err)
	return reg
}

// =============================================================================
// Normalize Tests
// =============================================================================

func TestNormalize_ParsesStructuredReply(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "img-001", "caption": "Nodule in RUL",
		"findings": [{"type": "nodule", "location": "right upper lobe", "size_cm": 1.23, "conf": 0.85}]}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)

	assert.Equal(t, "IMG_001", bundle.Image.ImageID)
	assert.Equal(t, "Nodule in RUL", bundle.Caption)
	require.Len(t, bundle.Findings, 1)

	f := bundle.Findings[0]
	assert.Equal(t, "nodule", f.Type)
	assert.Equal(t, datatypes.SourceVLM, f.Source)
	require.NotNil(t, f.SizeCM)
	assert.Equal(t, 1.2, *f.SizeCM)
	assert.NotEmpty(t, f.ID)
	assert.False(t, bundle.FindingFallback.Used)
}

func TestNormalize_ExtractsEmbeddedJSON(t *testing.T) {
	vlm := &fakeVLM{reply: `Sure, here is the description: {"image_id": "IMG_9", "caption": "clear lungs", "findings": []} hope that helps`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)
	assert.Equal(t, "IMG_9", bundle.Image.ImageID)
	assert.Equal(t, "clear lungs", bundle.Caption)
}

func TestNormalize_UnstructuredReplyBecomesCaption(t *testing.T) {
	vlm := &fakeVLM{reply: "A plain prose description with no findings mentioned."}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x", ImagePath: "/tmp/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "A plain prose description with no findings mentioned.", bundle.Caption)
	assert.NotEmpty(t, bundle.Image.ImageID)
}

func TestNormalize_PayloadIDWins(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_FROM_MODEL", "caption": "c", "findings": []}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x", PayloadImageID: "img-77"})
	require.NoError(t, err)
	assert.Equal(t, "IMG_77", bundle.Image.ImageID)
}

func TestNormalize_VLMErrorIsFatal(t *testing.T) {
	vlm := &fakeVLM{err: fmt.Errorf("connection refused")}
	n := New(vlm, emptyRegistry(t), "")

	_, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	assert.Error(t, err)
}

// =============================================================================
// Fallback Chain Tests
// =============================================================================

func TestNormalize_FallbackRegistrySeed(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_001", "caption": "no findings here", "findings": []}`}
	n := New(vlm, seededRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)

	require.Len(t, bundle.Findings, 1)
	assert.Equal(t, datatypes.SourceMockSeed, bundle.Findings[0].Source)
	assert.True(t, bundle.FindingFallback.Used)
	assert.True(t, bundle.FindingFallback.RegistryHit)
	assert.Equal(t, datatypes.SourceMockSeed, bundle.FindingFallback.Strategy)
	assert.Equal(t, bundle.FindingIDs(), bundle.FindingFallback.SeededIDs)
}

func TestNormalize_ForceDummyOverridesVLMFindings(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_001", "caption": "c",
		"findings": [{"type": "mass", "location": "lung", "conf": 0.9}]}`}
	n := New(vlm, seededRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x", ForceDummy: true})
	require.NoError(t, err)

	require.Len(t, bundle.Findings, 1)
	assert.Equal(t, datatypes.SourceMockSeed, bundle.Findings[0].Source)
	assert.True(t, bundle.FindingFallback.Forced)
	assert.True(t, bundle.FindingFallback.Used)
}

func TestNormalize_FallbackCaptionKeywords(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_404", "caption": "1.5 cm nodule in the RUL", "findings": []}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)

	require.Len(t, bundle.Findings, 1)
	f := bundle.Findings[0]
	assert.Equal(t, "nodule", f.Type)
	assert.Equal(t, "right upper lobe", f.Location)
	require.NotNil(t, f.SizeCM)
	assert.Equal(t, 1.5, *f.SizeCM)
	assert.Equal(t, datatypes.SourceCaptionKeywords, f.Source)
	assert.Equal(t, datatypes.SourceCaptionKeywords, bundle.FindingFallback.Strategy)
	assert.False(t, bundle.FindingFallback.RegistryHit)
}

func TestNormalize_FallbackKoreanKeywords(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_404", "caption": "우상엽에 결절 소견", "findings": []}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)
	require.Len(t, bundle.Findings, 1)
	assert.Equal(t, "nodule", bundle.Findings[0].Type)
	assert.Equal(t, "lung", bundle.Findings[0].Location)
}

func TestNormalize_FallbackEmpty(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_404", "caption": "unremarkable study", "findings": []}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x"})
	require.NoError(t, err)
	assert.Empty(t, bundle.Findings)
	assert.False(t, bundle.FindingFallback.Used)
}

func TestNormalize_ForcedEmptyStillRecordsAttempt(t *testing.T) {
	vlm := &fakeVLM{reply: `{"image_id": "IMG_404", "caption": "unremarkable study", "findings": []}`}
	n := New(vlm, emptyRegistry(t), "")

	bundle, err := n.Normalize(context.Background(), Input{ImageB64: "x", ForceDummy: true})
	require.NoError(t, err)
	assert.Empty(t, bundle.Findings)
	assert.True(t, bundle.FindingFallback.Used)
	assert.Equal(t, datatypes.SourceFallback, bundle.FindingFallback.Strategy)
}

func TestReapplyFallback_UsesNewID(t *testing.T) {
	n := New(&fakeVLM{}, seededRegistry(t), "")

	findings, meta := n.ReapplyFallback("IMG_001", "", false)
	require.Len(t, findings, 1)
	assert.True(t, meta.RegistryHit)

	findings, meta = n.ReapplyFallback("IMG_404", "", false)
	assert.Empty(t, findings)
	assert.False(t, meta.Used)
}

func TestContainsToken_WholeWordLobes(t *testing.T) {
	assert.True(t, containsToken("nodule in rul area", "rul"))
	assert.True(t, containsToken("rul nodule", "rul"))
	assert.False(t, containsToken("virulent strain", "rul"))
}

// =============================================================================
// Identifier Tests
// =============================================================================

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "IMG_001", canonicalID(" img-001 "))
	assert.Equal(t, "IMG_A_B", canonicalID("IMG__a--b"))
}

func TestFindingID_Stable(t *testing.T) {
	size := 1.2
	f := datatypes.Finding{Type: "nodule", Location: "lung", SizeCM: &size}
	a := findingID("IMG_001", f)
	b := findingID("IMG_001", f)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, findingID("IMG_002", f))
}

// =============================================================================
// Cache Tests
// =============================================================================

func TestCacheKey_ForceFlagSeparatesEntries(t *testing.T) {
	assert.NotEqual(t, CacheKey("seed", false), CacheKey("seed", true))
	assert.Equal(t, CacheKey("seed", false), CacheKey("seed", false))
}

func TestNormalize_CacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vlm := &fakeVLM{reply: `{"image_id": "IMG_5", "caption": "cached caption", "findings": []}`}
	n := New(vlm, emptyRegistry(t), dir)

	in := Input{ImageB64: "x", CacheSeed: "/tmp/a.png", CacheEnabled: true}
	first, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, vlm.calls)

	second, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, vlm.calls, "second run must hit the cache")
	assert.Equal(t, first.Image.ImageID, second.Image.ImageID)
	assert.Equal(t, first.Caption, second.Caption)
	assert.Equal(t, map[string]any{"cached": true}, second.RawVLM)
}

func TestNormalize_CacheDisabledWithoutDebug(t *testing.T) {
	dir := t.TempDir()
	vlm := &fakeVLM{reply: `{"image_id": "IMG_5", "caption": "c", "findings": []}`}
	n := New(vlm, emptyRegistry(t), dir)

	in := Input{ImageB64: "x", CacheSeed: "/tmp/a.png", CacheEnabled: false}
	_, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	_, err = n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, vlm.calls)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
