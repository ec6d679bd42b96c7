// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalizer turns raw VLM output into a typed fact bundle.
//
// The normaliser invokes the vision runner with a strict JSON-only
// instruction, parses whatever comes back (pure JSON or the first {...}
// substring), derives stable content-addressed ids, and applies the finding
// fallback chain when the model produced no findings:
//
//  1. seeded registry lookup by image id  (source=mock_seed)
//  2. caption keyword extraction          (source=caption_keywords)
//  3. empty list
//
// A filesystem cache keyed by sha1(seed, force flag) can short-circuit the
// VLM call entirely; forced and non-forced runs never share a cache file.
package normalizer

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/registry"
	"github.com/clarusmed/visiongraph/services/vlm"
)

var tracer = otel.Tracer("visiongraph.normalizer")

const visionPrompt = `Describe this medical image. Respond with JSON only, no prose:
{"image_id": "...", "caption": "...", "findings": [{"type": "...", "location": "...", "size_cm": 0.0, "conf": 0.0}]}`

// Normalizer drives the VLM and shapes its output.
type Normalizer struct {
	vlm      vlm.Client
	registry *registry.Registry
	cacheDir string
}

// Input carries everything one normalisation needs.
type Input struct {
	ImageB64       string
	ImagePath      string // source-side path, used for id derivation
	PayloadImageID string
	ForceDummy     bool
	CacheSeed      string
	CacheEnabled   bool
}

// New builds a Normalizer. cacheDir may be empty (cache disabled).
func New(client vlm.Client, reg *registry.Registry, cacheDir string) *Normalizer {
	return &Normalizer{vlm: client, registry: reg, cacheDir: cacheDir}
}

// parsedVision is the lenient shape of the VLM's JSON reply.
type parsedVision struct {
	ImageID  string `json:"image_id"`
	Caption  string `json:"caption"`
	Findings []struct {
		Type     string   `json:"type"`
		Location string   `json:"location"`
		SizeCM   *float64 `json:"size_cm"`
		Conf     float64  `json:"conf"`
	} `json:"findings"`
}

// Normalize produces the typed bundle for one image.
func (n *Normalizer) Normalize(ctx context.Context, in Input) (datatypes.NormalizedBundle, error) {
	ctx, span := tracer.Start(ctx, "Normalizer.Normalize")
	defer span.End()
	span.SetAttributes(attribute.Bool("force_dummy", in.ForceDummy))

	if in.CacheEnabled && n.cacheDir != "" {
		if bundle, ok := n.readCache(in.CacheSeed, in.ForceDummy); ok {
			slog.Info("Normalize cache hit", "seed", in.CacheSeed, "forced", in.ForceDummy)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return bundle, nil
		}
	}

	start := time.Now()
	raw, err := n.vlm.Describe(ctx, in.ImageB64, visionPrompt, "describe")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.NormalizedBundle{}, fmt.Errorf("VLM describe failed: %w", err)
	}

	parsed := parseVisionJSON(raw)

	imageID := deriveImageID(in.PayloadImageID, parsed.ImageID, in.ImagePath)
	caption := strings.TrimSpace(parsed.Caption)
	if caption == "" && !looksLikeJSON(raw) {
		// Unstructured replies still carry a usable caption.
		caption = strings.TrimSpace(raw)
	}

	report := datatypes.Report{
		Text:  caption,
		Model: n.vlm.Model(),
		Conf:  0.8,
		TS:    time.Now().UTC().Format(time.RFC3339),
	}
	report.ID = reportID(imageID, report.Text, report.Model)

	findings := make([]datatypes.Finding, 0, len(parsed.Findings))
	for _, pf := range parsed.Findings {
		if strings.TrimSpace(pf.Type) == "" {
			continue
		}
		f := datatypes.Finding{
			Type:     strings.TrimSpace(pf.Type),
			Location: strings.TrimSpace(pf.Location),
			Conf:     datatypes.ClampConf(pf.Conf),
			Source:   datatypes.SourceVLM,
		}
		if pf.SizeCM != nil {
			size := datatypes.RoundSize(*pf.SizeCM)
			f.SizeCM = &size
		}
		f.ID = findingID(imageID, f)
		findings = append(findings, f)
	}

	fallback := datatypes.FallbackMeta{Forced: in.ForceDummy}
	if len(findings) == 0 || in.ForceDummy {
		findings, fallback = n.applyFallback(imageID, caption, in.ForceDummy)
	}

	bundle := datatypes.NormalizedBundle{
		Image: datatypes.ImageRecord{
			ImageID: imageID,
			Path:    in.ImagePath,
		},
		Report:          report,
		Findings:        findings,
		Caption:         caption,
		VLMLatencyMS:    latency,
		RawVLM:          map[string]any{"result": raw},
		FindingFallback: fallback,
	}

	if in.CacheEnabled && n.cacheDir != "" {
		n.writeCache(in.CacheSeed, in.ForceDummy, bundle)
	}
	return bundle, nil
}

// =============================================================================
// Fallback chain
// =============================================================================

// ReapplyFallback re-runs the fallback chain under a resolved image id. The
// identity resolver can land on a different id than the normaliser derived
// (registry aliases, path stems); seeded findings must key off the final id
// or the registry lookup misses.
func (n *Normalizer) ReapplyFallback(imageID, caption string, forced bool) ([]datatypes.Finding, datatypes.FallbackMeta) {
	return n.applyFallback(imageID, caption, forced)
}

func (n *Normalizer) applyFallback(imageID, caption string, forced bool) ([]datatypes.Finding, datatypes.FallbackMeta) {
	meta := datatypes.FallbackMeta{Forced: forced}

	if seeds := n.registry.SeedFindings(imageID); len(seeds) > 0 {
		findings := make([]datatypes.Finding, 0, len(seeds))
		for _, s := range seeds {
			f := datatypes.Finding{
				Type:     s.Type,
				Location: s.Location,
				Conf:     datatypes.ClampConf(s.Conf),
				Source:   datatypes.SourceMockSeed,
			}
			if s.SizeCM != nil {
				size := datatypes.RoundSize(*s.SizeCM)
				f.SizeCM = &size
			}
			f.ID = findingID(imageID, f)
			findings = append(findings, f)
			meta.SeededIDs = append(meta.SeededIDs, f.ID)
		}
		meta.Used = true
		meta.RegistryHit = true
		meta.Strategy = datatypes.SourceMockSeed
		slog.Info("Finding fallback: registry seed", "image_id", imageID, "count", len(findings))
		return findings, meta
	}

	if findings := captionFindings(imageID, caption); len(findings) > 0 {
		meta.Used = true
		meta.RegistryHit = false
		meta.Strategy = datatypes.SourceCaptionKeywords
		slog.Info("Finding fallback: caption keywords", "image_id", imageID, "count", len(findings))
		return findings, meta
	}

	if forced {
		// Forced runs with nothing to seed still record the attempt.
		meta.Used = true
		meta.Strategy = datatypes.SourceFallback
	}
	return nil, meta
}

// Fixed keyword table for caption parsing. Korean forms match the bilingual
// captions the dummy VLM emits.
var captionTypeKeywords = []struct {
	canonical string
	keywords  []string
}{
	{"nodule", []string{"nodule", "결절"}},
	{"opacity", []string{"opacity", "음영"}},
}

var lobeKeywords = []struct {
	canonical string
	keywords  []string
}{
	{"right upper lobe", []string{"rul", "right upper lobe"}},
	{"right middle lobe", []string{"rml", "right middle lobe"}},
	{"right lower lobe", []string{"rll", "right lower lobe"}},
	{"left upper lobe", []string{"lul", "left upper lobe"}},
	{"left lower lobe", []string{"lll", "left lower lobe"}},
}

var sizeRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*cm`)

func captionFindings(imageID, caption string) []datatypes.Finding {
	if strings.TrimSpace(caption) == "" {
		return nil
	}
	lower := strings.ToLower(caption)

	var size *float64
	if m := sizeRe.FindStringSubmatch(lower); m != nil {
		var v float64
		fmt.Sscanf(m[1], "%f", &v)
		v = datatypes.RoundSize(v)
		size = &v
	}

	var locations []string
	for _, lobe := range lobeKeywords {
		for _, kw := range lobe.keywords {
			if containsToken(lower, kw) {
				locations = append(locations, lobe.canonical)
				break
			}
		}
	}

	var findings []datatypes.Finding
	for _, t := range captionTypeKeywords {
		hit := false
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		locs := locations
		if len(locs) == 0 {
			locs = []string{"lung"}
		}
		for _, loc := range locs {
			f := datatypes.Finding{
				Type:     t.canonical,
				Location: loc,
				SizeCM:   size,
				Conf:     0.6,
				Source:   datatypes.SourceCaptionKeywords,
			}
			f.ID = findingID(imageID, f)
			findings = append(findings, f)
		}
	}
	return findings
}

// containsToken matches short lobe abbreviations as whole words only, so
// "RUL" in "virulent" does not count.
func containsToken(text, token string) bool {
	if len(token) > 3 {
		return strings.Contains(text, token)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], token)
		if i < 0 {
			return false
		}
		i += idx
		beforeOK := i == 0 || !isWordByte(text[i-1])
		after := i + len(token)
		afterOK := after >= len(text) || !isWordByte(text[after])
		if beforeOK && afterOK {
			return true
		}
		idx = i + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// =============================================================================
// Identifier derivation
// =============================================================================

func deriveImageID(payloadID, parsedID, path string) string {
	if payloadID != "" {
		return canonicalID(payloadID)
	}
	if parsedID != "" {
		return canonicalID(parsedID)
	}
	sum := sha1.Sum([]byte(path))
	return fmt.Sprintf("IMG_%X", sum[:4])
}

func canonicalID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	id = strings.ReplaceAll(id, "-", "_")
	for strings.Contains(id, "__") {
		id = strings.ReplaceAll(id, "__", "_")
	}
	return id
}

func reportID(imageID, text, model string) string {
	if len(text) > 256 {
		text = text[:256]
	}
	sum := sha1.Sum([]byte(imageID + "|" + text + "|" + model))
	return fmt.Sprintf("%x", sum)
}

func findingID(imageID string, f datatypes.Finding) string {
	size := ""
	if f.SizeCM != nil {
		size = fmt.Sprintf("%.1f", *f.SizeCM)
	}
	sum := sha1.Sum([]byte(imageID + "|" + f.Type + "|" + f.Location + "|" + size))
	return fmt.Sprintf("%x", sum)
}

// =============================================================================
// JSON extraction
// =============================================================================

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{")
}

// parseVisionJSON accepts a pure JSON body or the first balanced {...}
// substring. On failure all fields come back empty; a parse failure is not
// fatal to the pipeline.
func parseVisionJSON(raw string) parsedVision {
	var p parsedVision
	candidate := strings.TrimSpace(raw)
	if !looksLikeJSON(candidate) {
		candidate = firstJSONObject(candidate)
	}
	if candidate == "" {
		return p
	}
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		// Try the embedded object even when the body started with '{' but had
		// trailing prose.
		if obj := firstJSONObject(raw); obj != "" && obj != candidate {
			if err2 := json.Unmarshal([]byte(obj), &p); err2 == nil {
				return p
			}
		}
		slog.Debug("VLM reply was not parseable JSON", "error", err)
		return parsedVision{}
	}
	return p
}

func firstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// =============================================================================
// Filesystem cache
// =============================================================================

// CacheKey derives the cache filename stem for a seed and force flag. The
// force flag is part of the key so forced and non-forced runs never collide.
func CacheKey(seed string, forced bool) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|force=%t", seed, forced)))
	return fmt.Sprintf("%x", sum)
}

func (n *Normalizer) cachePath(seed string, forced bool) string {
	return filepath.Join(n.cacheDir, fmt.Sprintf("normalized_%s.json", CacheKey(seed, forced)))
}

func (n *Normalizer) readCache(seed string, forced bool) (datatypes.NormalizedBundle, bool) {
	data, err := os.ReadFile(n.cachePath(seed, forced))
	if err != nil {
		return datatypes.NormalizedBundle{}, false
	}
	var bundle datatypes.NormalizedBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		// Unreadable cache entries are a miss, not an error.
		slog.Warn("Discarding unreadable normalize cache entry", "error", err)
		return datatypes.NormalizedBundle{}, false
	}
	bundle.RawVLM = map[string]any{"cached": true}
	return bundle, true
}

func (n *Normalizer) writeCache(seed string, forced bool, bundle datatypes.NormalizedBundle) {
	if err := os.MkdirAll(n.cacheDir, 0o750); err != nil {
		slog.Warn("Cannot create normalize cache dir", "dir", n.cacheDir, "error", err)
		return
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	path := n.cachePath(seed, forced)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		slog.Warn("Normalize cache write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("Normalize cache rename failed", "error", err)
		_ = os.Remove(tmp)
	}
}
