// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graphctx assembles the slot-allocated graph context bundle fed to
// the VGL mode. The builder budgets top-k evidence paths across three slots
// (findings, reports, similarity), rebalances when the graph returns sparse
// paths, and renders the bundle under a hard character budget.
package graphctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clarusmed/visiongraph/services/graph"
	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("visiongraph.graphctx")

// Builder builds context bundles against a graph repository.
type Builder struct {
	repo   graph.Repository
	closed bool
}

// Params tunes one build.
type Params struct {
	K            int
	MaxChars     int
	Overrides    *datatypes.SlotLimits
	AlphaFinding *float64
	BetaReport   *float64
}

// New creates a Builder over the given repository. The builder does not own
// the repository; Close only marks the builder unusable.
func New(repo graph.Repository) *Builder {
	return &Builder{repo: repo}
}

// Close releases the builder. Safe to call more than once.
func (b *Builder) Close() {
	b.closed = true
}

// Build assembles the context bundle for one image.
//
// The loop requests paths under the current (k, slots), dedupes, rebalances
// starved slots (auto allocation only), and shrinks k when the rendered
// triples exceed the character budget. Visited-set loop detection bounds
// both retry dimensions.
func (b *Builder) Build(ctx context.Context, imageID string, p Params) (datatypes.ContextBundle, error) {
	ctx, span := tracer.Start(ctx, "Builder.Build")
	defer span.End()
	span.SetAttributes(attribute.String("image_id", imageID))
	span.SetAttributes(attribute.Int("requested_k", p.K))

	if b.closed {
		return datatypes.ContextBundle{}, fmt.Errorf("context builder is closed")
	}
	if p.MaxChars <= 0 {
		p.MaxChars = 30
	}

	summaryRows, facts, err := b.repo.QueryBundle(ctx, imageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.ContextBundle{}, fmt.Errorf("edge summary query failed: %w", err)
	}

	meta := datatypes.SlotMeta{RequestedK: p.K}
	if p.Overrides != nil {
		ov := *p.Overrides
		meta.RequestedOverrides = &ov
	}

	k := p.K
	visitedK := map[int]bool{}
	var bundle datatypes.ContextBundle

	for {
		if k < 0 {
			k = 0
		}
		if visitedK[k] {
			break
		}
		visitedK[k] = true

		slots, source := AllocateSlots(k, p.Overrides)
		meta.SlotSource = source

		paths, retried, err := b.queryWithRebalance(ctx, imageID, k, slots, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return datatypes.ContextBundle{}, err
		}
		if retried.retriedFindings {
			meta.RetriedFindings = true
		}
		slots = retried.slots

		meta.AppliedK = k
		meta.AllocatedTotal = slots.Total()

		augmented := augmentSummary(summaryRows, paths)
		triples := render(augmented, paths, facts, k)

		bundle = datatypes.ContextBundle{
			Summary:     renderSummaryLines(augmented),
			SummaryRows: augmented,
			Paths:       paths,
			Facts:       facts,
			Triples:     triples,
			SlotLimits:  slots,
			SlotMeta:    meta,
		}

		if len([]rune(triples)) <= p.MaxChars || k == 0 {
			break
		}
		// Over budget: shrink the path budget and rebuild.
		k--
	}

	if len([]rune(bundle.Triples)) > p.MaxChars {
		bundle.Triples = hardTrim(bundle.Triples, p.MaxChars)
	}

	slog.Debug("Context bundle built",
		"image_id", imageID,
		"paths", len(bundle.Paths),
		"applied_k", bundle.SlotMeta.AppliedK,
		"retried_findings", bundle.SlotMeta.RetriedFindings)
	return bundle, nil
}

type rebalanceResult struct {
	slots           datatypes.SlotLimits
	retriedFindings bool
}

func (b *Builder) queryWithRebalance(ctx context.Context, imageID string, k int,
	slots datatypes.SlotLimits, p Params) ([]datatypes.EvidencePath, rebalanceResult, error) {

	res := rebalanceResult{slots: slots}
	visited := map[string]bool{}

	for {
		sig := slotSignature(res.slots)
		if visited[sig] {
			break
		}
		visited[sig] = true

		paths, err := b.repo.QueryPaths(ctx, imageID, datatypes.PathQuery{
			K:            k,
			AlphaFinding: p.AlphaFinding,
			BetaReport:   p.BetaReport,
			Slots:        &res.slots,
		})
		if err != nil {
			return nil, res, fmt.Errorf("path query failed: %w", err)
		}
		paths = dedupePaths(paths)

		// Overrides are an explicit contract; only auto allocation rebalances.
		if p.Overrides != nil || len(paths) >= k {
			return paths, res, nil
		}

		hits := map[string]int{}
		for _, path := range paths {
			hits[path.Slot]++
		}
		next, moved := rebalance(res.slots, hits)
		if !moved {
			return paths, res, nil
		}
		if res.slots.Findings > 0 && hits[datatypes.SlotFindings] == 0 {
			res.retriedFindings = true
		}
		res.slots = next
	}
	// Signature loop: return the last successful query under current slots.
	paths, err := b.repo.QueryPaths(ctx, imageID, datatypes.PathQuery{
		K:            k,
		AlphaFinding: p.AlphaFinding,
		BetaReport:   p.BetaReport,
		Slots:        &res.slots,
	})
	if err != nil {
		return nil, res, fmt.Errorf("path query failed: %w", err)
	}
	return dedupePaths(paths), res, nil
}

// =============================================================================
// Dedup
// =============================================================================

// dedupePaths removes paths sharing (label, triples). Order is preserved;
// the first occurrence wins.
func dedupePaths(paths []datatypes.EvidencePath) []datatypes.EvidencePath {
	seen := map[string]bool{}
	out := paths[:0:0]
	for _, p := range paths {
		key := p.Label + "\x00" + strings.Join(p.Triples, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// DedupePaths is the exported form used by the pipeline's fallback-path
// assembly.
func DedupePaths(paths []datatypes.EvidencePath) []datatypes.EvidencePath {
	return dedupePaths(paths)
}

// Rerender rebuilds the rendered triples after the caller replaced the
// bundle's paths, re-applying the character budget.
func Rerender(b *datatypes.ContextBundle, k, maxChars int) {
	b.Triples = render(b.SummaryRows, b.Paths, b.Facts, k)
	if maxChars > 0 && len([]rune(b.Triples)) > maxChars {
		b.Triples = hardTrim(b.Triples, maxChars)
	}
}

// =============================================================================
// Summary augmentation and rendering
// =============================================================================

// augmentSummary folds path-derived relations back into the raw edge summary
// when the summary query missed them, deriving avg_conf from path scores.
func augmentSummary(rows []datatypes.SummaryRow, paths []datatypes.EvidencePath) []datatypes.SummaryRow {
	present := map[string]bool{}
	for _, r := range rows {
		present[r.Rel] = true
	}

	relOfSlot := map[string]string{
		datatypes.SlotFindings:   "HAS_FINDING",
		datatypes.SlotReports:    "DESCRIBED_BY",
		datatypes.SlotSimilarity: "SIMILAR_TO",
	}
	derived := map[string]*datatypes.SummaryRow{}
	for _, p := range paths {
		rel, ok := relOfSlot[p.Slot]
		if !ok || present[rel] {
			continue
		}
		row, ok := derived[rel]
		if !ok {
			row = &datatypes.SummaryRow{Rel: rel}
			derived[rel] = row
		}
		row.Count++
		row.AvgConf += p.Score
	}

	out := make([]datatypes.SummaryRow, len(rows))
	copy(out, rows)
	rels := make([]string, 0, len(derived))
	for rel := range derived {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		row := derived[rel]
		if row.Count > 0 {
			row.AvgConf /= float64(row.Count)
		}
		out = append(out, *row)
	}
	return out
}

func renderSummaryLines(rows []datatypes.SummaryRow) []string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s count=%d avg_conf=%.2f", r.Rel, r.Count, r.AvgConf))
	}
	return lines
}

func render(rows []datatypes.SummaryRow, paths []datatypes.EvidencePath,
	facts datatypes.GraphFacts, k int) string {

	var sb strings.Builder
	sb.WriteString("[EDGE SUMMARY]\n")
	for _, line := range renderSummaryLines(rows) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "[EVIDENCE PATHS (Top-%d)]\n", k)
	for _, p := range paths {
		fmt.Fprintf(&sb, "(%s) %s (score=%.2f)\n", p.Slot, strings.Join(p.Triples, " | "), p.Score)
	}

	sb.WriteString("[FACTS JSON]\n")
	if data, err := json.Marshal(facts); err == nil {
		sb.Write(data)
	}
	return sb.String()
}

// hardTrim cuts the rendered triples to maxChars-1 runes plus an ellipsis.
func hardTrim(s string, maxChars int) string {
	if maxChars <= 1 {
		return "…"
	}
	runes := []rune(s)
	if len(runes) < maxChars {
		return s
	}
	return string(runes[:maxChars-1]) + "…"
}
