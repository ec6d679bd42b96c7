// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline sequences the analyze stages.
//
// Stage order per request: preflight, image_load, vlm, identity, upsert,
// similarity, context, modes, consensus, assembly. Stages run strictly in
// order; only the dependency preflight fans out. A fatal stage failure
// returns a PipelineError whose kind the handler maps to an HTTP status;
// recoverable failures land in the response's errors[] list with their
// stage tag.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/clarusmed/visiongraph/services/graph"
	"github.com/clarusmed/visiongraph/services/llm"
	"github.com/clarusmed/visiongraph/services/orchestrator/consensus"
	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/graphctx"
	"github.com/clarusmed/visiongraph/services/orchestrator/identity"
	"github.com/clarusmed/visiongraph/services/orchestrator/modes"
	"github.com/clarusmed/visiongraph/services/orchestrator/normalizer"
	"github.com/clarusmed/visiongraph/services/orchestrator/observability"
	"github.com/clarusmed/visiongraph/services/orchestrator/ontology"
	"github.com/clarusmed/visiongraph/services/orchestrator/similarity"
	"github.com/clarusmed/visiongraph/services/orchestrator/trace"
	"github.com/clarusmed/visiongraph/services/vlm"
)

var tracer = otel.Tracer("visiongraph.pipeline")

// Pipeline runs the analyze flow against its collaborators. One Pipeline
// serves many concurrent requests; all mutable state is request-scoped.
type Pipeline struct {
	vlm        vlm.Client
	llm        llm.Client
	repo       graph.Repository
	normalizer *normalizer.Normalizer
	resolver   *identity.Resolver
	runner     *modes.Runner
	sim        similarity.Source // nil when no index is configured
	metrics    *observability.PipelineMetrics
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	VLM        vlm.Client
	LLM        llm.Client
	Repo       graph.Repository
	Normalizer *normalizer.Normalizer
	Resolver   *identity.Resolver
	Runner     *modes.Runner
	Similarity similarity.Source
	Metrics    *observability.PipelineMetrics
}

// New builds a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		vlm:        d.VLM,
		llm:        d.LLM,
		repo:       d.Repo,
		normalizer: d.Normalizer,
		resolver:   d.Resolver,
		runner:     d.Runner,
		sim:        d.Similarity,
		metrics:    d.Metrics,
	}
}

// run-scoped accumulator passed between stage helpers.
type run struct {
	req     *datatypes.AnalyzeRequest
	debug   bool
	tr      *trace.Trace
	errs    []datatypes.StageError
	timings datatypes.Timings

	imageB64     string
	imagePath    string // source-side path for id derivation
	resolvedPath string

	bundle       datatypes.NormalizedBundle
	id           identity.Identity
	prov         datatypes.Provenance
	persistedIDs []string

	graphDegraded bool
}

// Run executes the full analyze flow. The returned PipelineError is non-nil
// only for fatal failures; degraded outcomes come back as a response with
// Status "degraded" and a populated errors list.
func (p *Pipeline) Run(ctx context.Context, req *datatypes.AnalyzeRequest, debug bool) (*datatypes.AnalyzeResponse, *datatypes.PipelineError) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()

	req.ApplyDefaults()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
	defer cancel()

	r := &run{req: req, debug: debug, tr: trace.New(debug)}

	fail := func(perr *datatypes.PipelineError) (*datatypes.AnalyzeResponse, *datatypes.PipelineError) {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		p.metrics.RecordRequest("error")
		if perr.Errors == nil {
			perr.Errors = append(r.errs, datatypes.StageError{
				Stage: perr.Stage, Kind: perr.Kind, Msg: perr.Msg,
			})
		}
		return nil, perr
	}

	if perr := p.preflight(ctx, r); perr != nil {
		return fail(perr)
	}

	cleanupTemp, perr := p.loadImage(r)
	if perr != nil {
		return fail(perr)
	}
	defer cleanupTemp()

	if perr := p.normalize(ctx, r); perr != nil {
		return fail(perr)
	}
	if perr := p.resolveIdentity(r); perr != nil {
		return fail(perr)
	}
	p.snapshotProvenance(r)

	if perr := p.upsert(ctx, r); perr != nil {
		return fail(perr)
	}
	p.syncSimilarity(ctx, r)

	cb := p.buildContext(ctx, r)
	hasEvidence := len(cb.Paths) > 0 || len(r.persistedIDs) > 0
	strength := pathsStrength(cb.Paths)
	r.tr.Set(trace.KeyGraphPathsStrength, strength)

	results, perr := p.runModes(ctx, r, cb, hasEvidence)
	if perr != nil {
		return fail(perr)
	}

	cres, results := p.evaluate(r, cb, results, hasEvidence, strength)

	resp := p.assemble(r, cb, results, cres)
	span.SetAttributes(attribute.String("consensus.status", cres.Status))
	return resp, nil
}

// =============================================================================
// Preflight and image load
// =============================================================================

// preflight fans out the three dependency probes and joins before image_load.
func (p *Pipeline) preflight(ctx context.Context, r *run) *datatypes.PipelineError {
	r.tr.SetStage("preflight")

	type probe struct {
		label string
		check func(context.Context) error
	}
	probes := []probe{
		{"llm", p.llm.Health},
		{"vlm", p.vlm.Health},
		{"graph", p.repo.Health},
	}

	g, gctx := errgroup.WithContext(ctx)
	failed := make([]string, len(probes))
	for i, pr := range probes {
		g.Go(func() error {
			if err := pr.check(gctx); err != nil {
				failed[i] = pr.label
				return fmt.Errorf("%s health check failed: %w", pr.label, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		where := ""
		for _, label := range failed {
			if label != "" {
				where = label
				break
			}
		}
		slog.Warn("Dependency preflight failed", "where", where, "error", err)
		return &datatypes.PipelineError{
			Kind:  datatypes.ErrDependencyUnavailable,
			Stage: "preflight",
			Msg:   err.Error(),
			Where: where,
		}
	}
	return nil
}

// loadImage materialises the image bytes from exactly one of the two inputs.
// Base64 payloads are spilled to a temp file so downstream id derivation has
// a path to work with; the returned cleanup deletes it.
func (p *Pipeline) loadImage(r *run) (func(), *datatypes.PipelineError) {
	r.tr.SetStage("image_load")
	noop := func() {}

	if r.req.ImageB64 != "" {
		data, err := base64.StdEncoding.DecodeString(r.req.ImageB64)
		if err != nil {
			return noop, &datatypes.PipelineError{
				Kind:  datatypes.ErrInvalidInput,
				Stage: "image_load",
				Msg:   "image_b64 is not valid base64",
			}
		}
		tmp, err := os.CreateTemp("", "visiongraph_upload_*.png")
		if err == nil {
			if _, werr := tmp.Write(data); werr == nil {
				r.resolvedPath = tmp.Name()
			}
			tmp.Close()
		}
		r.imageB64 = r.req.ImageB64
		cleanup := noop
		if r.resolvedPath != "" {
			path := r.resolvedPath
			cleanup = func() { _ = os.Remove(path) }
		}
		return cleanup, nil
	}

	data, err := os.ReadFile(r.req.FilePath)
	if err != nil {
		return noop, &datatypes.PipelineError{
			Kind:  datatypes.ErrInvalidInput,
			Stage: "image_load",
			Msg:   fmt.Sprintf("cannot read file_path: %v", err),
		}
	}
	r.imageB64 = base64.StdEncoding.EncodeToString(data)
	r.imagePath = r.req.FilePath
	r.resolvedPath = r.req.FilePath
	return noop, nil
}

// =============================================================================
// Normalisation and identity
// =============================================================================

func (p *Pipeline) normalize(ctx context.Context, r *run) *datatypes.PipelineError {
	r.tr.SetStage("vlm")
	start := time.Now()

	forced := r.req.Parameters != nil && r.req.Parameters.ForceDummyFallback
	seed := r.imagePath
	if seed == "" {
		seed = r.imageB64
	}

	bundle, err := p.normalizer.Normalize(ctx, normalizer.Input{
		ImageB64:       r.imageB64,
		ImagePath:      r.imagePath,
		PayloadImageID: r.req.ImageID,
		ForceDummy:     forced,
		CacheSeed:      seed,
		CacheEnabled:   r.debug,
	})
	p.metrics.RecordStage("vlm", time.Since(start).Seconds())
	if err != nil {
		return &datatypes.PipelineError{
			Kind:  datatypes.ErrStageFailure,
			Stage: "vlm",
			Msg:   err.Error(),
		}
	}
	r.bundle = bundle
	r.timings.VLMMs = bundle.VLMLatencyMS
	r.tr.Set(trace.KeyNormalizedImage, bundle.Image)
	r.tr.Set(trace.KeyNormImageID, bundle.Image.ImageID)
	return nil
}

func (p *Pipeline) resolveIdentity(r *run) *datatypes.PipelineError {
	r.tr.SetStage("identity")

	id, err := p.resolver.Resolve(r.req, r.bundle.Image, r.resolvedPath, r.imagePath)
	if err != nil {
		if errors.Is(err, identity.ErrBlankImageID) {
			return &datatypes.PipelineError{
				Kind:  datatypes.ErrInvalidInput,
				Stage: "identity",
				Msg:   err.Error(),
			}
		}
		return &datatypes.PipelineError{
			Kind:  datatypes.ErrUnidentifiableImage,
			Stage: "identity",
			Msg:   err.Error(),
		}
	}

	forced := r.req.Parameters != nil && r.req.Parameters.ForceDummyFallback

	// The resolver can settle on a different id than the normaliser derived.
	// Seeded fallbacks key off the final id, so reseed under it unless the
	// VLM itself produced the findings.
	if id.ImageID != r.bundle.Image.ImageID && !hasVLMFindings(r.bundle.Findings) {
		findings, meta := p.normalizer.ReapplyFallback(id.ImageID, r.bundle.Caption, forced)
		if meta.Used {
			r.bundle.Findings = findings
			r.bundle.FindingFallback.Absorb(meta)
		}
	}

	r.id = id
	r.bundle.Image.ImageID = id.ImageID
	r.bundle.Image.StorageURI = id.StorageURI
	r.bundle.Image.Path = r.imagePath
	if r.req.Modality != "" {
		r.bundle.Image.Modality = strings.ToUpper(r.req.Modality)
	}

	r.tr.Set(trace.KeyStorageURI, id.StorageURI)
	r.tr.Set("dummy_lookup_source", id.LookupSource)
	r.tr.Set("dummy_lookup_hit", id.SeedHit)
	return nil
}

func hasVLMFindings(findings []datatypes.Finding) bool {
	for _, f := range findings {
		if f.Source == datatypes.SourceVLM {
			return true
		}
	}
	return false
}

// snapshotProvenance freezes the provenance payload before the upsert. The
// same value is copied into all four response views; nothing after this
// point may mutate it.
func (p *Pipeline) snapshotProvenance(r *run) {
	meta := r.bundle.FindingFallback
	if meta.SeededIDs == nil {
		meta.SeededIDs = []string{}
	}

	source := "none"
	switch {
	case meta.Used:
		source = meta.Strategy
	case len(r.bundle.Findings) > 0:
		source = datatypes.SourceVLM
	}

	provMap := make(map[string]string, len(r.bundle.Findings))
	for _, f := range r.bundle.Findings {
		provMap[f.ID] = f.Source
	}

	r.prov = datatypes.Provenance{
		FindingSource:     source,
		SeededFindingIDs:  meta.SeededIDs,
		FindingFallback:   meta,
		FindingProvenance: provMap,
	}

	p.metrics.RecordFallback(meta.Strategy)
	r.tr.Set(trace.KeyFindingFallback, r.prov.FindingFallback)
	r.tr.Set(trace.KeyFindingSource, r.prov.FindingSource)
	r.tr.Set(trace.KeySeededFindingIDs, r.prov.SeededFindingIDs)
	r.tr.Set(trace.KeyFindingProvenance, r.prov.FindingProvenance)
	r.tr.Set("pre_upsert_findings_count", len(r.bundle.Findings))
}

// =============================================================================
// Upsert and similarity
// =============================================================================

func (p *Pipeline) upsert(ctx context.Context, r *run) *datatypes.PipelineError {
	r.tr.SetStage("upsert")
	start := time.Now()

	receipt, err := p.repo.UpsertCase(ctx, datatypes.UpsertPayload{
		CaseID:         r.id.CaseID,
		IdempotencyKey: r.req.IdempotencyKey,
		Image:          r.bundle.Image,
		Report:         r.bundle.Report,
		Findings:       r.bundle.Findings,
	})
	r.timings.UpsertMs = time.Since(start).Milliseconds()
	p.metrics.RecordStage("upsert", time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ontology.ErrNotCanonical) {
			return &datatypes.PipelineError{
				Kind:  datatypes.ErrInvalidInput,
				Stage: "upsert",
				Msg:   err.Error(),
			}
		}
		r.errs = append(r.errs, datatypes.StageError{
			Stage: "upsert", Kind: datatypes.ErrGraphDegraded, Msg: err.Error(),
		})
	}
	r.tr.Set(trace.KeyUpsertReceipt, receipt)
	r.tr.Set(trace.KeyPostUpsertIDs, receipt.FindingIDs)
	r.persistedIDs = receipt.FindingIDs

	if len(r.bundle.Findings) > 0 && len(receipt.FindingIDs) == 0 {
		r.graphDegraded = true
		if err == nil {
			r.errs = append(r.errs, datatypes.StageError{
				Stage: "upsert", Kind: datatypes.ErrGraphDegraded,
				Msg: "graph upsert returned no finding ids",
			})
		}

		verified, verr := p.repo.FetchFindingIDs(ctx, r.id.ImageID, r.bundle.FindingIDs())
		r.tr.Set(trace.KeyPostUpsertVerified, verified)
		if verr != nil || len(verified) == 0 {
			return &datatypes.PipelineError{
				Kind:  datatypes.ErrUpsertMismatch,
				Stage: "upsert",
				Msg:   "finding_upsert_mismatch",
				Errors: append(r.errs, datatypes.StageError{
					Stage: "upsert", Kind: datatypes.ErrUpsertMismatch,
					Msg: "finding_upsert_mismatch",
				}),
			}
		}
		r.persistedIDs = verified
	}
	r.tr.Set(trace.KeyGraphDegraded, r.graphDegraded)
	return nil
}

// syncSimilarity is best effort: a broken index or sync never fails the
// request, it only lands in errors[].
func (p *Pipeline) syncSimilarity(ctx context.Context, r *run) {
	r.tr.SetStage("similarity")
	start := time.Now()
	defer func() {
		p.metrics.RecordStage("similarity", time.Since(start).Seconds())
	}()

	threshold := similarity.DefaultThreshold
	if r.req.SimilarityThreshold != nil {
		threshold = *r.req.SimilarityThreshold
	}
	r.tr.Set(trace.KeySimilarityThreshold, threshold)

	var candidates []similarity.Candidate
	var err error
	if p.sim != nil {
		if ierr := p.sim.IndexImage(ctx, r.id.ImageID, r.bundle.Caption, r.bundle.Image.Modality); ierr != nil {
			slog.Warn("Similarity index write failed", "error", ierr)
		}
		candidates, err = p.sim.Candidates(ctx, r.id.ImageID, r.bundle.Caption, r.bundle.Image.Modality, 5)
	} else {
		var edges []datatypes.SimilarityEdge
		edges, err = p.repo.FetchSimilarityCandidates(ctx, r.id.ImageID)
		for _, e := range edges {
			candidates = append(candidates, similarity.Candidate{
				ImageID: e.ToImageID, Score: e.Score, Basis: e.Basis,
			})
		}
	}
	if err != nil {
		r.errs = append(r.errs, datatypes.StageError{
			Stage: "similarity", Kind: datatypes.ErrStageFailure, Msg: err.Error(),
		})
		return
	}
	r.tr.Set(trace.KeySimilarityConsidered, len(candidates))

	var edges []datatypes.SimilarityEdge
	var seedIDs []string
	for _, c := range candidates {
		if c.Score < threshold {
			continue
		}
		seedIDs = append(seedIDs, c.ImageID)
		edges = append(edges, datatypes.SimilarityEdge{
			FromImageID: r.id.ImageID,
			ToImageID:   c.ImageID,
			Score:       c.Score,
			Basis:       c.Basis,
		})
	}
	r.tr.Set(trace.KeySimilarSeedImages, seedIDs)

	created, err := p.repo.SyncSimilarityEdges(ctx, r.id.ImageID, edges)
	if err != nil {
		r.errs = append(r.errs, datatypes.StageError{
			Stage: "similarity", Kind: datatypes.ErrStageFailure, Msg: err.Error(),
		})
		return
	}
	r.tr.Set(trace.KeySimilarityEdges, created)
	p.metrics.RecordSimilarityEdges(created)
}

// =============================================================================
// Context
// =============================================================================

func (p *Pipeline) buildContext(ctx context.Context, r *run) datatypes.ContextBundle {
	r.tr.SetStage("context")
	start := time.Now()
	defer func() {
		r.timings.ContextMs = time.Since(start).Milliseconds()
		p.metrics.RecordStage("context", time.Since(start).Seconds())
	}()

	builder := graphctx.New(p.repo)
	defer builder.Close()

	k, params := p.contextParams(r)
	cb, err := builder.Build(ctx, r.id.ImageID, params)
	if err != nil {
		r.errs = append(r.errs, datatypes.StageError{
			Stage: "context", Kind: datatypes.ErrStageFailure, Msg: err.Error(),
		})
		cb = datatypes.ContextBundle{
			SlotMeta: datatypes.SlotMeta{RequestedK: k},
		}
	}

	// No paths but persisted findings: synthesise one path per finding so
	// VGL still sees its own evidence.
	if len(cb.Paths) == 0 && len(r.bundle.Findings) > 0 {
		limit := cb.SlotLimits.Findings
		if limit <= 0 {
			limit = 2
		}
		fb := fallbackPaths(r.id.ImageID, r.bundle.Findings, limit)
		if len(fb) > 0 {
			cb.Paths = graphctx.DedupePaths(fb)
			if cb.SlotLimits.Findings < len(cb.Paths) {
				cb.SlotLimits.Findings = len(cb.Paths)
			}
			cb.SlotMeta.AllocatedTotal = cb.SlotLimits.Total()
			graphctx.Rerender(&cb, k, r.req.MaxChars)
			r.tr.Set("context_fallback_used", true)
			r.tr.Set("context_fallback_paths", len(cb.Paths))
		}
	}

	r.tr.Set("context_path_count", len(cb.Paths))
	r.tr.Set("context_applied_k", cb.SlotMeta.AppliedK)
	r.tr.Set(trace.KeyContextConsistency,
		cb.SlotLimits.Total() == cb.SlotMeta.AllocatedTotal)
	return cb
}

func (p *Pipeline) contextParams(r *run) (int, graphctx.Params) {
	req := r.req
	k := req.K
	if req.KPaths != nil {
		k = *req.KPaths
	}
	alpha := req.AlphaFinding
	beta := req.BetaReport

	var overrides *datatypes.SlotLimits
	if opts := req.Parameters; opts != nil {
		if opts.KPaths != nil {
			k = *opts.KPaths
		}
		if opts.AlphaFinding != nil {
			alpha = opts.AlphaFinding
		}
		if opts.BetaReport != nil {
			beta = opts.BetaReport
		}
		if opts.KFindings != nil || opts.KReports != nil || opts.KSimilarity != nil {
			overrides = &datatypes.SlotLimits{}
			if opts.KFindings != nil {
				overrides.Findings = *opts.KFindings
			}
			if opts.KReports != nil {
				overrides.Reports = *opts.KReports
			}
			if opts.KSimilarity != nil {
				overrides.Similarity = *opts.KSimilarity
			}
		}
	}
	return k, graphctx.Params{
		K:            k,
		MaxChars:     req.MaxChars,
		Overrides:    overrides,
		AlphaFinding: alpha,
		BetaReport:   beta,
	}
}

func fallbackPaths(imageID string, findings []datatypes.Finding, limit int) []datatypes.EvidencePath {
	if limit > len(findings) {
		limit = len(findings)
	}
	paths := make([]datatypes.EvidencePath, 0, limit)
	for _, f := range findings[:limit] {
		triples := []string{
			fmt.Sprintf("Image[%s] -HAS_FINDING-> Finding[%s]", imageID, f.ID),
		}
		label := "finding:" + f.Type
		if f.Location != "" {
			triples = append(triples,
				fmt.Sprintf("Finding[%s] -LOCATED_IN-> Anatomy[%s]", f.ID, f.Location))
			label += "@" + f.Location
		}
		paths = append(paths, datatypes.EvidencePath{
			Label:   label,
			Triples: triples,
			Score:   datatypes.ClampConf(f.Conf),
			Slot:    datatypes.SlotFindings,
		})
	}
	return paths
}

func pathsStrength(paths []datatypes.EvidencePath) float64 {
	if len(paths) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range paths {
		sum += p.Score
	}
	s := sum / float64(len(paths))
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// =============================================================================
// Modes
// =============================================================================

func (p *Pipeline) runModes(ctx context.Context, r *run, cb datatypes.ContextBundle, hasEvidence bool) (map[string]datatypes.ModeResult, *datatypes.PipelineError) {
	results := map[string]datatypes.ModeResult{}
	requested := map[string]bool{}
	for _, m := range r.req.Modes {
		requested[m] = true
	}

	if requested[datatypes.ModeV] {
		r.tr.SetStage("llm_v")
		start := time.Now()
		res := p.runner.RunV(&r.bundle, r.req.MaxChars)
		results[datatypes.ModeV] = res
		r.timings.LLMVMs = res.LatencyMS
		p.metrics.RecordStage("llm_v", time.Since(start).Seconds())
	}

	if requested[datatypes.ModeVL] {
		r.tr.SetStage("llm_vl")
		start := time.Now()
		res, err := p.runner.RunVL(ctx, &r.bundle)
		p.metrics.RecordStage("llm_vl", time.Since(start).Seconds())
		if err != nil {
			if perr := asInputError(err, "llm_vl"); perr != nil {
				return nil, perr
			}
			r.errs = append(r.errs, datatypes.StageError{
				Stage: "llm_vl", Kind: datatypes.ErrStageFailure, Msg: err.Error(),
			})
		} else {
			results[datatypes.ModeVL] = res
			r.timings.LLMVLMs = res.LatencyMS
		}
	}

	if requested[datatypes.ModeVGL] {
		r.tr.SetStage("llm_vgl")
		start := time.Now()
		fallbackToVL := r.req.FallbackToVL == nil || *r.req.FallbackToVL
		res, err := p.runner.RunVGL(ctx, &r.bundle, cb.Triples, hasEvidence, fallbackToVL)
		p.metrics.RecordStage("llm_vgl", time.Since(start).Seconds())
		if err != nil {
			if perr := asInputError(err, "llm_vgl"); perr != nil {
				return nil, perr
			}
			r.errs = append(r.errs, datatypes.StageError{
				Stage: "llm_vgl", Kind: datatypes.ErrStageFailure, Msg: err.Error(),
			})
		} else {
			results[datatypes.ModeVGL] = res
			r.timings.LLMVGLMs = res.LatencyMS
		}
	}

	for mode, res := range results {
		res.Text = substituteImageToken(res.Text, r.id.ImageID)
		results[mode] = res
	}
	return results, nil
}

// asInputError maps a model-side prompt rejection to a validation failure so
// the handler answers 422 instead of burying it in errors[].
func asInputError(err error, stage string) *datatypes.PipelineError {
	var inputErr *llm.InputError
	if !errors.As(err, &inputErr) {
		return nil
	}
	return &datatypes.PipelineError{
		Kind:  datatypes.ErrInvalidInput,
		Stage: stage,
		Msg:   inputErr.Error(),
	}
}

// substituteImageToken replaces literal image-id placeholders the models
// sometimes echo back from the prompt.
func substituteImageToken(text, imageID string) string {
	text = strings.ReplaceAll(text, "(IMAGE_ID)", imageID)
	return strings.ReplaceAll(text, "IMAGE_ID", imageID)
}

// =============================================================================
// Consensus and assembly
// =============================================================================

func (p *Pipeline) evaluate(r *run, cb datatypes.ContextBundle,
	results map[string]datatypes.ModeResult, hasEvidence bool, strength float64,
) (datatypes.ConsensusResult, map[string]datatypes.ModeResult) {

	r.tr.SetStage("consensus")
	start := time.Now()
	defer func() {
		p.metrics.RecordStage("consensus", time.Since(start).Seconds())
	}()

	anchor := ""
	if len(cb.Paths) > 0 {
		anchor = datatypes.ModeVGL
	}
	cres, results := consensus.Evaluate(results, consensus.Config{
		Modality:           r.bundle.Image.Modality,
		GraphEvidence:      hasEvidence,
		GraphPathsStrength: strength,
		AnchorMode:         anchor,
		NoEvidence:         len(cb.Paths) == 0 && len(r.bundle.Findings) == 0,
		Findings:           r.bundle.Findings,
	})

	if hint := consensus.OrganHint(r.req.FilePath); hint != "" {
		var fired bool
		cres, fired = consensus.ApplyOrganGuard(cres, hint)
		if fired {
			p.metrics.RecordGuard()
		}
	}

	cres.Text = substituteImageToken(cres.Text, r.id.ImageID)
	cres.PresentedText = substituteImageToken(cres.PresentedText, r.id.ImageID)

	p.metrics.RecordConsensus(cres.Status)
	r.tr.Set(trace.KeyConsensus, cres)
	return cres, results
}

func (p *Pipeline) assemble(r *run, cb datatypes.ContextBundle,
	results map[string]datatypes.ModeResult, cres datatypes.ConsensusResult) *datatypes.AnalyzeResponse {

	t := r.timings
	eval := datatypes.Evaluation{
		ModeCount:      len(results),
		AgreementScore: cres.AgreementScore,
		Confidence:     cres.Confidence,
		Status:         cres.Status,
		GraphEvidence: datatypes.GraphEvidence{
			PathCount:     len(cb.Paths),
			FindingCount:  len(r.persistedIDs),
			PathsStrength: pathsStrength(cb.Paths),
		},
		LatencyMsTotal: t.VLMMs + t.UpsertMs + t.ContextMs + t.LLMVMs + t.LLMVLMs + t.LLMVGLMs,
		Provenance:     r.prov,
	}
	r.tr.Set(trace.KeyEvaluation, eval)

	status, notes := "", ""
	if r.graphDegraded {
		status = "degraded"
		notes = "graph upsert failed, fallback used"
	}

	if r.errs == nil {
		r.errs = []datatypes.StageError{}
	}

	resp := &datatypes.AnalyzeResponse{
		OK:      true,
		CaseID:  r.id.CaseID,
		ImageID: r.id.ImageID,
		GraphContext: datatypes.GraphContextView{
			Summary:    cb.Summary,
			Paths:      cb.Paths,
			Facts:      cb.Facts,
			Triples:    cb.Triples,
			SlotLimits: cb.SlotLimits,
			SlotMeta:   cb.SlotMeta,
			Provenance: r.prov,
		},
		Results: datatypes.ResultsView{
			Modes:      results,
			Consensus:  cres,
			Provenance: r.prov,
		},
		Timings:    r.timings,
		Errors:     r.errs,
		Debug:      r.tr.Payload(),
		Evaluation: eval,
		Status:     status,
		Notes:      notes,
	}

	if status == "degraded" {
		p.metrics.RecordRequest("degraded")
	} else {
		p.metrics.RecordRequest("ok")
	}
	return resp
}
