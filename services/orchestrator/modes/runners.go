// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modes runs the three reasoning modes.
//
//	V   vision-only: the normalised caption, clamped. No LLM call.
//	VL  vision+language: LLM rewrite of the caption.
//	VGL vision+graph+language: LLM answer grounded in the graph context;
//	    falls back to VL when graph evidence is missing and fallback is on.
package modes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clarusmed/visiongraph/services/llm"
	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("visiongraph.modes")

// One-line Korean summary instruction, kept under 30 characters.
const summaryInstruction = "한국어 한 줄로 요약하세요."

const noEvidenceText = "Graph findings unavailable"

// timeoutMockText is emitted when the LLM call times out; the pipeline
// continues with the measured latency and a warning.
const timeoutMockText = "[summary unavailable: model timeout]"

// Runner executes the reasoning modes against one LLM client.
type Runner struct {
	llm llm.Client
}

// New builds a Runner.
func New(client llm.Client) *Runner {
	return &Runner{llm: client}
}

// RunV returns the normalised caption clamped to maxChars. Deterministic,
// no network.
func (r *Runner) RunV(bundle *datatypes.NormalizedBundle, maxChars int) datatypes.ModeResult {
	text := strings.TrimSpace(bundle.Caption)
	if maxChars > 0 {
		runes := []rune(text)
		if len(runes) > maxChars {
			text = string(runes[:maxChars])
		}
	}
	return datatypes.ModeResult{Text: text}
}

// RunVL asks the LLM to rewrite the caption into one careful sentence.
func (r *Runner) RunVL(ctx context.Context, bundle *datatypes.NormalizedBundle) (datatypes.ModeResult, error) {
	ctx, span := tracer.Start(ctx, "Runner.RunVL")
	defer span.End()

	prompt := fmt.Sprintf(
		"You are a radiology assistant. Rewrite the caption below.\n"+
			"Do not speculate beyond the caption.\n%s\n\nCaption:\n%s",
		summaryInstruction, bundle.Caption)

	return r.generate(ctx, span, prompt)
}

// RunVGL asks the LLM to answer strictly from the graph context. The model
// must not introduce facts absent from the context.
//
// When hasEvidence is false the runner either falls back to VL (returning a
// degraded entry) or reports evidence unavailability, depending on
// fallbackToVL.
func (r *Runner) RunVGL(ctx context.Context, bundle *datatypes.NormalizedBundle,
	graphContext string, hasEvidence, fallbackToVL bool) (datatypes.ModeResult, error) {

	ctx, span := tracer.Start(ctx, "Runner.RunVGL")
	defer span.End()
	span.SetAttributes(attribute.Bool("graph.has_evidence", hasEvidence))

	if !hasEvidence {
		if !fallbackToVL {
			slog.Info("VGL skipped: no graph evidence, fallback disabled")
			return datatypes.ModeResult{Text: noEvidenceText}, nil
		}
		slog.Info("VGL degrading to VL: no graph evidence")
		span.SetAttributes(attribute.String("mode.degraded", datatypes.DegradedVL))
		result, err := r.RunVL(ctx, bundle)
		if err != nil {
			return result, err
		}
		result.Degraded = datatypes.DegradedVL
		result.Reason = "no graph paths and no persisted findings"
		return result, nil
	}

	prompt := fmt.Sprintf(
		"You are a radiology assistant. Answer using ONLY the graph context.\n"+
			"Never introduce findings that are not in the context.\n%s\n\n[Graph Context]\n%s",
		summaryInstruction, graphContext)

	return r.generate(ctx, span, prompt)
}

func (r *Runner) generate(ctx context.Context, span trace.Span, prompt string) (datatypes.ModeResult, error) {
	start := time.Now()
	text, err := r.llm.Generate(ctx, prompt, llm.GenerationParams{})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(err) {
			slog.Warn("LLM call timed out, continuing with mock text", "latency_ms", latency)
			return datatypes.ModeResult{
				Text:      timeoutMockText,
				LatencyMS: latency,
				Warning:   "llm timeout",
			}, nil
		}
		return datatypes.ModeResult{LatencyMS: latency}, err
	}
	return datatypes.ModeResult{Text: strings.TrimSpace(text), LatencyMS: latency}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
