// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vlm is the client for the remote vision-language runner.
//
// The runner exposes a single endpoint:
//
//	POST <vlm>/api/v1/vision
//	{model, prompt, task, temperature, images: [base64]}
//	-> {result, model}
//
// There is no public health route on the runner; Health issues a probe
// request with an empty image list and treats any HTTP response as alive.
package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("visiongraph.vlm")

// Client defines the vision runner contract.
type Client interface {
	// Describe sends one base64 image with a prompt and returns the raw
	// model output (expected, but not guaranteed, to be JSON).
	Describe(ctx context.Context, imageB64, prompt, task string) (string, error)

	Health(ctx context.Context) error
	Model() string
}

// HTTPClient is the production implementation over net/http.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type visionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Task        string   `json:"task"`
	Temperature float32  `json:"temperature"`
	Images      []string `json:"images"`
}

type visionResponse struct {
	Result string `json:"result"`
	Model  string `json:"model"`
}

// New builds a client from VLM_HOST, VLM_MODEL, and VLM_TIMEOUT
// (seconds, default 60).
func New() (*HTTPClient, error) {
	baseURL := os.Getenv("VLM_HOST")
	model := os.Getenv("VLM_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("VLM_HOST environment variable not set")
	}
	if model == "" {
		slog.Warn("VLM_MODEL not set, defaulting to llava")
		model = "llava"
	}
	timeout := 60 * time.Second
	if raw := os.Getenv("VLM_TIMEOUT"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		} else {
			slog.Warn("Invalid VLM_TIMEOUT, using default", "value", raw)
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing VLM client", "base_url", baseURL, "model", model, "timeout", timeout.String())
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Model returns the configured model name.
func (c *HTTPClient) Model() string { return c.model }

// Describe implements the Client interface.
func (c *HTTPClient) Describe(ctx context.Context, imageB64, prompt, task string) (string, error) {
	ctx, span := tracer.Start(ctx, "VLMClient.Describe")
	defer span.End()
	span.SetAttributes(attribute.String("vlm.model", c.model))
	span.SetAttributes(attribute.String("vlm.task", task))

	payload := visionRequest{
		Model:       c.model,
		Prompt:      prompt,
		Task:        task,
		Temperature: 0.1,
		Images:      []string{imageB64},
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal VLM request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/vision", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create VLM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("VLM API call failed", "error", err)
		return "", fmt.Errorf("VLM API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read VLM response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("VLM returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return "", fmt.Errorf("VLM failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var vr visionResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse JSON response from VLM", "error", err, "response", string(respBody))
		return "", fmt.Errorf("failed to parse VLM response: %w", err)
	}

	slog.Debug("Received response from VLM", "model", vr.Model)
	return vr.Result, nil
}

// Health issues a minimal vision request and treats any HTTP-level reply as
// alive. The runner rejects empty image lists with 400, which still proves
// the process is serving.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "VLMClient.Health")
	defer span.End()

	payload := visionRequest{Model: c.model, Task: "health", Images: []string{}}
	reqBody, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/vision", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create VLM health request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("VLM health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("VLM health probe returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
