// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRepo backs the graph facts handler. Only QueryBundle matters here.
type fakeRepo struct {
	facts datatypes.GraphFacts
	err   error
}

func (f *fakeRepo) UpsertCase(ctx context.Context, payload datatypes.UpsertPayload) (datatypes.UpsertReceipt, error) {
	return datatypes.UpsertReceipt{}, nil
}
func (f *fakeRepo) FetchFindingIDs(ctx context.Context, imageID string, expected []string) ([]string, error) {
	return nil, nil
}
func (f *fakeRepo) QueryBundle(ctx context.Context, imageID string) ([]datatypes.SummaryRow, datatypes.GraphFacts, error) {
	if f.err != nil {
		return nil, datatypes.GraphFacts{}, f.err
	}
	return []datatypes.SummaryRow{{Rel: "HAS_FINDING", Count: 1, AvgConf: 0.9}}, f.facts, nil
}
func (f *fakeRepo) QueryPaths(ctx context.Context, imageID string, q datatypes.PathQuery) ([]datatypes.EvidencePath, error) {
	return nil, nil
}
func (f *fakeRepo) FetchSimilarityCandidates(ctx context.Context, imageID string) ([]datatypes.SimilarityEdge, error) {
	return nil, nil
}
func (f *fakeRepo) SyncSimilarityEdges(ctx context.Context, imageID string, edges []datatypes.SimilarityEdge) (int, error) {
	return 0, nil
}
func (f *fakeRepo) Health(ctx context.Context) error { return nil }
func (f *fakeRepo) Close(ctx context.Context) error  { return nil }

func analyzeRouter() *gin.Engine {
	router := gin.New()
	// The handler rejects the request before any collaborator is touched, so
	// an empty pipeline is enough for the transport-level cases.
	router.POST("/pipeline/analyze", HandleAnalyze(pipeline.New(pipeline.Deps{})))
	return router
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// TestHandleAnalyze_RequiresSync verifies that the endpoint refuses to run
// without the explicit sync=true flag.
func TestHandleAnalyze_RequiresSync(t *testing.T) {
	router := analyzeRouter()

	for _, path := range []string{
		"/pipeline/analyze",
		"/pipeline/analyze?sync=false",
		"/pipeline/analyze?sync=1",
	} {
		w := postJSON(router, path, `{"modes":["V"],"file_path":"/tmp/x.png"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), "sync=true")
	}
}

func TestHandleAnalyze_MalformedBodyIs422(t *testing.T) {
	router := analyzeRouter()

	w := postJSON(router, "/pipeline/analyze?sync=true", `{"modes": [`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
}

func TestHandleAnalyze_BindingViolationsAre422(t *testing.T) {
	router := analyzeRouter()

	cases := []struct {
		name string
		body string
	}{
		{"no modes", `{"file_path":"/tmp/x.png"}`},
		{"unknown mode", `{"modes":["V","XXL"],"file_path":"/tmp/x.png"}`},
		{"k out of range", `{"modes":["V"],"file_path":"/tmp/x.png","k":99}`},
		{"max_chars out of range", `{"modes":["V"],"file_path":"/tmp/x.png","max_chars":500}`},
		{"timeout too small", `{"modes":["V"],"file_path":"/tmp/x.png","timeout_ms":10}`},
	}
	for _, tc := range cases {
		w := postJSON(router, "/pipeline/analyze?sync=true", tc.body)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, tc.name)
	}
}

func TestHandleAnalyze_CrossFieldValidationIs422(t *testing.T) {
	router := analyzeRouter()

	// No image input at all.
	w := postJSON(router, "/pipeline/analyze?sync=true", `{"modes":["V"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "image_b64 or file_path")

	// Both image inputs at once.
	w = postJSON(router, "/pipeline/analyze?sync=true",
		`{"modes":["V"],"file_path":"/tmp/x.png","image_b64":"aGk="}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "mutually exclusive")
}

func TestHandleAnalyze_ParametersBoundsAre422(t *testing.T) {
	router := analyzeRouter()

	w := postJSON(router, "/pipeline/analyze?sync=true",
		`{"modes":["V"],"file_path":"/tmp/x.png","parameters":{"k_findings":11}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = postJSON(router, "/pipeline/analyze?sync=true",
		`{"modes":["V"],"file_path":"/tmp/x.png","parameters":{"k_findings":1.5}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "must be an integer")
}

// =============================================================================
// Health and readiness
// =============================================================================

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadyCheck_AllHealthy(t *testing.T) {
	router := gin.New()
	router.GET("/ready", ReadyCheck([]Dependency{
		{Label: "llm", Check: func(context.Context) error { return nil }},
		{Label: "graph", Check: func(context.Context) error { return nil }},
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyCheck_FailingDependency(t *testing.T) {
	router := gin.New()
	router.GET("/ready", ReadyCheck([]Dependency{
		{Label: "llm", Check: func(context.Context) error { return nil }},
		{Label: "graph", Check: func(context.Context) error {
			return fmt.Errorf("bolt handshake refused")
		}},
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "graph", body["where"])
	assert.Contains(t, body["error"], "bolt handshake refused")
}

func TestReadyCheck_NoDependencies(t *testing.T) {
	router := gin.New()
	router.GET("/ready", ReadyCheck(nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Graph facts
// =============================================================================

func TestHandleGraphFacts(t *testing.T) {
	size := 1.2
	repo := &fakeRepo{facts: datatypes.GraphFacts{
		ImageID: "IMG_001",
		Findings: []datatypes.FactFinding{
			{Type: "nodule", Location: "right upper lobe", SizeCM: &size, Conf: 0.9},
		},
	}}
	router := gin.New()
	router.GET("/pipeline/graph/:imageID", HandleGraphFacts(repo))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/graph/IMG_001", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "IMG_001", body["image_id"])
	assert.Len(t, body["findings"], 1)
	assert.Len(t, body["summary"], 1)
}

func TestHandleGraphFacts_RepoError(t *testing.T) {
	repo := &fakeRepo{err: fmt.Errorf("session expired")}
	router := gin.New()
	router.GET("/pipeline/graph/:imageID", HandleGraphFacts(repo))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/graph/IMG_001", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "session expired")
}
