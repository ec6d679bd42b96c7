// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package similarity provides the optional nearest-image candidate source.
// When no index is configured the pipeline falls back to graph-resident
// SIMILAR_TO candidates, so everything here degrades to absence.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the index class holding one object per analysed image.
const ClassName = "MedicalImage"

// DefaultThreshold filters candidates before they become SIMILAR_TO edges.
const DefaultThreshold = 0.35

// Candidate is one scored neighbour of the request image.
type Candidate struct {
	ImageID string
	Score   float64
	Basis   string
}

// Source yields similarity candidates for an image.
type Source interface {
	Candidates(ctx context.Context, imageID, caption, modality string, limit int) ([]Candidate, error)
	IndexImage(ctx context.Context, imageID, caption, modality string) error
}

// WeaviateSource backs Source with a BM25 caption search over the index.
type WeaviateSource struct {
	client *weaviate.Client
}

// NewFromEnv builds a source from SIMILARITY_INDEX_URL. An unset variable
// returns (nil, nil): the index is optional and its absence is not an error.
func NewFromEnv() (*WeaviateSource, error) {
	raw := os.Getenv("SIMILARITY_INDEX_URL")
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("SIMILARITY_INDEX_URL is invalid: %q", raw)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create similarity index client: %w", err)
	}
	return &WeaviateSource{client: client}, nil
}

// EnsureSchema creates the MedicalImage class if missing. Idempotent.
func (s *WeaviateSource) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(ClassName).Do(ctx)
	if err == nil {
		return nil
	}

	indexFilterable := new(bool)
	*indexFilterable = true
	class := &models.Class{
		Class:      ClassName,
		Vectorizer: "none",
		Properties: []*models.Property{
			{
				Name:            "imageId",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "modality",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "caption",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", ClassName, err)
	}
	slog.Info("Similarity index schema created", "class", ClassName)
	return nil
}

// IndexImage upserts one image into the index so later requests can find it.
func (s *WeaviateSource) IndexImage(ctx context.Context, imageID, caption, modality string) error {
	obj := &models.Object{
		Class: ClassName,
		Properties: map[string]interface{}{
			"imageId":  imageID,
			"modality": modality,
			"caption":  caption,
		},
	}
	result, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("indexing image %s: %w", imageID, err)
	}
	for _, r := range result {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("indexing image %s: %s", imageID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Candidates runs a BM25 search over captions within the same modality and
// returns scored neighbours, excluding the request image itself.
func (s *WeaviateSource) Candidates(ctx context.Context, imageID, caption, modality string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	if caption == "" {
		return nil, nil
	}

	fields := []graphql.Field{
		{Name: "imageId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithBM25(s.client.GraphQL().Bm25ArgBuilder().WithQuery(caption).WithProperties("caption")).
		WithLimit(limit + 1)

	if modality != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"modality"}).
			WithOperator(filters.Equal).
			WithValueString(modality))
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("similarity search error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[ClassName].([]interface{})
	if !ok {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		id := getString(m, "imageId")
		if id == "" || id == imageID {
			continue
		}
		candidates = append(candidates, Candidate{
			ImageID: id,
			Score:   additionalScore(m),
			Basis:   "caption_bm25",
		})
		if len(candidates) == limit {
			break
		}
	}
	return candidates, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// additionalScore squashes the unbounded BM25 score into (0, 1).
func additionalScore(m map[string]interface{}) float64 {
	add, ok := m["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	raw := getString(add, "score")
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil || score < 0 {
		return 0
	}
	return score / (1 + score)
}
