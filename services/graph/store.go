// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph is the property-graph layer: a thin store over the Neo4j
// Bolt driver plus the case-subgraph repository used by the analyze pipeline.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("visiongraph.graph")

// Store wraps the Neo4j driver with database selection and lifecycle.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewStoreFromEnv connects using GRAPH_URI, GRAPH_USER, GRAPH_PASS, and
// GRAPH_DATABASE. GRAPH_URI is required; the rest default to neo4j
// conventions.
func NewStoreFromEnv(ctx context.Context) (*Store, error) {
	uri := os.Getenv("GRAPH_URI")
	if uri == "" {
		return nil, fmt.Errorf("GRAPH_URI environment variable not set")
	}
	user := os.Getenv("GRAPH_USER")
	if user == "" {
		user = "neo4j"
	}
	pass := os.Getenv("GRAPH_PASS")
	database := os.Getenv("GRAPH_DATABASE")
	if database == "" {
		database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	slog.Info("Graph store initialized", "uri", uri, "database", database)
	return &Store{driver: driver, database: database}, nil
}

// NewStore wraps an existing driver (used by tests).
func NewStore(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// Health runs the canonical liveness query.
func (s *Store) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.Health")
	defer span.End()

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteRead(ctx, session,
		func(tx neo4j.ManagedTransaction) (int64, error) {
			result, err := tx.Run(ctx, "RETURN 1 AS up", nil)
			if err != nil {
				return 0, err
			}
			record, err := result.Single(ctx)
			if err != nil {
				return 0, err
			}
			up, _ := record.Get("up")
			n, ok := up.(int64)
			if !ok || n != 1 {
				return 0, fmt.Errorf("unexpected liveness reply: %v", up)
			}
			return n, nil
		})
	if err != nil {
		return fmt.Errorf("graph health probe failed: %w", err)
	}
	return nil
}

// Close shuts down the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}
