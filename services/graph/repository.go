// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/ontology"
)

// Repository is the read/write contract the pipeline holds over the graph.
//
// Implementations must make UpsertCase repeatable: N invocations with the
// same storage_uri produce exactly one Image node.
type Repository interface {
	UpsertCase(ctx context.Context, payload datatypes.UpsertPayload) (datatypes.UpsertReceipt, error)
	FetchFindingIDs(ctx context.Context, imageID string, expected []string) ([]string, error)
	QueryBundle(ctx context.Context, imageID string) ([]datatypes.SummaryRow, datatypes.GraphFacts, error)
	QueryPaths(ctx context.Context, imageID string, q datatypes.PathQuery) ([]datatypes.EvidencePath, error)
	FetchSimilarityCandidates(ctx context.Context, imageID string) ([]datatypes.SimilarityEdge, error)
	SyncSimilarityEdges(ctx context.Context, imageID string, edges []datatypes.SimilarityEdge) (int, error)
	Health(ctx context.Context) error
	Close(ctx context.Context) error
}

// Default path score weights: finding conf, location conf, report conf.
const (
	defaultAlphaFinding = 0.6
	defaultBetaReport   = 0.1
)

// Neo4jRepository implements Repository over a Store.
type Neo4jRepository struct {
	store *Store
	onto  *ontology.Ontology
}

// NewRepository builds the production repository.
func NewRepository(store *Store, onto *ontology.Ontology) *Neo4jRepository {
	return &Neo4jRepository{store: store, onto: onto}
}

// =============================================================================
// Upsert
// =============================================================================

const upsertCaseCypher = `
MERGE (c:Case {id: $case_id})
MERGE (i:Image {storage_uri: $storage_uri})
  ON CREATE SET i.image_id = $image_id, i.modality = $modality, i.path = $path
  ON MATCH SET i.modality = coalesce(i.modality, $modality)
MERGE (c)-[:HAS_IMAGE]->(i)
MERGE (o:OntologyVersion {version_id: $ontology_version})
MERGE (r:Report {id: $report_id})
  SET r.text = $report_text, r.model = $report_model,
      r.conf = $report_conf, r.ts = $report_ts
MERGE (i)-[:DESCRIBED_BY]->(r)
WITH c, i
UNWIND $findings AS f
  MERGE (fi:Finding {id: f.id})
    SET fi.type = f.type, fi.location = f.location,
        fi.size_cm = f.size_cm, fi.conf = f.conf, fi.source = f.source
  MERGE (i)-[:HAS_FINDING]->(fi)
  FOREACH (_ IN CASE WHEN f.location <> '' THEN [1] ELSE [] END |
    MERGE (a:Anatomy {name: f.location})
    MERGE (fi)-[:LOCATED_IN]->(a))
WITH c, i, collect(fi.id) AS finding_ids
FOREACH (_ IN CASE WHEN $idempotency_key <> '' THEN [1] ELSE [] END |
  MERGE (k:Idempotency {key: $idempotency_key})
  MERGE (k)-[:FOR_CASE]->(c)
  MERGE (k)-[:FOR_IMAGE]->(i))
RETURN i.image_id AS image_id, finding_ids
`

// UpsertCase merges the Case/Image/Report/Finding subgraph. Findings are
// canonicalised against the ontology first; a non-canonical label fails the
// whole write with a per-index error.
func (r *Neo4jRepository) UpsertCase(ctx context.Context, payload datatypes.UpsertPayload) (datatypes.UpsertReceipt, error) {
	ctx, span := tracer.Start(ctx, "Repository.UpsertCase")
	defer span.End()
	span.SetAttributes(attribute.String("graph.case_id", payload.CaseID))
	span.SetAttributes(attribute.Int("graph.finding_count", len(payload.Findings)))

	findings := make([]datatypes.Finding, len(payload.Findings))
	copy(findings, payload.Findings)
	if err := r.onto.CanonicalizeFindings(findings); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.UpsertReceipt{}, err
	}

	findingMaps := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		m := map[string]any{
			"id":       f.ID,
			"type":     f.Type,
			"location": f.Location,
			"conf":     f.Conf,
			"source":   f.Source,
			"size_cm":  nil,
		}
		if f.SizeCM != nil {
			m["size_cm"] = *f.SizeCM
		}
		findingMaps = append(findingMaps, m)
	}

	params := map[string]any{
		"case_id":          payload.CaseID,
		"storage_uri":      payload.Image.StorageURI,
		"image_id":         payload.Image.ImageID,
		"modality":         payload.Image.Modality,
		"path":             payload.Image.Path,
		"report_id":        payload.Report.ID,
		"report_text":      payload.Report.Text,
		"report_model":     payload.Report.Model,
		"report_conf":      payload.Report.Conf,
		"report_ts":        payload.Report.TS,
		"findings":         findingMaps,
		"idempotency_key":  payload.IdempotencyKey,
		"ontology_version": r.onto.Version(),
	}

	session := r.store.session(ctx)
	defer session.Close(ctx)

	receipt, err := neo4j.ExecuteWrite(ctx, session,
		func(tx neo4j.ManagedTransaction) (datatypes.UpsertReceipt, error) {
			result, err := tx.Run(ctx, upsertCaseCypher, params)
			if err != nil {
				return datatypes.UpsertReceipt{}, err
			}
			record, err := result.Single(ctx)
			if err != nil {
				return datatypes.UpsertReceipt{}, err
			}
			var receipt datatypes.UpsertReceipt
			if v, ok := record.Get("image_id"); ok {
				receipt.ImageID, _ = v.(string)
			}
			if v, ok := record.Get("finding_ids"); ok {
				if list, ok := v.([]any); ok {
					for _, item := range list {
						if s, ok := item.(string); ok {
							receipt.FindingIDs = append(receipt.FindingIDs, s)
						}
					}
				}
			}
			return receipt, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.UpsertReceipt{}, fmt.Errorf("case upsert failed: %w", err)
	}

	slog.Info("Case subgraph upserted",
		"case_id", payload.CaseID, "image_id", receipt.ImageID,
		"finding_ids", len(receipt.FindingIDs))
	return receipt, nil
}

// FetchFindingIDs re-queries the persisted finding ids for verification.
// When the caller passes the expected set, only ids from that set count as
// verified; strays attached to the same image are not evidence that this
// upsert landed.
func (r *Neo4jRepository) FetchFindingIDs(ctx context.Context, imageID string, expected []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Repository.FetchFindingIDs")
	defer span.End()

	session := r.store.session(ctx)
	defer session.Close(ctx)

	query := `MATCH (:Image {image_id: $image_id})-[:HAS_FINDING]->(f:Finding) RETURN f.id AS id ORDER BY f.id`
	params := map[string]any{"image_id": imageID}

	ids, err := neo4j.ExecuteRead(ctx, session,
		func(tx neo4j.ManagedTransaction) ([]string, error) {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(records))
			for _, rec := range records {
				if v, ok := rec.Get("id"); ok {
					if s, ok := v.(string); ok {
						ids = append(ids, s)
					}
				}
			}
			return ids, nil
		})
	if err != nil {
		return nil, err
	}
	return retainExpected(ids, expected), nil
}

// retainExpected keeps the ids present in the expected set, preserving order.
// An empty expected set keeps everything.
func retainExpected(ids, expected []string) []string {
	if len(expected) == 0 {
		return ids
	}
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}
	kept := ids[:0:0]
	for _, id := range ids {
		if want[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

// =============================================================================
// Reads
// =============================================================================

const edgeSummaryCypher = `
MATCH (i:Image {image_id: $image_id})-[rel]->(n)
RETURN type(rel) AS rel, count(*) AS count,
       avg(coalesce(n.conf, rel.score, 1.0)) AS avg_conf
ORDER BY rel
`

const factsCypher = `
MATCH (:Image {image_id: $image_id})-[:HAS_FINDING]->(f:Finding)
RETURN f.type AS type, f.location AS location, f.size_cm AS size_cm, f.conf AS conf
ORDER BY f.conf DESC
`

// QueryBundle returns per-relation counts with average confidence plus the
// compact facts payload.
func (r *Neo4jRepository) QueryBundle(ctx context.Context, imageID string) ([]datatypes.SummaryRow, datatypes.GraphFacts, error) {
	ctx, span := tracer.Start(ctx, "Repository.QueryBundle")
	defer span.End()
	span.SetAttributes(attribute.String("graph.image_id", imageID))

	session := r.store.session(ctx)
	defer session.Close(ctx)

	type bundle struct {
		rows  []datatypes.SummaryRow
		facts datatypes.GraphFacts
	}
	out, err := neo4j.ExecuteRead(ctx, session,
		func(tx neo4j.ManagedTransaction) (bundle, error) {
			var b bundle
			b.facts.ImageID = imageID

			result, err := tx.Run(ctx, edgeSummaryCypher, map[string]any{"image_id": imageID})
			if err != nil {
				return b, err
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return b, err
			}
			for _, rec := range records {
				row := datatypes.SummaryRow{}
				if v, ok := rec.Get("rel"); ok {
					row.Rel, _ = v.(string)
				}
				if v, ok := rec.Get("count"); ok {
					if n, ok := v.(int64); ok {
						row.Count = int(n)
					}
				}
				if v, ok := rec.Get("avg_conf"); ok {
					row.AvgConf = asFloat(v)
				}
				b.rows = append(b.rows, row)
			}

			result, err = tx.Run(ctx, factsCypher, map[string]any{"image_id": imageID})
			if err != nil {
				return b, err
			}
			records, err = result.Collect(ctx)
			if err != nil {
				return b, err
			}
			for _, rec := range records {
				f := datatypes.FactFinding{}
				if v, ok := rec.Get("type"); ok {
					f.Type, _ = v.(string)
				}
				if v, ok := rec.Get("location"); ok {
					f.Location, _ = v.(string)
				}
				if v, ok := rec.Get("size_cm"); ok && v != nil {
					size := asFloat(v)
					f.SizeCM = &size
				}
				if v, ok := rec.Get("conf"); ok {
					f.Conf = asFloat(v)
				}
				b.facts.Findings = append(b.facts.Findings, f)
			}
			return b, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.GraphFacts{}, fmt.Errorf("bundle query failed: %w", err)
	}
	return out.rows, out.facts, nil
}

const findingPathsCypher = `
MATCH (i:Image {image_id: $image_id})-[:HAS_FINDING]->(f:Finding)
OPTIONAL MATCH (f)-[:LOCATED_IN]->(a:Anatomy)
OPTIONAL MATCH (i)-[:DESCRIBED_BY]->(r:Report)
RETURN f.id AS id, f.type AS type, f.conf AS conf,
       a.name AS anatomy, r.conf AS report_conf, r.ts AS ts
`

const reportPathsCypher = `
MATCH (i:Image {image_id: $image_id})-[:DESCRIBED_BY]->(r:Report)
RETURN r.id AS id, r.conf AS conf, r.ts AS ts
`

const similarityPathsCypher = `
MATCH (i:Image {image_id: $image_id})-[s:SIMILAR_TO]-(j:Image)
RETURN j.image_id AS id, s.score AS score, s.basis AS basis
`

// QueryPaths returns ranked evidence paths honouring per-slot budgets.
// Scoring: alpha*finding_conf + loc_weight*location_conf + beta*report_conf,
// with loc_weight = 1 - alpha - beta, tie-broken by most recent timestamp.
func (r *Neo4jRepository) QueryPaths(ctx context.Context, imageID string, q datatypes.PathQuery) ([]datatypes.EvidencePath, error) {
	ctx, span := tracer.Start(ctx, "Repository.QueryPaths")
	defer span.End()
	span.SetAttributes(attribute.String("graph.image_id", imageID))
	span.SetAttributes(attribute.Int("graph.k", q.K))

	alpha := defaultAlphaFinding
	if q.AlphaFinding != nil {
		alpha = *q.AlphaFinding
	}
	beta := defaultBetaReport
	if q.BetaReport != nil {
		beta = *q.BetaReport
	}
	locWeight := 1 - alpha - beta
	if locWeight < 0 {
		locWeight = 0
	}

	slots := datatypes.SlotLimits{Findings: q.K, Reports: q.K, Similarity: q.K}
	if q.Slots != nil {
		slots = *q.Slots
	}

	session := r.store.session(ctx)
	defer session.Close(ctx)

	params := map[string]any{"image_id": imageID}
	type scored struct {
		path datatypes.EvidencePath
		ts   string
	}

	out, err := neo4j.ExecuteRead(ctx, session,
		func(tx neo4j.ManagedTransaction) ([]datatypes.EvidencePath, error) {
			var findings, reports, similar []scored

			result, err := tx.Run(ctx, findingPathsCypher, params)
			if err != nil {
				return nil, err
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				id := stringField(rec, "id")
				ftype := stringField(rec, "type")
				anatomy := stringField(rec, "anatomy")
				conf := floatField(rec, "conf")
				repConf := floatField(rec, "report_conf")
				locConf := 0.0
				if anatomy != "" {
					locConf = 1.0
				}
				triples := []string{
					fmt.Sprintf("Image[%s] -HAS_FINDING-> Finding[%s]", imageID, id),
				}
				label := "finding:" + ftype
				if anatomy != "" {
					triples = append(triples,
						fmt.Sprintf("Finding[%s] -LOCATED_IN-> Anatomy[%s]", id, anatomy))
					label += "@" + anatomy
				}
				findings = append(findings, scored{
					path: datatypes.EvidencePath{
						Label:   label,
						Triples: triples,
						Score:   alpha*conf + locWeight*locConf + beta*repConf,
						Slot:    datatypes.SlotFindings,
					},
					ts: stringField(rec, "ts"),
				})
			}

			result, err = tx.Run(ctx, reportPathsCypher, params)
			if err != nil {
				return nil, err
			}
			records, err = result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				id := stringField(rec, "id")
				conf := floatField(rec, "conf")
				reports = append(reports, scored{
					path: datatypes.EvidencePath{
						Label: "report:" + shortID(id),
						Triples: []string{
							fmt.Sprintf("Image[%s] -DESCRIBED_BY-> Report[%s]", imageID, shortID(id)),
						},
						Score: beta*conf + alpha*conf*0.5,
						Slot:  datatypes.SlotReports,
					},
					ts: stringField(rec, "ts"),
				})
			}

			result, err = tx.Run(ctx, similarityPathsCypher, params)
			if err != nil {
				return nil, err
			}
			records, err = result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				id := stringField(rec, "id")
				score := floatField(rec, "score")
				similar = append(similar, scored{
					path: datatypes.EvidencePath{
						Label: "similar:" + id,
						Triples: []string{
							fmt.Sprintf("Image[%s] -SIMILAR_TO-> Image[%s]", imageID, id),
						},
						Score: score,
						Slot:  datatypes.SlotSimilarity,
					},
				})
			}

			rank := func(list []scored) {
				sort.SliceStable(list, func(a, b int) bool {
					if list[a].path.Score != list[b].path.Score {
						return list[a].path.Score > list[b].path.Score
					}
					return list[a].ts > list[b].ts
				})
			}
			rank(findings)
			rank(reports)
			rank(similar)

			take := func(list []scored, limit int) []datatypes.EvidencePath {
				if limit > len(list) {
					limit = len(list)
				}
				if limit < 0 {
					limit = 0
				}
				paths := make([]datatypes.EvidencePath, 0, limit)
				for _, s := range list[:limit] {
					paths = append(paths, s.path)
				}
				return paths
			}

			var paths []datatypes.EvidencePath
			paths = append(paths, take(findings, slots.Findings)...)
			paths = append(paths, take(reports, slots.Reports)...)
			paths = append(paths, take(similar, slots.Similarity)...)
			if len(paths) > q.K && q.K > 0 {
				paths = paths[:q.K]
			}
			return paths, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("path query failed: %w", err)
	}
	return out, nil
}

// =============================================================================
// Similarity
// =============================================================================

// FetchSimilarityCandidates returns the SIMILAR_TO neighbours already in the
// graph, used when no external similarity index is configured.
func (r *Neo4jRepository) FetchSimilarityCandidates(ctx context.Context, imageID string) ([]datatypes.SimilarityEdge, error) {
	ctx, span := tracer.Start(ctx, "Repository.FetchSimilarityCandidates")
	defer span.End()

	session := r.store.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteRead(ctx, session,
		func(tx neo4j.ManagedTransaction) ([]datatypes.SimilarityEdge, error) {
			result, err := tx.Run(ctx, similarityPathsCypher, map[string]any{"image_id": imageID})
			if err != nil {
				return nil, err
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			edges := make([]datatypes.SimilarityEdge, 0, len(records))
			for _, rec := range records {
				edges = append(edges, datatypes.SimilarityEdge{
					FromImageID: imageID,
					ToImageID:   stringField(rec, "id"),
					Score:       floatField(rec, "score"),
					Basis:       stringField(rec, "basis"),
				})
			}
			return edges, nil
		})
}

const syncSimilarityCypher = `
MATCH (i:Image {image_id: $image_id})
UNWIND $edges AS e
MATCH (j:Image {image_id: e.to})
MERGE (i)-[s:SIMILAR_TO]->(j)
  ON CREATE SET s.score = e.score, s.basis = e.basis, s._created = true
  ON MATCH SET s.score = e.score, s.basis = e.basis
WITH s, s._created AS created
REMOVE s._created
RETURN count(CASE WHEN created THEN 1 END) AS created
`

// SyncSimilarityEdges merges candidate edges and returns how many were newly
// created. Candidates pointing at images absent from the graph are skipped.
func (r *Neo4jRepository) SyncSimilarityEdges(ctx context.Context, imageID string, edges []datatypes.SimilarityEdge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "Repository.SyncSimilarityEdges")
	defer span.End()
	span.SetAttributes(attribute.Int("graph.edge_count", len(edges)))

	edgeMaps := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		edgeMaps = append(edgeMaps, map[string]any{
			"to":    e.ToImageID,
			"score": e.Score,
			"basis": e.Basis,
		})
	}

	session := r.store.session(ctx)
	defer session.Close(ctx)

	created, err := neo4j.ExecuteWrite(ctx, session,
		func(tx neo4j.ManagedTransaction) (int64, error) {
			result, err := tx.Run(ctx, syncSimilarityCypher,
				map[string]any{"image_id": imageID, "edges": edgeMaps})
			if err != nil {
				return 0, err
			}
			record, err := result.Single(ctx)
			if err != nil {
				return 0, err
			}
			v, _ := record.Get("created")
			n, _ := v.(int64)
			return n, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("similarity edge sync failed: %w", err)
	}
	return int(created), nil
}

// Health delegates to the store's liveness query.
func (r *Neo4jRepository) Health(ctx context.Context) error {
	return r.store.Health(ctx)
}

// Close releases the underlying store.
func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.store.Close(ctx)
}

// =============================================================================
// Record helpers
// =============================================================================

func stringField(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatField(rec *neo4j.Record, key string) float64 {
	if v, ok := rec.Get(key); ok && v != nil {
		return asFloat(v)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var _ Repository = (*Neo4jRepository)(nil)
