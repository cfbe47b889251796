// Package neo4j provides a MemoryStore backed by a Neo4j graph. Entities are
// (:Entity {key, id, type}) nodes keyed by "<type>:<id>", so a product and a
// category sharing an id stay distinct. Relationships are [:REL {kind, ...}] edges so a
// single MERGE pattern covers every relationship kind. Confidence merges are
// computed in Go with the shared memory.Rules inside one write transaction.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/neo4j/neo4j-go-driver/v6/neo4j"
)

// Options configures the store.
type Options struct {
	Rules    memory.Rules
	Database string
	Now      func() time.Time
	Logger   logging.Logger
}

// Store implements core.MemoryStore on Neo4j.
type Store struct {
	driver neo4j.Driver
	opts   Options
}

// Connect opens a driver with basic auth and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (neo4j.Driver, error) {
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driver, nil
}

// New creates a store on an existing driver. The caller owns the driver.
func New(driver neo4j.Driver, optFns ...func(o *Options)) *Store {
	opts := Options{Rules: memory.DefaultRules, Now: time.Now, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{driver: driver, opts: opts}
}

// EnsureSchema creates the uniqueness constraint on entity keys.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, s.sessionConfig(neo4j.AccessModeWrite))
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (n:Entity) REQUIRE n.key IS UNIQUE`, nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("ensure neo4j schema: %w", err)
	}
	return nil
}

// GetRelationships returns the outgoing edges of entityID with effective
// (decayed) confidences, sorted descending.
func (s *Store) GetRelationships(ctx context.Context, entityID string, kinds ...core.RelationshipKind) ([]core.Relationship, error) {
	session := s.driver.NewSession(ctx, s.sessionConfig(neo4j.AccessModeRead))
	defer session.Close(ctx)

	kindNames := make([]string, len(kinds))
	for i, k := range kinds {
		kindNames[i] = string(k)
	}

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:Entity {key: $source})-[r:REL]->(t:Entity)
			WHERE size($kinds) = 0 OR r.kind IN $kinds
			RETURN t.id AS target, r
		`, map[string]interface{}{"source": sourceKey(entityID), "kinds": kindNames})
		if err != nil {
			return nil, err
		}

		var edges []core.Relationship
		for res.Next(ctx) {
			record := res.Record()
			target, _ := record.Get("target")
			raw, _ := record.Get("r")
			rel, ok := raw.(neo4j.Relationship)
			if !ok {
				continue
			}
			edge, err := decodeEdge(entityID, fmt.Sprint(target), rel.Props)
			if err != nil {
				s.opts.Logger.Warn("skipping malformed relationship", "source", entityID, "error", err)
				continue
			}
			edges = append(edges, edge)
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read relationships: %w", err)
	}

	edges, _ := result.([]core.Relationship)
	now := s.opts.Now()
	for i := range edges {
		edges[i].Confidence = s.opts.Rules.Effective(edges[i], now)
	}
	memory.SortByConfidence(edges)
	return edges, nil
}

// UpsertRelationship merges the observation into the edge inside a single
// write transaction. Neo4j serializes concurrent writers on the locked
// relationship, so the read-merge-write cycle never loses an update.
func (s *Store) UpsertRelationship(ctx context.Context, edge core.Relationship, confidenceDelta float64) error {
	if edge.SourceID == "" || edge.TargetID == "" || !edge.Kind.Valid() {
		return &core.ValidationError{Field: "edge", Value: edge.Key().String(), Message: "source, target and a known kind are required"}
	}
	session := s.driver.NewSession(ctx, s.sessionConfig(neo4j.AccessModeWrite))
	defer session.Close(ctx)

	now := s.opts.Now()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		params := nodeParams(edge)
		// MERGE takes the write lock on the relationship before we read it.
		res, err := tx.Run(ctx, `
			MERGE (s:Entity {key: $source})
			ON CREATE SET s.id = $source_id, s.type = $source_type
			MERGE (t:Entity {key: $target})
			ON CREATE SET t.id = $target_id, t.type = $target_type
			MERGE (s)-[r:REL {kind: $kind}]->(t)
			SET r._lock = coalesce(r._lock, 0) + 1
			RETURN r
		`, params)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		var existing *core.Relationship
		if raw, ok := record.Get("r"); ok {
			if rel, ok := raw.(neo4j.Relationship); ok {
				if _, seen := rel.Props["confidence"]; seen {
					cur, err := decodeEdge(edge.SourceID, edge.TargetID, rel.Props)
					if err != nil {
						return nil, err
					}
					existing = &cur
				}
			}
		}

		merged := s.opts.Rules.Merge(existing, edge, confidenceDelta, now)
		meta, err := json.Marshal(merged.Metadata)
		if err != nil {
			return nil, err
		}

		_, err = tx.Run(ctx, `
			MATCH (s:Entity {key: $source})-[r:REL {kind: $kind}]->(t:Entity {key: $target})
			SET r.confidence = $confidence,
				r.observation_count = $count,
				r.last_observed_at = $last_observed_at,
				r.target_type = $target_type,
				r.metadata = $metadata
		`, map[string]interface{}{
			"source":           params["source"],
			"target":           params["target"],
			"kind":             string(edge.Kind),
			"confidence":       merged.Confidence,
			"count":            int64(merged.ObservationCount),
			"last_observed_at": merged.LastObservedAt.UTC().Format(time.RFC3339Nano),
			"target_type":      string(merged.TargetType),
			"metadata":         string(meta),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert relationship %s: %w", edge.Key(), err)
	}
	return nil
}

func (s *Store) sessionConfig(mode neo4j.AccessMode) neo4j.SessionConfig {
	return neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.opts.Database}
}

// sourceKey is the node key of a relationship source; sources are shoppers.
func sourceKey(userID string) string {
	return core.Entity{Type: core.EntityUser, ID: userID}.Key()
}

// nodeParams binds both endpoint keys of edge plus the properties stored on
// newly created nodes.
func nodeParams(edge core.Relationship) map[string]interface{} {
	return map[string]interface{}{
		"source":      sourceKey(edge.SourceID),
		"source_id":   edge.SourceID,
		"source_type": string(core.EntityUser),
		"target":      core.Entity{Type: edge.TargetType, ID: edge.TargetID}.Key(),
		"target_id":   edge.TargetID,
		"target_type": string(edge.TargetType),
		"kind":        string(edge.Kind),
	}
}

func decodeEdge(source, target string, props map[string]any) (core.Relationship, error) {
	edge := core.Relationship{SourceID: source, TargetID: target}
	kind, _ := props["kind"].(string)
	edge.Kind = core.RelationshipKind(kind)
	if tt, ok := props["target_type"].(string); ok {
		edge.TargetType = core.EntityType(tt)
	}
	if c, ok := props["confidence"].(float64); ok {
		edge.Confidence = c
	}
	if n, ok := props["observation_count"].(int64); ok {
		edge.ObservationCount = int(n)
	}
	if ts, ok := props["last_observed_at"].(string); ok && ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return edge, fmt.Errorf("parse last_observed_at: %w", err)
		}
		edge.LastObservedAt = t
	}
	if raw, ok := props["metadata"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &edge.Metadata); err != nil {
			return edge, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return edge, nil
}
