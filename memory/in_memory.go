package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// Options configures the in-memory store.
type Options struct {
	Rules Rules
	Now   func() time.Time
}

// InMemoryStore is a process-local relationship graph. It offers:
//  1. Edge-level upserts merged through the confidence Rules
//  2. Adjacency lookups by source entity, optionally filtered by kind
//
// Concurrency: protected by RWMutex; an upsert is a single critical section
// so concurrent writers to the same edge never lose an observation.
// Reads return effective (decayed) confidences sorted descending.
//
// Edges are keyed by (source, kind, target type, target), so a product and a
// category sharing an id are distinct targets. The stored confidence is the
// raw value written by the last merge; decay is applied on every read against
// the store's clock and never written back. Returned slices are copies.
//
// Nothing is evicted. Long-running processes should wrap a durable backend
// such as memory/neo4j instead.
type InMemoryStore struct {
	mu       sync.RWMutex
	rules    Rules
	now      func() time.Time
	edges    map[core.EdgeKey]core.Relationship
	bySource map[string]map[core.EdgeKey]struct{}
}

// NewInMemoryStore creates a new in-memory relationship store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{Rules: DefaultRules, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{
		rules:    opts.Rules,
		now:      opts.Now,
		edges:    make(map[core.EdgeKey]core.Relationship),
		bySource: make(map[string]map[core.EdgeKey]struct{}),
	}
}

// GetRelationships returns the outgoing edges of entityID.
func (m *InMemoryStore) GetRelationships(ctx context.Context, entityID string, kinds ...core.RelationshipKind) ([]core.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.bySource[entityID]
	out := make([]core.Relationship, 0, len(keys))
	for key := range keys {
		if !kindSelected(key.Kind, kinds) {
			continue
		}
		edge := m.edges[key].Clone()
		edge.Confidence = m.rules.Effective(edge, now)
		out = append(out, edge)
	}
	SortByConfidence(out)
	return out, nil
}

// UpsertRelationship merges an observation into the edge identified by
// edge.Key().
func (m *InMemoryStore) UpsertRelationship(ctx context.Context, edge core.Relationship, confidenceDelta float64) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()
	key := edge.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *core.Relationship
	if cur, ok := m.edges[key]; ok {
		existing = &cur
	}
	m.edges[key] = m.rules.Merge(existing, edge, confidenceDelta, now)
	if _, ok := m.bySource[key.SourceID]; !ok {
		m.bySource[key.SourceID] = make(map[core.EdgeKey]struct{})
	}
	m.bySource[key.SourceID][key] = struct{}{}
	return nil
}

// Edge returns the stored (undecayed) edge for key.
func (m *InMemoryStore) Edge(key core.EdgeKey) (core.Relationship, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[key]
	return e.Clone(), ok
}

// Len returns the number of stored edges.
func (m *InMemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

// SortByConfidence orders edges by confidence desc, then by key for
// deterministic output.
func SortByConfidence(edges []core.Relationship) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Confidence != edges[j].Confidence {
			return edges[i].Confidence > edges[j].Confidence
		}
		return edges[i].Key().String() < edges[j].Key().String()
	})
}

func kindSelected(k core.RelationshipKind, kinds []core.RelationshipKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func validateEdge(edge core.Relationship) error {
	switch {
	case edge.SourceID == "":
		return &core.ValidationError{Field: "source_id", Message: "must not be empty"}
	case edge.TargetID == "":
		return &core.ValidationError{Field: "target_id", Message: "must not be empty"}
	case !edge.Kind.Valid():
		return &core.ValidationError{Field: "kind", Value: edge.Kind, Message: "unknown relationship kind"}
	}
	return nil
}
