package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/hupe1980/shopmesh/core"
)

// CachedStore is a read-through cache in front of a MemoryStore for the hot
// path. Entries are keyed by (entity, kinds) and tagged with a per-entity
// generation; every upsert bumps the generation of the edge's source so
// stale reads for that entity are never served after a local write.
type CachedStore struct {
	next  core.MemoryStore
	cache *ristretto.Cache
	ttl   time.Duration

	mu  sync.Mutex
	gen map[string]uint64
}

// NewCachedStore wraps next with a ristretto cache holding up to maxEntries
// relationship lists for ttl.
func NewCachedStore(next core.MemoryStore, maxEntries int64, ttl time.Duration) (*CachedStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create relationship cache: %w", err)
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, gen: map[string]uint64{}}, nil
}

// GetRelationships serves from cache or reads through.
func (c *CachedStore) GetRelationships(ctx context.Context, entityID string, kinds ...core.RelationshipKind) ([]core.Relationship, error) {
	key := c.key(entityID, kinds)
	if v, ok := c.cache.Get(key); ok {
		return cloneEdges(v.([]core.Relationship)), nil
	}
	edges, err := c.next.GetRelationships(ctx, entityID, kinds...)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, cloneEdges(edges), 1, c.ttl)
	return edges, nil
}

// UpsertRelationship writes through and invalidates the source entity.
func (c *CachedStore) UpsertRelationship(ctx context.Context, edge core.Relationship, confidenceDelta float64) error {
	if err := c.next.UpsertRelationship(ctx, edge, confidenceDelta); err != nil {
		return err
	}
	c.mu.Lock()
	c.gen[edge.SourceID]++
	c.mu.Unlock()
	return nil
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedStore) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedStore) Close() { c.cache.Close() }

func (c *CachedStore) key(entityID string, kinds []core.RelationshipKind) string {
	c.mu.Lock()
	g := c.gen[entityID]
	c.mu.Unlock()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s#%d|%s", entityID, g, strings.Join(names, ","))
}

func cloneEdges(in []core.Relationship) []core.Relationship {
	out := make([]core.Relationship, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
