package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertions)
var (
	_ core.MemoryStore = (*InMemoryStore)(nil)
	_ core.MemoryStore = (*CachedStore)(nil)
)

func fixedClock(t time.Time) func(o *Options) {
	return func(o *Options) { o.Now = func() time.Time { return t } }
}

func TestInMemoryStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c1", TargetType: core.EntityCategory}, 0.5))
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Avoids, TargetID: "b1", TargetType: core.EntityBrand}, 0.9))
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u2", Kind: core.Prefers, TargetID: "c1"}, 0.5))

	all, err := store.GetRelationships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, core.Avoids, all[0].Kind, "sorted by confidence desc")

	prefers, err := store.GetRelationships(ctx, "u1", core.Prefers)
	require.NoError(t, err)
	require.Len(t, prefers, 1)
	assert.Equal(t, "c1", prefers[0].TargetID)

	none, err := store.GetRelationships(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{
		SourceID: "u1", Kind: core.RegularlyBuys, TargetID: "milk",
		Metadata: map[string]string{core.MetaQuantity: "2"},
	}, 0.5))

	edges, _ := store.GetRelationships(ctx, "u1")
	edges[0].Metadata[core.MetaQuantity] = "99"

	stored, ok := store.Edge(core.EdgeKey{SourceID: "u1", Kind: core.RegularlyBuys, TargetID: "milk"})
	require.True(t, ok)
	assert.Equal(t, "2", stored.Metadata[core.MetaQuantity])
}

func TestInMemoryStore_TypedTargetsAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "milk", TargetType: core.EntityProduct}, 0.5))
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "milk", TargetType: core.EntityCategory}, 0.5))

	edges, err := store.GetRelationships(ctx, "u1", core.Prefers)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, 1, e.ObservationCount)
	}
	assert.Equal(t, "u1-[PREFERS]->category:milk", core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "milk", TargetType: core.EntityCategory}.Key().String())
}

func TestInMemoryStore_DecayOnRead(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	store := NewInMemoryStore(func(o *Options) {
		o.Rules = Rules{Cap: 0.95, DecayWindow: 24 * time.Hour, HalfLife: 24 * time.Hour}
		o.Now = func() time.Time { return clock }
	})
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c1"}, 1))

	fresh, _ := store.GetRelationships(ctx, "u1")
	clock = start.Add(72 * time.Hour)
	stale, _ := store.GetRelationships(ctx, "u1")

	assert.Less(t, stale[0].Confidence, fresh[0].Confidence)
}

func TestInMemoryStore_RejectsInvalidEdges(t *testing.T) {
	store := NewInMemoryStore(fixedClock(time.Now()))
	err := store.UpsertRelationship(context.Background(), core.Relationship{SourceID: "u1", Kind: "LIKES", TargetID: "x"}, 0.5)

	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "kind", ve.Field)
	assert.Equal(t, 0, store.Len())
}

func TestInMemoryStore_ConcurrentUpsertsSameEdge(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c1"}, 0.1); err != nil {
				t.Errorf("upsert error: %v", err)
			}
		}()
	}
	wg.Wait()

	edge, ok := store.Edge(core.EdgeKey{SourceID: "u1", Kind: core.Prefers, TargetID: "c1"})
	require.True(t, ok)
	assert.Equal(t, 50, edge.ObservationCount, "no observation may be lost")
	assert.LessOrEqual(t, edge.Confidence, DefaultRules.Cap)
}

func TestCachedStore_InvalidatesOnUpsert(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStore()
	cached, err := NewCachedStore(backend, 100, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	require.NoError(t, cached.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c1"}, 0.5))
	first, err := cached.GetRelationships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	cached.Wait()

	require.NoError(t, cached.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c2"}, 0.5))
	second, err := cached.GetRelationships(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStore()
	cached, err := NewCachedStore(backend, 100, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	require.NoError(t, cached.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c1"}, 0.5))
	_, err = cached.GetRelationships(ctx, "u1", core.Prefers)
	require.NoError(t, err)
	cached.Wait()

	// Writes that bypass the cache are invisible until the entry expires.
	require.NoError(t, backend.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "c2"}, 0.5))
	got, err := cached.GetRelationships(ctx, "u1", core.Prefers)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
