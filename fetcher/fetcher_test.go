package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/testutil"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/hupe1980/shopmesh/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore is a MemoryStore with scripted behaviour.
type stubStore struct {
	edges  []core.Relationship
	err    error
	delay  time.Duration
	ignore bool // ignore ctx while sleeping
}

func (s *stubStore) GetRelationships(ctx context.Context, _ string, _ ...core.RelationshipKind) ([]core.Relationship, error) {
	if s.delay > 0 {
		if s.ignore {
			time.Sleep(s.delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}
	return s.edges, s.err
}

func (s *stubStore) UpsertRelationship(context.Context, core.Relationship, float64) error { return nil }

func TestFetch_RanksAndFilters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "coffee", TargetType: core.EntityCategory}, 0.4))
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "tea", TargetType: core.EntityCategory}, 0.6))
	require.NoError(t, store.UpsertRelationship(ctx, core.Relationship{SourceID: "u1", Kind: core.Avoids, TargetID: "gluten", TargetType: core.EntityCategory}, 0.01))

	f := New(store)
	mc := f.Fetch(ctx, "u1", "s1", "fresh coffee beans")
	require.False(t, mc.Degraded)
	require.Len(t, mc.Relationships, 2, "low-confidence edge dropped")
	assert.Equal(t, "coffee", mc.Relationships[0].TargetID, "query overlap outranks raw confidence")
}

func TestFetch_MaxEdges(t *testing.T) {
	edges := []core.Relationship{
		testutil.NewRelationship("u1", core.Prefers, "a").Confidence(0.9).Build(),
		testutil.NewRelationship("u1", core.Prefers, "b").Confidence(0.8).Build(),
		testutil.NewRelationship("u1", core.Prefers, "c").Confidence(0.7).Build(),
	}
	f := New(&stubStore{edges: edges}, func(o *Options) { o.MaxEdges = 2 })
	mc := f.Fetch(context.Background(), "u1", "", "")
	assert.Len(t, mc.Relationships, 2)
}

func TestFetch_RecentProductsBoost(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewInMemoryStore()
	_, err := sessions.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.RecordTurn(core.TurnRecord{ProductIDs: []string{"bread"}}, 10)
		return nil
	})
	require.NoError(t, err)

	edges := []core.Relationship{
		testutil.NewRelationship("u1", core.Prefers, "milk").Confidence(0.6).Build(),
		testutil.NewRelationship("u1", core.Prefers, "bread").Confidence(0.5).Build(),
	}
	f := New(&stubStore{edges: edges}, func(o *Options) { o.Sessions = sessions })
	mc := f.Fetch(ctx, "u1", "s1", "something")
	require.Len(t, mc.Relationships, 2)
	assert.Equal(t, "bread", mc.Relationships[0].TargetID)
}

func TestFetch_TimeoutDegrades(t *testing.T) {
	f := New(&stubStore{delay: time.Second, ignore: true}, func(o *Options) { o.Deadline = 20 * time.Millisecond })

	start := time.Now()
	mc := f.Fetch(context.Background(), "u1", "s1", "milk")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "fetch must not wait for a store ignoring ctx")
	assert.True(t, mc.Degraded)
	assert.True(t, mc.Empty())
	assert.Equal(t, "timeout", mc.Reason)
}

func TestFetch_ErrorDegrades(t *testing.T) {
	f := New(&stubStore{err: errors.New("connection refused")})
	mc := f.Fetch(context.Background(), "u1", "s1", "milk")
	assert.True(t, mc.Degraded)
	assert.Equal(t, "provider_error", mc.Reason)
	assert.Equal(t, "u1", mc.UserID)
}

func TestOverlap(t *testing.T) {
	assert.Equal(t, 1.0, Overlap(Terms("Some oat milk please"), "oat-milk"))
	assert.Equal(t, 0.5, Overlap(Terms("oat cookies"), "oat_milk"))
	assert.Equal(t, 0.0, Overlap(nil, "milk"))
	assert.Equal(t, 1.0, Overlap(Terms("coffees"), "coffee"))
}
