package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.MemoryStore = (*Store)(nil)

func TestDecodeEdge(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	edge, err := decodeEdge("u1", "c1", map[string]any{
		"kind":              "PREFERS",
		"target_type":       "category",
		"confidence":        0.6,
		"observation_count": int64(3),
		"last_observed_at":  ts.Format(time.RFC3339Nano),
		"metadata":          `{"quantity":"2"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, core.Prefers, edge.Kind)
	assert.Equal(t, core.EntityCategory, edge.TargetType)
	assert.Equal(t, 3, edge.ObservationCount)
	assert.True(t, ts.Equal(edge.LastObservedAt))
	assert.Equal(t, "2", edge.Metadata[core.MetaQuantity])

	_, err = decodeEdge("u1", "c1", map[string]any{"last_observed_at": "yesterday"})
	assert.Error(t, err)
}

func TestNodeParams_KeysByEntityType(t *testing.T) {
	product := nodeParams(core.Relationship{SourceID: "u1", Kind: core.RegularlyBuys, TargetID: "milk", TargetType: core.EntityProduct})
	category := nodeParams(core.Relationship{SourceID: "u1", Kind: core.Prefers, TargetID: "milk", TargetType: core.EntityCategory})

	assert.Equal(t, "product:milk", product["target"])
	assert.Equal(t, "category:milk", category["target"])
	assert.NotEqual(t, product["target"], category["target"])
	assert.Equal(t, "milk", product["target_id"])
	assert.Equal(t, "user:u1", product["source"])
	assert.Equal(t, sourceKey("u1"), category["source"])
}

// TestStore_Integration runs against a live server when SHOPMESH_TEST_NEO4J_URI is set.
func TestStore_Integration(t *testing.T) {
	uri := os.Getenv("SHOPMESH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("SHOPMESH_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	driver, err := Connect(ctx, uri, os.Getenv("SHOPMESH_TEST_NEO4J_USER"), os.Getenv("SHOPMESH_TEST_NEO4J_PASSWORD"))
	require.NoError(t, err)
	defer driver.Close(ctx)

	store := New(driver)
	require.NoError(t, store.EnsureSchema(ctx))

	user := "it-user-" + time.Now().Format("150405.000000")
	edge := core.Relationship{SourceID: user, Kind: core.Prefers, TargetID: "it-cat", TargetType: core.EntityCategory}
	require.NoError(t, store.UpsertRelationship(ctx, edge, 0.5))
	require.NoError(t, store.UpsertRelationship(ctx, edge, 0.5))

	got, err := store.GetRelationships(ctx, user, core.Prefers)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ObservationCount)
	assert.Greater(t, got[0].Confidence, 0.475)

	product := core.Relationship{SourceID: user, Kind: core.RegularlyBuys, TargetID: "it-cat", TargetType: core.EntityProduct}
	require.NoError(t, store.UpsertRelationship(ctx, product, 0.3))
	got, err = store.GetRelationships(ctx, user)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "it-cat", e.TargetID)
	}
}
