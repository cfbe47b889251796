package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shopmesh/analytics"
	"github.com/hupe1980/shopmesh/core"
)

var _ core.AnalyticsWarehouse = (*Warehouse)(nil)

var day0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func open(t *testing.T, optFns ...func(o *Options)) *Warehouse {
	t.Helper()
	w, err := Open(context.Background(), "", optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func episodes() []core.Episode {
	var out []core.Episode
	for _, d := range []int{0, 2, 10} {
		out = append(out, core.Episode{
			ID: "e", UserID: "u1", SessionID: "s1", CreatedAt: day0.AddDate(0, 0, d),
			Observations: []core.Observation{
				{Kind: core.RegularlyBuys, TargetID: "milk", TargetType: core.EntityProduct, Quantity: 2},
			},
		})
	}
	out = append(out, core.Episode{
		ID: "b", UserID: "u1", SessionID: "s1", CreatedAt: day0.AddDate(0, 0, 1),
		Observations: []core.Observation{
			{Kind: core.PriceSensitive, TargetID: "dairy", TargetType: core.EntityCategory, Budget: 4},
			{SourceID: "milk", Kind: core.BoughtWith, TargetID: "bread"},
		},
	})
	return out
}

func TestWarehouse_MatchesInMemoryAggregation(t *testing.T) {
	ctx := context.Background()
	w := open(t)
	mem := analytics.NewInMemoryWarehouse()
	for _, ep := range episodes() {
		w.EmitEvent(ep)
		mem.EmitEvent(ep)
	}
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, int64(5), w.Written())

	win := core.Window{Now: day0.AddDate(0, 0, 30), MinAge: 24 * time.Hour, MaxAge: 90 * 24 * time.Hour}
	got, err := w.QueryAggregates(ctx, win)
	require.NoError(t, err)
	want, err := mem.QueryAggregates(ctx, win)
	require.NoError(t, err)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].UserID, got[i].UserID)
		assert.Equal(t, want[i].Kind, got[i].Kind)
		assert.Equal(t, want[i].TargetID, got[i].TargetID)
		assert.Equal(t, want[i].TargetType, got[i].TargetType)
		assert.Equal(t, want[i].Count, got[i].Count)
		assert.Equal(t, want[i].ActiveDays, got[i].ActiveDays)
		assert.True(t, want[i].FirstSeen.Equal(got[i].FirstSeen), "first seen %s", got[i].FirstSeen)
		assert.True(t, want[i].LastSeen.Equal(got[i].LastSeen), "last seen %s", got[i].LastSeen)
		assert.InDelta(t, want[i].AvgQuantity, got[i].AvgQuantity, 1e-9)
		assert.InDelta(t, want[i].MinBudget, got[i].MinBudget, 1e-9)
		assert.InDelta(t, want[i].MeanIntervalDays, got[i].MeanIntervalDays, 1e-6)
		assert.InDelta(t, want[i].IntervalStdDevDays, got[i].IntervalStdDevDays, 1e-6)
	}

	milk := got[len(got)-1]
	assert.Equal(t, core.RegularlyBuys, milk.Kind)
	assert.Equal(t, 3, milk.Count)
	assert.InDelta(t, 5, milk.MeanIntervalDays, 1e-6)
}

func TestWarehouse_UnstableGroupsExcluded(t *testing.T) {
	ctx := context.Background()
	w := open(t)
	for _, ep := range episodes() {
		w.EmitEvent(ep)
	}
	require.NoError(t, w.Flush(ctx))

	got, err := w.QueryAggregates(ctx, core.Window{Now: day0.Add(12 * time.Hour), MinAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWarehouse_DropsAfterClose(t *testing.T) {
	w, err := Open(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	w.EmitEvent(episodes()[0])
	assert.Equal(t, int64(1), w.Dropped())
	assert.ErrorIs(t, w.Flush(context.Background()), ErrClosed)
}
