package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shopmesh/core"
)

var _ core.AnalyticsWarehouse = (*InMemoryWarehouse)(nil)

var day0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func episode(at time.Time, obs ...core.Observation) core.Episode {
	return core.Episode{ID: "e-" + at.Format("0102150405"), UserID: "u1", SessionID: "s1", CreatedAt: at, Observations: obs}
}

func TestSignalsFromEpisode(t *testing.T) {
	ep := episode(day0,
		core.Observation{Kind: core.RegularlyBuys, TargetID: "milk", TargetType: core.EntityProduct, Quantity: 2},
		core.Observation{SourceID: "milk", Kind: core.BoughtWith, TargetID: "bread"},
		core.Observation{Kind: "LIKES", TargetID: "milk"},
		core.Observation{Kind: core.Prefers},
	)
	records := SignalsFromEpisode(ep)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0].SourceID)
	assert.Equal(t, 2, records[0].Quantity)
	assert.Equal(t, "milk", records[1].SourceID)
	assert.Equal(t, core.EntityProduct, records[1].TargetType, "missing target type defaults to product")
	assert.Equal(t, day0, records[0].ObservedAt)
}

func TestAggregate_GroupsAndIntervals(t *testing.T) {
	w := NewInMemoryWarehouse()
	for _, d := range []int{0, 7, 14, 21} {
		w.EmitEvent(episode(day0.AddDate(0, 0, d),
			core.Observation{Kind: core.Reorders, TargetID: "coffee", Quantity: 1 + d/7},
		))
	}
	w.EmitEvent(episode(day0.AddDate(0, 0, 3),
		core.Observation{Kind: core.PriceSensitive, TargetID: "dairy", TargetType: core.EntityCategory, Budget: 3},
	))
	w.EmitEvent(episode(day0.AddDate(0, 0, 4),
		core.Observation{Kind: core.PriceSensitive, TargetID: "dairy", TargetType: core.EntityCategory, Budget: 2},
	))
	assert.Equal(t, 6, w.Emitted())

	signals, err := w.QueryAggregates(context.Background(), core.Window{Now: day0.AddDate(0, 0, 30), MinAge: 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, signals, 2)

	budget := signals[0]
	assert.Equal(t, core.PriceSensitive, budget.Kind)
	assert.Equal(t, 2.0, budget.MinBudget)
	assert.Equal(t, core.EntityCategory, budget.TargetType)

	coffee := signals[1]
	assert.Equal(t, core.Reorders, coffee.Kind)
	assert.Equal(t, 4, coffee.Count)
	assert.Equal(t, 4, coffee.ActiveDays)
	assert.InDelta(t, 7, coffee.MeanIntervalDays, 1e-9)
	assert.InDelta(t, 0, coffee.IntervalStdDevDays, 1e-9)
	assert.InDelta(t, 2.5, coffee.AvgQuantity, 1e-9)
	assert.Equal(t, day0, coffee.FirstSeen)
	assert.Equal(t, day0.AddDate(0, 0, 21), coffee.LastSeen)
}

func TestAggregate_Window(t *testing.T) {
	records := []Record{
		{SourceID: "u1", Kind: core.Prefers, TargetID: "old", ObservedAt: day0.AddDate(0, 0, -100)},
		{SourceID: "u1", Kind: core.Prefers, TargetID: "fresh", ObservedAt: day0.Add(-time.Hour)},
		{SourceID: "u1", Kind: core.Prefers, TargetID: "stable", ObservedAt: day0.AddDate(0, 0, -5)},
		{SourceID: "u1", Kind: core.Prefers, TargetID: "stable", ObservedAt: day0.Add(-time.Hour)},
		{SourceID: "u1", Kind: core.Prefers, TargetID: "future", ObservedAt: day0.Add(time.Hour)},
	}
	signals := Aggregate(records, core.Window{Now: day0, MinAge: 24 * time.Hour, MaxAge: 90 * 24 * time.Hour})
	require.Len(t, signals, 1)
	assert.Equal(t, "stable", signals[0].TargetID)
	assert.Equal(t, 2, signals[0].Count, "recent observations of a stable group still count")
}

func TestAggregate_IrregularIntervals(t *testing.T) {
	var records []Record
	for _, d := range []int{0, 2, 10} {
		records = append(records, Record{SourceID: "u1", Kind: core.RegularlyBuys, TargetID: "milk", ObservedAt: day0.AddDate(0, 0, d)})
	}
	signals := Aggregate(records, core.Window{Now: day0.AddDate(0, 0, 20)})
	require.Len(t, signals, 1)
	assert.InDelta(t, 5, signals[0].MeanIntervalDays, 1e-9)
	assert.InDelta(t, 3, signals[0].IntervalStdDevDays, 1e-9)
}
