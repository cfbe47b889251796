package memory

import (
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/stretchr/testify/assert"
)

func TestRules_CorroborateMonotonicUpToCap(t *testing.T) {
	r := DefaultRules
	c := 0.0
	for i := 0; i < 200; i++ {
		next := r.Corroborate(c, 0.3)
		assert.GreaterOrEqual(t, next, c)
		assert.LessOrEqual(t, next, r.Cap)
		if c < r.Cap-1e-9 {
			assert.Greater(t, next, c, "must strictly increase below the cap (step %d)", i)
		}
		c = next
	}
	assert.InDelta(t, r.Cap, c, 1e-6)
}

func TestRules_CorroborateBounds(t *testing.T) {
	r := Rules{Cap: 0.9}
	assert.Equal(t, 0.0, r.Corroborate(0.5, -1))
	assert.InDelta(t, 0.25, r.Corroborate(0.5, -0.5), 1e-9)
	assert.InDelta(t, 0.9, r.Corroborate(0.2, 5), 1e-9)
	assert.Equal(t, 0.95, r.Corroborate(0.95, 0.5), "values above the cap never grow")
	assert.Equal(t, 0.0, r.Corroborate(-3, 0))
}

func TestRules_EffectiveDecaysOnlyAfterWindow(t *testing.T) {
	r := Rules{Cap: 0.95, DecayWindow: 10 * 24 * time.Hour, HalfLife: 5 * 24 * time.Hour}
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	edge := core.Relationship{Confidence: 0.8, LastObservedAt: last}

	assert.Equal(t, 0.8, r.Effective(edge, last.Add(10*24*time.Hour)))

	prev := 0.8
	for d := 11; d < 60; d += 3 {
		c := r.Effective(edge, last.Add(time.Duration(d)*24*time.Hour))
		assert.Less(t, c, prev, "day %d", d)
		assert.GreaterOrEqual(t, c, 0.0)
		prev = c
	}

	assert.InDelta(t, 0.4, r.Effective(edge, last.Add(15*24*time.Hour)), 1e-9)
}

func TestRules_Merge(t *testing.T) {
	r := DefaultRules
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	incoming := core.Relationship{
		SourceID: "u1", Kind: core.RegularlyBuys, TargetID: "milk", TargetType: core.EntityProduct,
		Metadata: map[string]string{core.MetaQuantity: "2"},
	}

	first := r.Merge(nil, incoming, 0.5, now)
	assert.InDelta(t, 0.475, first.Confidence, 1e-9)
	assert.Equal(t, 1, first.ObservationCount)
	assert.Equal(t, now, first.LastObservedAt)

	incoming.Metadata = map[string]string{core.MetaQuantity: "3"}
	incoming.LastObservedAt = now.Add(-time.Hour)
	second := r.Merge(&first, incoming, 0.5, now.Add(time.Hour))
	assert.Greater(t, second.Confidence, first.Confidence)
	assert.Equal(t, 2, second.ObservationCount)
	assert.Equal(t, now, second.LastObservedAt, "older observations never move LastObservedAt back")
	assert.Equal(t, "3", second.Metadata[core.MetaQuantity])
	assert.Equal(t, "2", first.Metadata[core.MetaQuantity], "merge must not alias the existing edge")
}
