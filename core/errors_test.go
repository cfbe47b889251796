package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(ComponentSearch, time.Second, nil))

	err := Classify(ComponentSearch, 200*time.Millisecond, fmt.Errorf("query: %w", context.DeadlineExceeded))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ComponentSearch, te.Component)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	boom := errors.New("boom")
	err = Classify(ComponentReasoning, time.Second, boom)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, boom)

	ve := &ValidationError{Field: "quantity", Message: "must be positive"}
	assert.Same(t, ve, Classify(ComponentOrder, time.Second, ve))
	assert.Same(t, err, Classify(ComponentChat, time.Second, err), "classified errors pass through")
}

func TestDegradation(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&TimeoutError{Component: ComponentRoute}, "timeout"},
		{context.Canceled, "cancelled"},
		{&ProviderError{Component: ComponentSearch, Err: errors.New("503")}, "provider_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Degradation(tt.err))
	}
}

func TestValidationError_Rejection(t *testing.T) {
	r := (&ValidationError{Field: "item", Message: "not in cart"}).Rejection()
	assert.Equal(t, "invalid_request", r.Code)
	assert.Equal(t, "item", r.Field)
	assert.Equal(t, "not in cart", r.Message)
}

func TestCartState(t *testing.T) {
	var c CartState
	c.Set("milk", 2)
	c.Set("bread", 1)
	c.Set("milk", 5)
	assert.Equal(t, []CartItem{{"milk", 5}, {"bread", 1}}, c.Items, "insertion order is kept")
	assert.Equal(t, 6, c.Total())

	c.Set("milk", 0)
	assert.False(t, c.Has("milk"))
	c.Set("eggs", -1)
	assert.False(t, c.Has("eggs"))

	clone := c.Clone()
	clone.Set("bread", 9)
	assert.Equal(t, 1, c.Quantity("bread"))

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestMemoryContext(t *testing.T) {
	mc := MemoryContext{UserID: "u1", Relationships: []Relationship{
		{SourceID: "u1", Kind: Prefers, TargetID: "oat-milk", Confidence: 0.4},
		{SourceID: "u1", Kind: Avoids, TargetID: "dairy", TargetType: EntityCategory, Confidence: 0.9},
		{SourceID: "u1", Kind: Prefers, TargetID: "oat-milk", Confidence: 0.7},
	}}

	best, ok := mc.Strongest(Prefers, "oat-milk")
	require.True(t, ok)
	assert.InDelta(t, 0.7, best.Confidence, 1e-9)
	assert.Len(t, mc.ByKind(Prefers), 2)
	assert.Contains(t, mc.Summary(5), "dairy")

	empty := EmptyMemoryContext("u1", "timeout")
	assert.True(t, empty.Degraded)
	assert.Equal(t, "none", empty.Summary(5))
}
