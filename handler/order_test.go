package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/testutil"
	"github.com/hupe1980/shopmesh/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var view = core.OrderView{TurnID: "t1", UserID: "u1", SessionID: "s1"}

func apply(t *testing.T, h *Order, intent core.OrderIntent) (OrderOutcome, error) {
	t.Helper()
	return h.Apply(context.Background(), view, intent)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	assert.Equal(t, field, ve.Field)
}

func TestOrder_AddTwoOnEmptyCart(t *testing.T) {
	h := NewOrder(session.NewInMemoryStore())
	intent, ok := ParseOrderIntent("add two of item milk")
	require.True(t, ok)

	out, err := apply(t, h, intent)
	require.NoError(t, err)
	assert.Equal(t, []core.CartItem{{ProductID: "milk", Quantity: 2}}, out.Cart.Items)
	require.Len(t, out.Observations, 1)
	assert.Equal(t, core.Prefers, out.Observations[0].Kind)
}

func TestOrder_StateMachine(t *testing.T) {
	h := NewOrder(session.NewInMemoryStore(), func(o *OrderOptions) { o.NewID = func() string { return "order-1" } })

	_, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 1})
	require.NoError(t, err)
	out, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "Milk", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Cart.Quantity("milk"), "adds accumulate")

	_, err = apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "bread", Quantity: 1})
	require.NoError(t, err)
	out, err = apply(t, h, core.OrderIntent{Op: core.OrderUpdate, ProductID: "milk", Quantity: 0})
	require.NoError(t, err)
	assert.False(t, out.Cart.Has("milk"), "update to zero removes")

	_, err = apply(t, h, core.OrderIntent{Op: core.OrderRemove, ProductID: "milk"})
	requireValidation(t, err, "item")

	out, err = apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "eggs", Quantity: 12})
	require.NoError(t, err)
	out, err = apply(t, h, core.OrderIntent{Op: core.OrderConfirm})
	require.NoError(t, err)
	require.NotNil(t, out.Order)
	assert.Equal(t, "order-1", out.Order.ID)
	assert.Equal(t, []core.CartItem{{ProductID: "bread", Quantity: 1}, {ProductID: "eggs", Quantity: 12}}, out.Order.Items)
	assert.True(t, out.Cart.Closed)
	assert.Zero(t, out.Cart.Len())

	kinds := map[core.RelationshipKind]int{}
	for _, o := range out.Observations {
		kinds[o.Kind]++
	}
	assert.Equal(t, 2, kinds[core.RegularlyBuys])
	assert.Equal(t, 2, kinds[core.Reorders])
	assert.Equal(t, 1, kinds[core.BoughtWith])

	_, err = apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 1})
	requireValidation(t, err, "cart")
}

func TestOrder_Validation(t *testing.T) {
	h := NewOrder(session.NewInMemoryStore(), func(o *OrderOptions) { o.MaxQuantity = 10 })

	tests := []struct {
		name   string
		intent core.OrderIntent
		field  string
	}{
		{"unknown op", core.OrderIntent{Op: "steal", ProductID: "milk"}, "op"},
		{"missing item", core.OrderIntent{Op: core.OrderAdd, Quantity: 1}, "item"},
		{"zero add", core.OrderIntent{Op: core.OrderAdd, ProductID: "milk"}, "quantity"},
		{"negative update", core.OrderIntent{Op: core.OrderUpdate, ProductID: "milk", Quantity: -1}, "quantity"},
		{"too many", core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 11}, "quantity"},
		{"update missing line", core.OrderIntent{Op: core.OrderUpdate, ProductID: "milk", Quantity: 2}, "item"},
		{"confirm empty", core.OrderIntent{Op: core.OrderConfirm}, "cart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := apply(t, h, tt.intent)
			requireValidation(t, err, tt.field)
		})
	}

	_, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 6})
	require.NoError(t, err)
	_, err = apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 6})
	requireValidation(t, err, "quantity")
}

func TestOrder_FailedMutationLeavesCartUnchanged(t *testing.T) {
	store := session.NewInMemoryStore()
	h := NewOrder(store)
	_, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 2})
	require.NoError(t, err)

	_, err = apply(t, h, core.OrderIntent{Op: core.OrderRemove, ProductID: "bread"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Apply(ctx, view, core.OrderIntent{Op: core.OrderClear})
	assert.ErrorIs(t, err, context.Canceled)

	sess, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []core.CartItem{{ProductID: "milk", Quantity: 2}}, sess.Cart.Items)
}

func TestOrder_CatalogCheck(t *testing.T) {
	catalog := &testutil.StaticSearch{Products: testutil.Products()}
	h := NewOrder(session.NewInMemoryStore(), func(o *OrderOptions) { o.Catalog = catalog })

	_, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "caviar", Quantity: 1})
	requireValidation(t, err, "item")

	out, err := apply(t, h, core.OrderIntent{Op: core.OrderAdd, ProductID: "coffee", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Cart.Quantity("coffee"))
}

func TestOrder_ConcurrentAddsSum(t *testing.T) {
	store := session.NewInMemoryStore()
	h := NewOrder(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Apply(context.Background(), view, core.OrderIntent{Op: core.OrderAdd, ProductID: "milk", Quantity: 2}); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 40, sess.Cart.Quantity("milk"))
}
