package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
)

// OrderOptions configures the order handler.
type OrderOptions struct {
	// MaxQuantity caps the quantity of a single cart line.
	MaxQuantity int
	// Catalog, when set, is consulted before an item is added.
	Catalog         core.Catalog
	CatalogDeadline time.Duration
	// MaxPairs bounds the BOUGHT_WITH observations emitted per order.
	MaxPairs int
	NewID    func() string
	Now      func() time.Time
	Logger   logging.Logger
}

// OrderOutcome is the committed result of a cart operation. Cart is a copy
// of the committed cart; Order is set only when the operation confirmed it.
type OrderOutcome struct {
	Intent       core.OrderIntent
	Cart         core.CartState
	Order        *core.Order
	Observations []core.Observation
}

// Order applies cart operations as a small state machine over the
// session's CartState. All mutations go through SessionStore.Update, so a
// session has a single writer and a failed or cancelled operation leaves the
// committed cart untouched.
//
//	open --add/update/remove/clear--> open
//	open --confirm (non-empty)--> closed (terminal)
//
// Validation happens twice. The intent itself (operation, item, quantity
// bounds) is checked before the store is touched. Cart-dependent rules, such
// as removing an item that is not in the cart or exceeding MaxQuantity after
// an add, are checked inside the Update callback against the committed cart,
// so two concurrent adds of the same item are summed and re-validated.
//
// When a Catalog is configured, adds are checked against it within
// CatalogDeadline. An unknown item is a validation error; an unreachable
// catalog is a degraded order component and the cart is left unchanged.
//
// A successful operation returns the observations it produced (additions,
// purchases and co-purchased pairs up to MaxPairs) for the episode.
type Order struct {
	sessions core.SessionStore
	opts     OrderOptions
}

// NewOrder creates the order handler.
func NewOrder(sessions core.SessionStore, optFns ...func(o *OrderOptions)) *Order {
	opts := OrderOptions{
		MaxQuantity:     99,
		CatalogDeadline: 200 * time.Millisecond,
		MaxPairs:        10,
		NewID:           uuid.NewString,
		Now:             time.Now,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
	return &Order{sessions: sessions, opts: opts}
}

// Apply validates and commits intent. Invalid requests return a
// *core.ValidationError and are never retried; store or catalog failures
// are classified as provider errors or timeouts.
func (h *Order) Apply(ctx context.Context, view core.OrderView, intent core.OrderIntent) (OrderOutcome, error) {
	intent.ProductID = NormalizeProductID(intent.ProductID)
	if err := h.validate(intent); err != nil {
		return OrderOutcome{}, err
	}
	if intent.Op == core.OrderAdd {
		if err := h.checkCatalog(ctx, intent.ProductID); err != nil {
			return OrderOutcome{}, err
		}
	}

	var out OrderOutcome
	sess, err := h.sessions.Update(ctx, view.SessionID, view.UserID, func(s *core.Session) error {
		out = OrderOutcome{Intent: intent}
		return h.mutate(s, view, intent, &out)
	})
	if err != nil {
		return OrderOutcome{}, err
	}
	out.Cart = sess.Cart.Clone()
	if sess.Order != nil && intent.Op == core.OrderConfirm {
		o := *sess.Order
		out.Order = &o
	}
	h.opts.Logger.Debug("cart updated", "session_id", view.SessionID, "op", intent.Op, "item", intent.ProductID, "lines", out.Cart.Len())
	return out, nil
}

func (h *Order) validate(intent core.OrderIntent) error {
	if !intent.Op.Valid() {
		return &core.ValidationError{Field: "op", Value: intent.Op, Message: "unknown cart operation"}
	}
	switch intent.Op {
	case core.OrderAdd, core.OrderUpdate, core.OrderRemove:
		if intent.ProductID == "" {
			return &core.ValidationError{Field: "item", Message: "an item is required"}
		}
	}
	switch intent.Op {
	case core.OrderAdd:
		if intent.Quantity < 1 {
			return &core.ValidationError{Field: "quantity", Value: intent.Quantity, Message: "quantity must be at least 1"}
		}
	case core.OrderUpdate:
		if intent.Quantity < 0 {
			return &core.ValidationError{Field: "quantity", Value: intent.Quantity, Message: "quantity must not be negative"}
		}
	}
	if intent.Quantity > h.opts.MaxQuantity {
		return &core.ValidationError{Field: "quantity", Value: intent.Quantity, Message: fmt.Sprintf("quantity must not exceed %d", h.opts.MaxQuantity)}
	}
	return nil
}

func (h *Order) checkCatalog(ctx context.Context, productID string) error {
	if h.opts.Catalog == nil {
		return nil
	}
	found, err := util.CallWithDeadline(ctx, h.opts.CatalogDeadline, func(ctx context.Context) (bool, error) {
		_, ok, err := h.opts.Catalog.Lookup(ctx, productID)
		return ok, err
	})
	if err != nil {
		return core.Classify(core.ComponentOrder, h.opts.CatalogDeadline, err)
	}
	if !found {
		return &core.ValidationError{Field: "item", Value: productID, Message: "item is not in the catalog"}
	}
	return nil
}

func (h *Order) mutate(s *core.Session, view core.OrderView, intent core.OrderIntent, out *OrderOutcome) error {
	if s.Cart.Closed {
		return &core.ValidationError{Field: "cart", Message: "this order was already confirmed; start a new session to shop again"}
	}
	cart := &s.Cart
	switch intent.Op {
	case core.OrderAdd:
		qty := cart.Quantity(intent.ProductID) + intent.Quantity
		if qty > h.opts.MaxQuantity {
			return &core.ValidationError{Field: "quantity", Value: qty, Message: fmt.Sprintf("quantity must not exceed %d", h.opts.MaxQuantity)}
		}
		cart.Set(intent.ProductID, qty)
		out.Observations = append(out.Observations, core.Observation{
			Kind: core.Prefers, TargetID: intent.ProductID, TargetType: core.EntityProduct, Quantity: intent.Quantity,
		})
	case core.OrderUpdate:
		if !cart.Has(intent.ProductID) {
			return &core.ValidationError{Field: "item", Value: intent.ProductID, Message: "item is not in the cart"}
		}
		cart.Set(intent.ProductID, intent.Quantity)
	case core.OrderRemove:
		if !cart.Has(intent.ProductID) {
			return &core.ValidationError{Field: "item", Value: intent.ProductID, Message: "item is not in the cart"}
		}
		cart.Remove(intent.ProductID)
	case core.OrderClear:
		cart.Clear()
	case core.OrderConfirm:
		if cart.Len() == 0 {
			return &core.ValidationError{Field: "cart", Message: "cannot confirm an empty cart"}
		}
		order := &core.Order{
			ID:          h.opts.NewID(),
			UserID:      s.UserID,
			SessionID:   s.ID,
			Items:       append([]core.CartItem(nil), cart.Items...),
			ConfirmedAt: h.opts.Now(),
		}
		out.Observations = append(out.Observations, h.purchaseObservations(order.Items)...)
		s.Order = order
		cart.Clear()
		cart.Closed = true
	}
	return nil
}

// purchaseObservations records recurring-purchase signals for every line and
// co-purchase signals between lines.
func (h *Order) purchaseObservations(items []core.CartItem) []core.Observation {
	obs := make([]core.Observation, 0, 2*len(items))
	for _, it := range items {
		obs = append(obs,
			core.Observation{Kind: core.RegularlyBuys, TargetID: it.ProductID, TargetType: core.EntityProduct, Quantity: it.Quantity},
			core.Observation{Kind: core.Reorders, TargetID: it.ProductID, TargetType: core.EntityProduct, Quantity: it.Quantity},
		)
	}
	pairs := 0
	for i := 0; i < len(items) && pairs < h.opts.MaxPairs; i++ {
		for j := i + 1; j < len(items) && pairs < h.opts.MaxPairs; j++ {
			obs = append(obs, core.Observation{
				SourceID: items[i].ProductID, Kind: core.BoughtWith,
				TargetID: items[j].ProductID, TargetType: core.EntityProduct,
			})
			pairs++
		}
	}
	return obs
}
