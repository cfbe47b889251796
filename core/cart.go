package core

import "time"

// CartItem is one line of a cart.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CartState is an ordered mapping product id -> quantity. Insertion order is
// preserved; quantities are always positive (a zero quantity removes the line).
// Closed is set once the cart was confirmed into an order.
type CartState struct {
	Items  []CartItem `json:"items"`
	Closed bool       `json:"closed,omitempty"`
}

// Quantity returns the quantity for a product (0 when absent).
func (c *CartState) Quantity(productID string) int {
	if i := c.index(productID); i >= 0 {
		return c.Items[i].Quantity
	}
	return 0
}

// Has reports whether the product is in the cart.
func (c *CartState) Has(productID string) bool { return c.index(productID) >= 0 }

// Set stores qty for the product, appending new lines at the end. A quantity
// <= 0 removes the line.
func (c *CartState) Set(productID string, qty int) {
	i := c.index(productID)
	switch {
	case qty <= 0 && i >= 0:
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	case qty <= 0:
	case i >= 0:
		c.Items[i].Quantity = qty
	default:
		c.Items = append(c.Items, CartItem{ProductID: productID, Quantity: qty})
	}
}

// Remove deletes a line.
func (c *CartState) Remove(productID string) { c.Set(productID, 0) }

// Clear empties the cart.
func (c *CartState) Clear() { c.Items = nil }

// Len returns the number of lines.
func (c *CartState) Len() int { return len(c.Items) }

// Total returns the sum of all quantities.
func (c *CartState) Total() int {
	total := 0
	for _, it := range c.Items {
		total += it.Quantity
	}
	return total
}

// Clone returns a deep copy.
func (c CartState) Clone() CartState {
	out := CartState{Closed: c.Closed}
	if len(c.Items) > 0 {
		out.Items = make([]CartItem, len(c.Items))
		copy(out.Items, c.Items)
	}
	return out
}

func (c *CartState) index(productID string) int {
	for i, it := range c.Items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

// Order is the immutable record produced by confirming a cart.
type Order struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	SessionID   string     `json:"session_id"`
	Items       []CartItem `json:"items"`
	ConfirmedAt time.Time  `json:"confirmed_at"`
}
