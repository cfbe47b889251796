// Package compiler merges the outputs of every handler that ran for a turn
// into one structured TurnResult with a rendered response text and the
// execution metadata. Raw error text never reaches the response; degraded
// paths render static messages.
package compiler

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// Options configures the compiler.
type Options struct {
	// MaxListed bounds the results spelled out in the response text.
	MaxListed int
	Now       func() time.Time
}

// Compiler is the response compiler.
type Compiler struct {
	opts Options
}

// New creates a Compiler.
func New(optFns ...func(o *Options)) *Compiler {
	opts := Options{MaxListed: 5, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Compiler{opts: opts}
}

// Compile renders the final result of a turn.
func (c *Compiler) Compile(state *core.TurnState) core.TurnResult {
	res := core.TurnResult{
		TurnID:    state.Input.TurnID,
		SessionID: state.Input.SessionID,
		Results:   state.Results,
		Rejection: state.Rejection,
		Metadata:  c.metadata(state),
	}
	if state.Cart != nil {
		cart := state.Cart.Clone()
		res.Cart = &cart
	}
	if state.Order != nil {
		o := *state.Order
		o.Items = append([]core.CartItem(nil), state.Order.Items...)
		res.Order = &o
	}

	var parts []string
	if text := c.orderText(state); text != "" {
		parts = append(parts, text)
	}
	if state.Decision.Uses(core.HandlerSearch) {
		parts = append(parts, c.searchText(state))
	}
	if state.Decision.Uses(core.HandlerChat) && state.ChatText != "" {
		parts = append(parts, state.ChatText)
	}
	if len(parts) == 0 {
		parts = append(parts, "How can I help with your shopping today?")
	}
	res.ResponseText = strings.Join(parts, "\n")
	return res
}

func (c *Compiler) metadata(state *core.TurnState) core.ExecutionMetadata {
	md := core.ExecutionMetadata{
		StateVersion: state.Version,
		Timings:      make(map[core.Component]time.Duration, len(state.Timings)),
		Decision: core.DecisionSummary{
			Handlers:         append([]core.HandlerName(nil), state.Decision.Handlers...),
			Confidence:       state.Decision.Confidence,
			BlendCoefficient: state.Decision.Params.BlendCoefficient,
			Source:           state.Decision.Source,
		},
		Personalization: state.Personalization,
		TotalDuration:   c.opts.Now().Sub(state.StartedAt),
	}
	for k, v := range state.Timings {
		md.Timings[k] = v
	}
	if len(state.Degraded) > 0 {
		md.Degraded = make(map[core.Component]string, len(state.Degraded))
		for k, v := range state.Degraded {
			md.Degraded[k] = v
		}
	}
	return md
}

func (c *Compiler) orderText(state *core.TurnState) string {
	if !state.Decision.Uses(core.HandlerOrder) {
		return ""
	}
	switch {
	case state.Rejection != nil:
		return "Sorry, I couldn't do that: " + state.Rejection.Message + "."
	case state.Order != nil:
		return fmt.Sprintf("Your order %s is confirmed: %s.", shortID(state.Order.ID), itemsText(state.Order.Items))
	case state.Cart != nil && state.Cart.Len() == 0:
		return "Your cart is empty."
	case state.Cart != nil:
		return "Your cart: " + itemsText(state.Cart.Items) + "."
	case state.Degraded[core.ComponentOrder] != "":
		return "I couldn't update your cart right now. Please try again."
	default:
		return "I'm not sure what to change in your cart. Try \"add two milk\"."
	}
}

func (c *Compiler) searchText(state *core.TurnState) string {
	var b strings.Builder
	switch {
	case len(state.Results) == 0 && state.Degraded[core.ComponentSearch] != "":
		b.WriteString("Product search is unavailable right now.")
	case len(state.Results) == 0:
		b.WriteString("I couldn't find any matching products.")
	default:
		fmt.Fprintf(&b, "Here %s %d %s:", plural(len(state.Results), "is", "are"), len(state.Results), plural(len(state.Results), "result", "results"))
		for i, r := range state.Results {
			if i >= c.opts.MaxListed {
				fmt.Fprintf(&b, "\n  ...and %d more", len(state.Results)-i)
				break
			}
			b.WriteString("\n  - " + resultLine(r))
		}
	}
	if n := len(state.Personalization.Filtered); n > 0 {
		fmt.Fprintf(&b, "\n(%d %s hidden based on your preferences.)", n, plural(n, "item", "items"))
	}
	return b.String()
}

func resultLine(r core.Result) string {
	name := r.Product.Name
	if name == "" {
		name = r.Product.ID
	}
	line := name
	if r.Product.Price > 0 {
		line += fmt.Sprintf(" (%.2f)", r.Product.Price)
	}
	var notes []string
	if r.Hints.SuggestedQuantity > 1 {
		notes = append(notes, fmt.Sprintf("you usually buy %d", r.Hints.SuggestedQuantity))
	}
	if r.Hints.Reorder {
		notes = append(notes, "time to reorder?")
	}
	if r.Hints.BudgetConscious {
		notes = append(notes, "above your usual budget")
	}
	if len(notes) > 0 {
		line += " [" + strings.Join(notes, "; ") + "]"
	}
	return line
}

func itemsText(items []core.CartItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("%d x %s", it.Quantity, it.ProductID)
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
