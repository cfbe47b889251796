package core

import (
	"math"
	"time"
)

// HandlerName identifies a domain handler.
type HandlerName string

const (
	HandlerSearch HandlerName = "search"
	HandlerOrder  HandlerName = "order"
	HandlerChat   HandlerName = "chat"
)

// Valid reports whether h is a known handler.
func (h HandlerName) Valid() bool {
	switch h {
	case HandlerSearch, HandlerOrder, HandlerChat:
		return true
	}
	return false
}

// RoutingSource tells whether a decision came from the reasoning service or
// from the deterministic fallback rule.
type RoutingSource string

const (
	SourceModel    RoutingSource = "model"
	SourceFallback RoutingSource = "fallback"
)

// OrderOp is a cart operation.
type OrderOp string

const (
	OrderAdd     OrderOp = "add"
	OrderUpdate  OrderOp = "update"
	OrderRemove  OrderOp = "remove"
	OrderClear   OrderOp = "clear"
	OrderConfirm OrderOp = "confirm"
)

// Valid reports whether op is a known cart operation.
func (op OrderOp) Valid() bool {
	switch op {
	case OrderAdd, OrderUpdate, OrderRemove, OrderClear, OrderConfirm:
		return true
	}
	return false
}

// OrderIntent is a structured cart request extracted from a turn.
type OrderIntent struct {
	Op        OrderOp `json:"op"`
	ProductID string  `json:"item,omitempty"`
	Quantity  int     `json:"quantity,omitempty"`
}

// RoutingParams carries handler parameters derived for a turn. All numeric
// values are normalized: BlendCoefficient in [0,1] (0 = keyword, 1 =
// semantic) and ResultLimit >= 1.
type RoutingParams struct {
	BlendCoefficient float64 `json:"blend_coefficient"`
	ResultLimit      int     `json:"result_limit"`
}

// RoutingDecision is the router's output for one turn. It is not persisted
// except in logs.
type RoutingDecision struct {
	Handlers     []HandlerName `json:"handlers"`
	Confidence   float64       `json:"confidence"`
	Params       RoutingParams `json:"params"`
	Source       RoutingSource `json:"source"`
	Order        *OrderIntent  `json:"order,omitempty"`
	Observations []Observation `json:"observations,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Handler returns the primary handler.
func (d RoutingDecision) Handler() HandlerName {
	if len(d.Handlers) == 0 {
		return HandlerSearch
	}
	return d.Handlers[0]
}

// Uses reports whether h is among the selected handlers.
func (d RoutingDecision) Uses(h HandlerName) bool {
	for _, x := range d.Handlers {
		if x == h {
			return true
		}
	}
	return false
}

// ParalinguisticFeatures are normalized delivery features of a spoken turn.
// A nil pointer means the feature is absent.
type ParalinguisticFeatures struct {
	Pace     *float64 `json:"pace,omitempty"`
	Urgency  *float64 `json:"urgency,omitempty"`
	Emphasis *float64 `json:"emphasis,omitempty"`
	Tone     string   `json:"tone,omitempty"`
}

// Feature returns a pointer to v for building ParalinguisticFeatures.
func Feature(v float64) *float64 { return &v }

// Sanitized returns a copy without non-finite features, or nil when nothing
// is left. The receiver is not modified.
func (p *ParalinguisticFeatures) Sanitized() *ParalinguisticFeatures {
	if p == nil {
		return nil
	}
	keep := func(v *float64) *float64 {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return nil
		}
		return Feature(*v)
	}
	out := &ParalinguisticFeatures{Pace: keep(p.Pace), Urgency: keep(p.Urgency), Emphasis: keep(p.Emphasis), Tone: p.Tone}
	if out.Empty() {
		return nil
	}
	return out
}

// Empty reports whether no feature is present.
func (p *ParalinguisticFeatures) Empty() bool {
	return p == nil || (p.Pace == nil && p.Urgency == nil && p.Emphasis == nil && p.Tone == "")
}
