package core

import (
	"math"
	"strconv"
	"time"
)

// RelationshipKind is the typed label of a graph edge.
type RelationshipKind string

const (
	// Prefers marks a positive affinity towards a product, category or brand.
	Prefers RelationshipKind = "PREFERS"
	// Avoids marks a negative affinity. Above the avoid threshold the target
	// is filtered from results.
	Avoids RelationshipKind = "AVOIDS"
	// BoughtWith links two products purchased together.
	BoughtWith RelationshipKind = "BOUGHT_WITH"
	// RegularlyBuys marks a recurring purchase; carries a typical quantity.
	RegularlyBuys RelationshipKind = "REGULARLY_BUYS"
	// Reorders marks a product the user reorders on a cycle.
	Reorders RelationshipKind = "REORDERS"
	// PriceSensitive marks budget awareness for a category (or globally).
	PriceSensitive RelationshipKind = "PRICE_SENSITIVE"
)

// AllRelationshipKinds lists every known kind in a stable order.
var AllRelationshipKinds = []RelationshipKind{Prefers, Avoids, BoughtWith, RegularlyBuys, Reorders, PriceSensitive}

// Valid reports whether k is a known relationship kind.
func (k RelationshipKind) Valid() bool {
	for _, known := range AllRelationshipKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Well-known relationship metadata keys.
const (
	MetaQuantity  = "quantity"
	MetaCycleDays = "cycle_days"
	MetaBudget    = "budget"
)

// GlobalTarget is the target id used for edges that apply to every item,
// e.g. a PRICE_SENSITIVE edge without a specific category.
const GlobalTarget = "*"

// EdgeKey identifies a relationship: at most one edge exists per key.
// Targets are typed, so a product and a category sharing an id are distinct.
type EdgeKey struct {
	SourceID   string
	Kind       RelationshipKind
	TargetType EntityType
	TargetID   string
}

// String renders the key as "source-[KIND]->type:target", or
// "source-[KIND]->target" for an untyped target.
func (k EdgeKey) String() string {
	target := k.TargetID
	if k.TargetType != "" {
		target = Entity{Type: k.TargetType, ID: k.TargetID}.Key()
	}
	return k.SourceID + "-[" + string(k.Kind) + "]->" + target
}

// Relationship is a directed, typed, confidence-weighted edge between two
// entities. Confidence is only changed through the memory confidence rules.
type Relationship struct {
	SourceID         string            `json:"source_id"`
	Kind             RelationshipKind  `json:"kind"`
	TargetID         string            `json:"target_id"`
	TargetType       EntityType        `json:"target_type"`
	Confidence       float64           `json:"confidence"`
	ObservationCount int               `json:"observation_count"`
	LastObservedAt   time.Time         `json:"last_observed_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Key returns the edge identity.
func (r Relationship) Key() EdgeKey {
	return EdgeKey{SourceID: r.SourceID, Kind: r.Kind, TargetType: r.TargetType, TargetID: r.TargetID}
}

// Clone returns a copy with an independent metadata map.
func (r Relationship) Clone() Relationship {
	c := r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// MetaFloat parses a numeric metadata value.
func (r Relationship) MetaFloat(key string) (float64, bool) {
	raw, ok := r.Metadata[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Observation is a single relationship signal extracted from one turn. It is
// not an edge: the warehouse aggregates observations and the synchronizer
// turns aggregates into edges. SourceID defaults to the episode's user.
type Observation struct {
	SourceID   string           `json:"source_id,omitempty"`
	Kind       RelationshipKind `json:"kind"`
	TargetID   string           `json:"target_id"`
	TargetType EntityType       `json:"target_type"`
	Quantity   int              `json:"quantity,omitempty"`
	Budget     float64          `json:"budget,omitempty"`
}

// ClampUnit restricts v to [0,1]. NaN maps to 0.
func ClampUnit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
