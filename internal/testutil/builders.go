package testutil

import (
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// RelationshipBuilder provides a fluent helper for constructing edges.
// Example:
//
//	edge := NewRelationship("u1", core.Avoids, "dairy").Category().Confidence(0.9).Build()
type RelationshipBuilder struct {
	rel core.Relationship
}

// NewRelationship starts an edge with one observation at the current time.
func NewRelationship(source string, kind core.RelationshipKind, target string) *RelationshipBuilder {
	return &RelationshipBuilder{rel: core.Relationship{
		SourceID:         source,
		Kind:             kind,
		TargetID:         target,
		TargetType:       core.EntityProduct,
		Confidence:       0.5,
		ObservationCount: 1,
		LastObservedAt:   time.Now(),
	}}
}

// Category marks the target as a category (chainable).
func (b *RelationshipBuilder) Category() *RelationshipBuilder {
	b.rel.TargetType = core.EntityCategory
	return b
}

// Brand marks the target as a brand (chainable).
func (b *RelationshipBuilder) Brand() *RelationshipBuilder {
	b.rel.TargetType = core.EntityBrand
	return b
}

// Confidence sets the confidence (chainable).
func (b *RelationshipBuilder) Confidence(c float64) *RelationshipBuilder {
	b.rel.Confidence = c
	return b
}

// Observed sets the observation time (chainable).
func (b *RelationshipBuilder) Observed(at time.Time) *RelationshipBuilder {
	b.rel.LastObservedAt = at
	return b
}

// Meta adds a metadata entry (chainable).
func (b *RelationshipBuilder) Meta(key, val string) *RelationshipBuilder {
	if b.rel.Metadata == nil {
		b.rel.Metadata = map[string]string{}
	}
	b.rel.Metadata[key] = val
	return b
}

// Build returns the edge.
func (b *RelationshipBuilder) Build() core.Relationship { return b.rel.Clone() }

// MemoryContext assembles a non-degraded context from edges.
func MemoryContext(userID string, edges ...core.Relationship) core.MemoryContext {
	return core.MemoryContext{UserID: userID, Relationships: edges}
}

// TurnBuilder helps construct turn inputs.
type TurnBuilder struct {
	in core.TurnInput
}

// NewTurn creates a turn for user u1 in session s1 with the given text.
func NewTurn(text string) *TurnBuilder {
	return &TurnBuilder{in: core.TurnInput{UserID: "u1", SessionID: "s1", Text: text}}
}

// ID sets the turn id (chainable).
func (b *TurnBuilder) ID(id string) *TurnBuilder { b.in.TurnID = id; return b }

// User sets the user id (chainable).
func (b *TurnBuilder) User(id string) *TurnBuilder { b.in.UserID = id; return b }

// Session sets the session id (chainable).
func (b *TurnBuilder) Session(id string) *TurnBuilder { b.in.SessionID = id; return b }

// Pace sets the pace feature (chainable).
func (b *TurnBuilder) Pace(v float64) *TurnBuilder { b.features().Pace = core.Feature(v); return b }

// Urgency sets the urgency feature (chainable).
func (b *TurnBuilder) Urgency(v float64) *TurnBuilder {
	b.features().Urgency = core.Feature(v)
	return b
}

// Emphasis sets the emphasis feature (chainable).
func (b *TurnBuilder) Emphasis(v float64) *TurnBuilder {
	b.features().Emphasis = core.Feature(v)
	return b
}

func (b *TurnBuilder) features() *core.ParalinguisticFeatures {
	if b.in.Paralinguistic == nil {
		b.in.Paralinguistic = &core.ParalinguisticFeatures{}
	}
	return b.in.Paralinguistic
}

// Build returns the turn input.
func (b *TurnBuilder) Build() core.TurnInput { return b.in }

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("s1", "u1").Item("milk", 2).Touched("bread").Build()
type SessionBuilder struct {
	sess *core.Session
}

// NewSessionBuilder creates a builder for a session owned by userID.
func NewSessionBuilder(id, userID string) *SessionBuilder {
	return &SessionBuilder{sess: core.NewSession(id, userID)}
}

// Item puts a cart line (chainable).
func (b *SessionBuilder) Item(productID string, qty int) *SessionBuilder {
	b.sess.Cart.Set(productID, qty)
	return b
}

// Touched records a past turn that touched the given products (chainable).
func (b *SessionBuilder) Touched(productIDs ...string) *SessionBuilder {
	b.sess.RecordTurn(core.TurnRecord{Handler: core.HandlerSearch, ProductIDs: productIDs, At: time.Now()}, 0)
	return b
}

// Build returns the session.
func (b *SessionBuilder) Build() *core.Session { return b.sess.Clone() }
