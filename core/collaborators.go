package core

import (
	"context"
	"time"
)

// CompletionRequest is a single prompt for the reasoning service. The
// deadline travels on the context; Deadline mirrors it for adapters that
// need an explicit budget.
type CompletionRequest struct {
	Instructions string
	Prompt       string
	MaxTokens    int
	Deadline     time.Time
}

// ReasoningService is the external LLM used for routing and chat.
type ReasoningService interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// SearchService is the external product search. blend is the keyword (0)
// to semantic (1) coefficient.
type SearchService interface {
	Query(ctx context.Context, text string, blend float64, limit int) ([]ProductRef, error)
}

// Catalog resolves product ids. Search services may implement it.
type Catalog interface {
	Lookup(ctx context.Context, productID string) (ProductRef, bool, error)
}

// SpeechService converts between audio and text at the turn boundary.
type SpeechService interface {
	SpeechToText(ctx context.Context, audio []byte) (string, *ParalinguisticFeatures, error)
	TextToSpeech(ctx context.Context, text string) ([]byte, error)
}

// MemoryStore is the typed interface over the relationship graph. Upserts
// are edge-level: concurrent upserts of different edges never interfere and
// concurrent upserts of the same edge are merged through the confidence
// rules.
type MemoryStore interface {
	GetRelationships(ctx context.Context, entityID string, kinds ...RelationshipKind) ([]Relationship, error)
	UpsertRelationship(ctx context.Context, edge Relationship, confidenceDelta float64) error
}

// AnalyticsWarehouse receives episodes from the request path (write-only,
// fire-and-forget) and serves aggregates to the synchronizer (read-only).
type AnalyticsWarehouse interface {
	EmitEvent(ep Episode)
	QueryAggregates(ctx context.Context, w Window) ([]Signal, error)
}

// EpisodeJournal is the append-only episode log keyed by (session, sequence).
type EpisodeJournal interface {
	Append(ctx context.Context, ep Episode) error
	List(ctx context.Context, sessionID string) ([]Episode, error)
}
