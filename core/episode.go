package core

import "time"

// Episode is the immutable record of one interaction. Episodes are keyed by
// (SessionID, Sequence) and only ever appended.
type Episode struct {
	ID             string                  `json:"id"`
	UserID         string                  `json:"user_id"`
	SessionID      string                  `json:"session_id"`
	Sequence       uint64                  `json:"sequence"`
	TurnID         string                  `json:"turn_id"`
	Utterance      string                  `json:"utterance"`
	Handler        HandlerName             `json:"handler"`
	Entities       []Entity                `json:"entities,omitempty"`
	Observations   []Observation           `json:"observations,omitempty"`
	Paralinguistic *ParalinguisticFeatures `json:"paralinguistic,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// PatternStatus tracks a synchronizer candidate through its lifecycle.
type PatternStatus string

const (
	PatternProposed  PatternStatus = "proposed"
	PatternApplied   PatternStatus = "applied"
	PatternDiscarded PatternStatus = "discarded"
)

// Pattern is a candidate relationship mutation produced by the pattern
// synchronizer. It is applied only when its quality score exceeds the
// configured threshold.
type Pattern struct {
	Edge         Relationship  `json:"edge"`
	QualityScore float64       `json:"quality_score"`
	Status       PatternStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
}

// Window bounds a warehouse aggregation. Observations after Now or older
// than Now-MaxAge are ignored (MaxAge 0 means no lower bound). Groups whose
// first observation is newer than Now-MinAge are not yet stable and are
// left out.
type Window struct {
	Now    time.Time
	MinAge time.Duration
	MaxAge time.Duration
}

// Signal is one warehouse aggregate grouped by (user, kind, target).
type Signal struct {
	UserID             string           `json:"user_id"`
	Kind               RelationshipKind `json:"kind"`
	TargetID           string           `json:"target_id"`
	TargetType         EntityType       `json:"target_type"`
	Count              int              `json:"count"`
	ActiveDays         int              `json:"active_days"`
	FirstSeen          time.Time        `json:"first_seen"`
	LastSeen           time.Time        `json:"last_seen"`
	AvgQuantity        float64          `json:"avg_quantity"`
	MinBudget          float64          `json:"min_budget"`
	MeanIntervalDays   float64          `json:"mean_interval_days"`
	IntervalStdDevDays float64          `json:"interval_stddev_days"`
}
