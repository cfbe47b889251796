package core

import "time"

// TurnStateVersion is bumped whenever TurnState gains or changes fields.
const TurnStateVersion = 1

// TurnInput is one user utterance submitted for processing.
type TurnInput struct {
	TurnID         string                  `json:"turn_id,omitempty"`
	UserID         string                  `json:"user_id"`
	SessionID      string                  `json:"session_id"`
	Text           string                  `json:"text"`
	Paralinguistic *ParalinguisticFeatures `json:"paralinguistic,omitempty"`
	SubmittedAt    time.Time               `json:"submitted_at,omitempty"`
}

// Component names a pipeline stage for timings and degradation reporting.
type Component string

const (
	ComponentFetch       Component = "context_fetcher"
	ComponentRoute       Component = "intent_router"
	ComponentSearch      Component = "search"
	ComponentOrder       Component = "order"
	ComponentChat        Component = "chat"
	ComponentPersonalize Component = "personalization"
	ComponentCompile     Component = "compiler"
	ComponentMemory      Component = "memory_store"
	ComponentSession     Component = "session_store"
	ComponentReasoning   Component = "reasoning"
	ComponentSpeech      Component = "speech"
)

// SearchView is the part of the turn state the search handler may read.
type SearchView struct {
	UserID    string
	SessionID string
	Text      string
	Params    RoutingParams
}

// OrderView is the part of the turn state the order handler may read.
type OrderView struct {
	TurnID    string
	UserID    string
	SessionID string
	Text      string
}

// ChatView is the part of the turn state the chat handler may read.
type ChatView struct {
	UserID string
	Text   string
	Recent []TurnRecord
}

// TurnState is the explicit, versioned per-turn state. Input and StartedAt
// are required; every other field is filled by the stage that owns it. It is
// owned by a single turn goroutine and never shared.
type TurnState struct {
	Version   int
	Input     TurnInput
	StartedAt time.Time

	Session  *Session // read-only snapshot taken at turn start
	Memory   MemoryContext
	Decision RoutingDecision

	Results         []Result
	Personalization PersonalizationReport
	Cart            *CartState
	Order           *Order
	ChatText        string
	Rejection       *Rejection

	Timings  map[Component]time.Duration
	Degraded map[Component]string
}

// NewTurnState initializes the required fields.
func NewTurnState(in TurnInput, started time.Time) *TurnState {
	return &TurnState{
		Version:   TurnStateVersion,
		Input:     in,
		StartedAt: started,
		Timings:   map[Component]time.Duration{},
		Degraded:  map[Component]string{},
	}
}

// Record stores the duration of a component.
func (s *TurnState) Record(c Component, d time.Duration) { s.Timings[c] = d }

// MarkDegraded records that c returned a degraded-but-valid result.
func (s *TurnState) MarkDegraded(c Component, reason string) {
	if reason == "" {
		reason = "degraded"
	}
	s.Degraded[c] = reason
}

// SearchView projects the state for the search handler.
func (s *TurnState) SearchView() SearchView {
	return SearchView{UserID: s.Input.UserID, SessionID: s.Input.SessionID, Text: s.Input.Text, Params: s.Decision.Params}
}

// OrderView projects the state for the order handler.
func (s *TurnState) OrderView() OrderView {
	return OrderView{TurnID: s.Input.TurnID, UserID: s.Input.UserID, SessionID: s.Input.SessionID, Text: s.Input.Text}
}

// ChatView projects the state for the chat handler.
func (s *TurnState) ChatView() ChatView {
	v := ChatView{UserID: s.Input.UserID, Text: s.Input.Text}
	if s.Session != nil {
		v.Recent = s.Session.History
	}
	return v
}

// Rejection is the structured, user-visible form of a validation error.
type Rejection struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// DecisionSummary is the routing decision as exposed in turn metadata.
type DecisionSummary struct {
	Handlers         []HandlerName `json:"handlers"`
	Confidence       float64       `json:"confidence"`
	BlendCoefficient float64       `json:"blend_coefficient"`
	Source           RoutingSource `json:"source"`
}

// ExecutionMetadata describes how a turn was produced.
type ExecutionMetadata struct {
	StateVersion    int                         `json:"state_version"`
	Timings         map[Component]time.Duration `json:"timings"`
	Degraded        map[Component]string        `json:"degraded,omitempty"`
	Decision        DecisionSummary             `json:"decision"`
	Personalization PersonalizationReport       `json:"personalization"`
	TotalDuration   time.Duration               `json:"total_duration"`
}

// AnyDegraded reports whether any component degraded.
func (m ExecutionMetadata) AnyDegraded() bool { return len(m.Degraded) > 0 }

// TurnResult is the compiled response of a turn.
type TurnResult struct {
	TurnID       string            `json:"turn_id"`
	SessionID    string            `json:"session_id"`
	ResponseText string            `json:"response_text"`
	Results      []Result          `json:"results,omitempty"`
	Cart         *CartState        `json:"cart,omitempty"`
	Order        *Order            `json:"order,omitempty"`
	Rejection    *Rejection        `json:"rejection,omitempty"`
	Metadata     ExecutionMetadata `json:"metadata"`
}
