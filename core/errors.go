package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTurn is returned for turns missing a user, session or text.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrTurnCancelled is returned when the caller cancelled a turn.
	ErrTurnCancelled = errors.New("turn cancelled")
	// ErrTurnNotFound is returned when cancelling an unknown turn.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrSessionNotFound is returned by SessionStore.Get for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionOwner is returned when a session is used by another user.
	ErrSessionOwner = errors.New("session belongs to another user")
)

// TimeoutError reports an external call that exceeded its deadline. It is
// always absorbed by the calling component.
type TimeoutError struct {
	Component Component
	Deadline  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: deadline of %s exceeded", e.Component, e.Deadline)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// ProviderError reports a collaborator failure or malformed response.
type ProviderError struct {
	Component Component
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error: %v", e.Component, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError reports invalid user input to a state mutation. It is the
// only error class surfaced to the end user, as a Rejection.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Rejection converts the error into its user-visible form.
func (e *ValidationError) Rejection() *Rejection {
	return &Rejection{Code: "invalid_request", Field: e.Field, Message: e.Message}
}

// ConsistencyError reports a synchronizer pattern that would downgrade a
// newer, higher-confidence edge. The pattern is discarded and logged.
type ConsistencyError struct {
	Edge     EdgeKey
	Existing float64
	Incoming float64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency conflict on %s: existing %.3f >= incoming %.3f", e.Edge, e.Existing, e.Incoming)
}

// Classify maps a raw collaborator error into the taxonomy. Errors already
// classified pass through unchanged.
func Classify(c Component, deadline time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var (
		te *TimeoutError
		pe *ProviderError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &pe), errors.As(err, &ve):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Component: c, Deadline: deadline}
	default:
		return &ProviderError{Component: c, Err: err}
	}
}

// Degradation returns the short reason recorded in ExecutionMetadata.
func Degradation(err error) string {
	var (
		te *TimeoutError
		pe *ProviderError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &pe):
		return "provider_error"
	default:
		return "error"
	}
}
