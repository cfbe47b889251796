package episode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/shopmesh/core"
)

// ErrDuplicateEpisode is returned when (session, sequence) already exists.
var ErrDuplicateEpisode = errors.New("duplicate episode")

// Validate checks the fields every journal requires.
func Validate(ep core.Episode) error {
	switch {
	case ep.SessionID == "":
		return &core.ValidationError{Field: "session_id", Message: "must not be empty"}
	case ep.Sequence == 0:
		return &core.ValidationError{Field: "sequence", Message: "must be positive"}
	}
	return nil
}

// InMemoryJournal keeps episodes per session in process memory.
type InMemoryJournal struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64]core.Episode
}

// NewInMemoryJournal creates an empty journal.
func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{sessions: make(map[string]map[uint64]core.Episode)}
}

// Append stores ep.
func (j *InMemoryJournal) Append(ctx context.Context, ep core.Episode) error {
	if err := Validate(ep); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	eps, ok := j.sessions[ep.SessionID]
	if !ok {
		eps = make(map[uint64]core.Episode)
		j.sessions[ep.SessionID] = eps
	}
	if _, exists := eps[ep.Sequence]; exists {
		return fmt.Errorf("%w: %s/%d", ErrDuplicateEpisode, ep.SessionID, ep.Sequence)
	}
	eps[ep.Sequence] = clone(ep)
	return nil
}

// List returns the session's episodes ordered by sequence.
func (j *InMemoryJournal) List(ctx context.Context, sessionID string) ([]core.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	eps := j.sessions[sessionID]
	out := make([]core.Episode, 0, len(eps))
	for _, ep := range eps {
		out = append(out, clone(ep))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Sequence < out[b].Sequence })
	return out, nil
}

// Len returns the number of stored episodes.
func (j *InMemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, eps := range j.sessions {
		n += len(eps)
	}
	return n
}

func clone(ep core.Episode) core.Episode {
	c := ep
	c.Entities = append([]core.Entity(nil), ep.Entities...)
	c.Observations = append([]core.Observation(nil), ep.Observations...)
	if ep.Paralinguistic != nil {
		p := *ep.Paralinguistic
		c.Paralinguistic = &p
	}
	return c
}
