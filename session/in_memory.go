package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// entry couples a committed session with its single-writer lock. The lock is
// a one-slot channel so waiting writers can give up when their context ends.
type entry struct {
	lock    chan struct{}
	session *core.Session
}

func newEntry(s *core.Session) *entry {
	return &entry{lock: make(chan struct{}, 1), session: s}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.lock }

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// InMemoryStore is a volatile SessionStore storing sessions in a process
// local map. It is safe for concurrent access and best suited for tests or
// single-node deployments. Each returned session is cloned to prevent
// external mutation of internal state.
//
// Update serializes writers per session: fn sees a private copy and the copy
// replaces the committed session only when fn succeeds and ctx is still live.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*entry), now: time.Now}
}

// Get returns a clone of an existing session.
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.session == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return e.session.Clone(), nil
}

// Update applies fn to the session, creating it lazily for userID. A session
// owned by another user is rejected with core.ErrSessionOwner.
func (s *InMemoryStore) Update(ctx context.Context, sessionID, userID string, fn func(*core.Session) error) (*core.Session, error) {
	e, err := s.lockEntry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.discardIfEmpty(sessionID, e)
		e.release()
	}()

	s.mu.Lock()
	current := e.session
	s.mu.Unlock()

	var working *core.Session
	if current == nil {
		working = core.NewSession(sessionID, userID)
	} else {
		if current.UserID != userID {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionOwner, sessionID)
		}
		working = current.Clone()
	}

	if err := fn(working); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	working.Updated = s.now()

	s.mu.Lock()
	e.session = working
	s.mu.Unlock()
	return working.Clone(), nil
}

// Delete removes a session. Deleting an unknown session is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Sweep removes sessions idle for longer than idle and returns how many were
// removed. Sessions with a writer in flight are skipped.
func (s *InMemoryStore) Sweep(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.session == nil || !e.session.Updated.Before(cutoff) {
			continue
		}
		select {
		case e.lock <- struct{}{}:
			delete(s.sessions, id)
			removed++
			<-e.lock
		default:
		}
	}
	return removed, nil
}

// Len returns the number of live sessions.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sessions {
		if e.session != nil {
			n++
		}
	}
	return n
}

// lockEntry acquires the writer lock of the session entry, retrying when a
// concurrent Sweep or Delete detached the entry while we waited.
func (s *InMemoryStore) lockEntry(ctx context.Context, sessionID string) (*entry, error) {
	for {
		e := s.entryFor(sessionID)
		if err := e.acquire(ctx); err != nil {
			if e.tryAcquire() {
				s.discardIfEmpty(sessionID, e)
				e.release()
			}
			return nil, err
		}
		s.mu.Lock()
		live := s.sessions[sessionID] == e
		s.mu.Unlock()
		if live {
			return e, nil
		}
		e.release()
	}
}

// discardIfEmpty drops a placeholder entry whose first update never
// committed. The caller holds the entry's lock.
func (s *InMemoryStore) discardIfEmpty(sessionID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.session == nil && s.sessions[sessionID] == e {
		delete(s.sessions, sessionID)
	}
}

func (s *InMemoryStore) entryFor(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		e = newEntry(nil)
		s.sessions[sessionID] = e
	}
	return e
}
