package core

import (
	"context"
	"time"
)

// TurnRecord is a compact entry of the session's recent turn history.
type TurnRecord struct {
	TurnID     string      `json:"turn_id"`
	Sequence   uint64      `json:"sequence"`
	Text       string      `json:"text"`
	Handler    HandlerName `json:"handler"`
	ProductIDs []string    `json:"product_ids,omitempty"`
	At         time.Time   `json:"at"`
}

// Session is the conversational container of one shopper: it owns the cart,
// the confirmed order (if any) and a bounded recent history. Sessions are
// created lazily on the first turn and garbage-collected after inactivity.
//
// Contract:
//   - Mutations happen only through SessionStore.Update (single writer)
//   - Clone performs deep copies of slices for safe divergence
//   - Sequence increases by one for every recorded turn
type Session struct {
	ID       string       `json:"id"`
	UserID   string       `json:"user_id"`
	Cart     CartState    `json:"cart"`
	Order    *Order       `json:"order,omitempty"`
	History  []TurnRecord `json:"history,omitempty"`
	Sequence uint64       `json:"sequence"`
	Created  time.Time    `json:"created"`
	Updated  time.Time    `json:"updated"`
}

// NewSession creates a new empty session.
func NewSession(id, userID string) *Session {
	now := time.Now()
	return &Session{ID: id, UserID: userID, Created: now, Updated: now}
}

// RecordTurn appends a history entry keeping at most max records and bumps
// the sequence. It returns the sequence assigned to the turn.
func (s *Session) RecordTurn(rec TurnRecord, max int) uint64 {
	s.Sequence++
	rec.Sequence = s.Sequence
	s.History = append(s.History, rec)
	if max > 0 && len(s.History) > max {
		s.History = append([]TurnRecord(nil), s.History[len(s.History)-max:]...)
	}
	s.Updated = time.Now()
	return s.Sequence
}

// RecentProducts returns product ids touched in the recent history, newest
// first and de-duplicated.
func (s *Session) RecentProducts() []string {
	seen := map[string]bool{}
	var out []string
	for i := len(s.History) - 1; i >= 0; i-- {
		for _, id := range s.History[i].ProductIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Cart = s.Cart.Clone()
	if s.Order != nil {
		o := *s.Order
		o.Items = append([]CartItem(nil), s.Order.Items...)
		clone.Order = &o
	}
	if len(s.History) > 0 {
		clone.History = make([]TurnRecord, len(s.History))
		for i, rec := range s.History {
			rec.ProductIDs = append([]string(nil), rec.ProductIDs...)
			clone.History[i] = rec
		}
	}
	return &clone
}

// SessionStore persists sessions. Update is the only mutation path: fn runs
// on a private copy while the store holds the session's single-writer lock
// and the copy is committed only when fn returns nil and ctx is still live.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, sessionID, userID string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	Sweep(ctx context.Context, idle time.Duration) (int, error)
}
