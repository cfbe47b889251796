package engine

import (
	"context"
	"sync"
)

// sequencer admits the turns of one session strictly in arrival order while
// turns of different sessions proceed independently.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail chan struct{} // closed when the most recently admitted turn finishes
	n    int           // admitted turns that have not finished
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

// acquire blocks until every earlier turn of key has finished. The returned
// func must be called exactly once when the turn is done. If ctx ends while
// waiting, the turn gives up its place without letting later turns overtake
// the ones still ahead of it.
func (s *sequencer) acquire(ctx context.Context, key string) (func(), error) {
	done := make(chan struct{})

	s.mu.Lock()
	l := s.lanes[key]
	if l == nil {
		l = &lane{}
		s.lanes[key] = l
	}
	prev := l.tail
	l.tail = done
	l.n++
	s.mu.Unlock()

	finish := func() {
		s.mu.Lock()
		l.n--
		if l.n == 0 {
			delete(s.lanes, key)
		}
		s.mu.Unlock()
		close(done)
	}

	if prev == nil {
		return finish, nil
	}
	select {
	case <-prev:
		return finish, nil
	case <-ctx.Done():
		go func() {
			<-prev
			finish()
		}()
		return nil, ctx.Err()
	}
}

// active returns the number of sessions with admitted turns.
func (s *sequencer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
