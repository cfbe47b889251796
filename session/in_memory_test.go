package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertion)
var _ core.SessionStore = (*InMemoryStore)(nil)

func TestInMemoryStore_LazyCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	sess, err := store.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cart.Quantity("milk"))
}

func TestInMemoryStore_FailedUpdateDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_, err := store.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 1)
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 7)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, "s1")
	assert.Equal(t, 1, got.Cart.Quantity("milk"))
}

func TestInMemoryStore_CancelledUpdateDoesNotCommit(t *testing.T) {
	store := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 3)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestInMemoryStore_FailedFirstUpdateLeavesNoEntry(t *testing.T) {
	store := NewInMemoryStore()
	boom := errors.New("empty cart")

	_, err := store.Update(context.Background(), "s1", "u1", func(*core.Session) error { return boom })
	assert.ErrorIs(t, err, boom)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Update(cancelled, "s2", "u1", func(*core.Session) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	store.mu.Lock()
	assert.Empty(t, store.sessions, "placeholders of uncommitted sessions are dropped")
	store.mu.Unlock()

	_, err = store.Update(context.Background(), "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestInMemoryStore_WaiterSurvivesDiscardedPlaceholder(t *testing.T) {
	store := NewInMemoryStore()
	entered := make(chan struct{})
	proceed := make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := store.Update(context.Background(), "s1", "u1", func(*core.Session) error {
			close(entered)
			<-proceed
			return errors.New("rejected")
		})
		errc <- err
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := store.Update(context.Background(), "s1", "u1", func(s *core.Session) error {
			s.Cart.Set("bread", 2)
			return nil
		})
		done <- err
	}()
	close(proceed)

	require.Error(t, <-errc)
	require.NoError(t, <-done)
	got, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cart.Quantity("bread"))
}

func TestInMemoryStore_RejectsForeignOwner(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_, err := store.Update(ctx, "s1", "u1", func(*core.Session) error { return nil })
	require.NoError(t, err)

	_, err = store.Update(ctx, "s1", "u2", func(*core.Session) error { return nil })
	assert.ErrorIs(t, err, core.ErrSessionOwner)
}

func TestInMemoryStore_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "s1", "u1", func(s *core.Session) error {
				s.Cart.Set("milk", s.Cart.Quantity("milk")+1)
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Cart.Quantity("milk"))
}

func TestInMemoryStore_WaitingWriterHonoursContext(t *testing.T) {
	store := NewInMemoryStore()
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_, _ = store.Update(context.Background(), "s1", "u1", func(*core.Session) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := store.Update(ctx, "s1", "u1", func(*core.Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestInMemoryStore_SweepAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	_, _ = store.Update(ctx, "old", "u1", func(*core.Session) error { return nil })
	clock = clock.Add(3 * time.Hour)
	_, _ = store.Update(ctx, "fresh", "u2", func(*core.Session) error { return nil })

	n, err := store.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(ctx, "fresh"))
	assert.Equal(t, 0, store.Len())
}
