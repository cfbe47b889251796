package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.SessionStore = (*Store)(nil)

// setupStore connects to SHOPMESH_TEST_REDIS_ADDR or skips.
func setupStore(t *testing.T) *Store {
	addr := os.Getenv("SHOPMESH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHOPMESH_TEST_REDIS_ADDR not set")
	}
	rdb, err := Connect(context.Background(), addr, "", 0)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, func(o *Options) {
		o.KeyPrefix = "shopmesh:test:" + t.Name() + ":"
		o.IdleTTL = time.Minute
	})
}

func TestStore_UpdateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	defer store.Delete(ctx, "s1")

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = store.Update(ctx, "s1", "u1", func(s *core.Session) error {
		s.Cart.Set("milk", 2)
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cart.Quantity("milk"))

	_, err = store.Update(ctx, "s1", "u2", func(*core.Session) error { return nil })
	assert.ErrorIs(t, err, core.ErrSessionOwner)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	defer store.Delete(ctx, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "s1", "u1", func(s *core.Session) error {
				s.Cart.Set("milk", s.Cart.Quantity("milk")+1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Cart.Quantity("milk"))
}
