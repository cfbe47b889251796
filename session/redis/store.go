// Package redis provides a core.SessionStore on Redis. Sessions are stored
// as JSON under a prefixed key with an idle TTL that is refreshed on every
// write, so Redis itself expires abandoned sessions.
//
// Update uses optimistic WATCH/MULTI transactions. fn may therefore run more
// than once under contention and must only mutate the session it is given.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 16

// Options configures the store.
type Options struct {
	KeyPrefix  string
	IdleTTL    time.Duration
	MaxRetries int
}

// Store implements core.SessionStore on Redis.
type Store struct {
	rdb  *redis.Client
	opts Options
}

// Connect creates a client and validates the connection with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// New wraps an existing client. The caller owns the client.
func New(rdb *redis.Client, optFns ...func(o *Options)) *Store {
	opts := Options{KeyPrefix: "shopmesh:session:", IdleTTL: 2 * time.Hour, MaxRetries: defaultMaxRetries}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{rdb: rdb, opts: opts}
}

func (s *Store) key(sessionID string) string { return s.opts.KeyPrefix + sessionID }

// Get returns the stored session or core.ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	raw, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return decode(raw)
}

// Update applies fn inside a WATCH transaction and retries when another
// writer committed first.
func (s *Store) Update(ctx context.Context, sessionID, userID string, fn func(*core.Session) error) (*core.Session, error) {
	key := s.key(sessionID)
	var committed *core.Session

	txf := func(tx *redis.Tx) error {
		var working *core.Session
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			working = core.NewSession(sessionID, userID)
		case err != nil:
			return err
		default:
			working, err = decode(raw)
			if err != nil {
				return err
			}
			if working.UserID != userID {
				return fmt.Errorf("%w: %s", core.ErrSessionOwner, sessionID)
			}
		}

		if err := fn(working); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		working.Updated = time.Now()
		payload, err := json.Marshal(working)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.opts.IdleTTL)
			return nil
		})
		if err == nil {
			committed = working
		}
		return err
	}

	for i := 0; i < s.opts.MaxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, fmt.Errorf("update session %s: too much contention after %d attempts", sessionID, s.opts.MaxRetries)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.key(sessionID)).Err()
}

// Sweep is a no-op: idle sessions expire through their TTL.
func (s *Store) Sweep(ctx context.Context, idle time.Duration) (int, error) {
	return 0, nil
}

func decode(raw []byte) (*core.Session, error) {
	var sess core.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
