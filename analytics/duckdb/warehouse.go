// Package duckdb provides an analytics warehouse backed by DuckDB.
//
// EmitEvent only enqueues: a single writer goroutine drains a bounded queue
// and inserts records in one transaction per episode. When the queue is
// full the episode is dropped and counted, so the request path never waits
// on the warehouse.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/hupe1980/shopmesh/analytics"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("warehouse closed")

const schema = `CREATE TABLE IF NOT EXISTS signals (
	episode_id  VARCHAR,
	session_id  VARCHAR,
	user_id     VARCHAR NOT NULL,
	kind        VARCHAR NOT NULL,
	target_id   VARCHAR NOT NULL,
	target_type VARCHAR NOT NULL,
	observed_at TIMESTAMP NOT NULL,
	quantity    INTEGER,
	budget      DOUBLE
)`

const insertSignal = `INSERT INTO signals
	(episode_id, session_id, user_id, kind, target_id, target_type, observed_at, quantity, budget)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const aggregateSignals = `WITH w AS (
	SELECT user_id, kind, target_id, target_type, observed_at, quantity, budget,
		date_diff('second',
			lag(observed_at) OVER (PARTITION BY user_id, kind, target_id ORDER BY observed_at),
			observed_at) / 86400.0 AS gap_days
	FROM signals
	WHERE observed_at <= ? AND observed_at >= ?
)
SELECT user_id, kind, target_id,
	arg_max(target_type, observed_at),
	count(*),
	count(DISTINCT CAST(observed_at AS DATE)),
	min(observed_at),
	max(observed_at),
	coalesce(avg(quantity) FILTER (WHERE quantity > 0), 0),
	coalesce(min(budget) FILTER (WHERE budget > 0), 0),
	coalesce(avg(gap_days), 0),
	coalesce(stddev_pop(gap_days), 0)
FROM w
GROUP BY user_id, kind, target_id
HAVING min(observed_at) <= ?
ORDER BY user_id, kind, target_id`

// Options configures the warehouse.
type Options struct {
	QueueSize int
	Logger    logging.Logger
}

type item struct {
	records []analytics.Record
	flushed chan struct{}
}

// Warehouse implements core.AnalyticsWarehouse on DuckDB.
type Warehouse struct {
	db     *sql.DB
	queue  chan item
	done   chan struct{}
	logger logging.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
}

// Open opens (or creates) the database at path and starts the writer. An
// empty path opens an in-memory database.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Warehouse, error) {
	opts := Options{QueueSize: 1024, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create signals table: %w", err)
	}

	w := &Warehouse{
		db:     db,
		queue:  make(chan item, opts.QueueSize),
		done:   make(chan struct{}),
		logger: logging.Ensure(opts.Logger),
	}
	go w.run()
	return w, nil
}

// EmitEvent enqueues the episode's records without blocking.
func (w *Warehouse) EmitEvent(ep core.Episode) {
	records := analytics.SignalsFromEpisode(ep)
	if len(records) == 0 {
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- item{records: records}:
	default:
		w.dropped.Add(1)
		w.logger.Warn("analytics queue full, dropping episode", "episode_id", ep.ID, "session_id", ep.SessionID)
	}
}

// Flush blocks until every episode enqueued before the call is written.
func (w *Warehouse) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.queue <- item{flushed: flushed}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryAggregates groups the stored records inside the window.
func (w *Warehouse) QueryAggregates(ctx context.Context, win core.Window) ([]core.Signal, error) {
	now := win.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	lower := time.Unix(0, 0).UTC()
	if win.MaxAge > 0 {
		lower = now.Add(-win.MaxAge)
	}

	rows, err := w.db.QueryContext(ctx, aggregateSignals, now, lower, now.Add(-win.MinAge))
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	var out []core.Signal
	for rows.Next() {
		var (
			sig        core.Signal
			kind       string
			targetType string
		)
		if err := rows.Scan(
			&sig.UserID, &kind, &sig.TargetID, &targetType,
			&sig.Count, &sig.ActiveDays, &sig.FirstSeen, &sig.LastSeen,
			&sig.AvgQuantity, &sig.MinBudget, &sig.MeanIntervalDays, &sig.IntervalStdDevDays,
		); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		sig.Kind = core.RelationshipKind(kind)
		sig.TargetType = core.EntityType(targetType)
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return out, nil
}

// Dropped returns the number of episodes dropped on a full queue or after
// Close.
func (w *Warehouse) Dropped() int64 { return w.dropped.Load() }

// Written returns the number of records inserted.
func (w *Warehouse) Written() int64 { return w.written.Load() }

// Close drains the queue, stops the writer and closes the database.
func (w *Warehouse) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return w.db.Close()
}

func (w *Warehouse) run() {
	defer close(w.done)
	for it := range w.queue {
		if len(it.records) > 0 {
			if err := w.insert(it.records); err != nil {
				w.logger.Error("failed to write analytics records", "count", len(it.records), "error", err)
			}
		}
		if it.flushed != nil {
			close(it.flushed)
		}
	}
}

func (w *Warehouse) insert(records []analytics.Record) error {
	ctx := context.Background()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSignal)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.EpisodeID, r.SessionID, r.SourceID, string(r.Kind), r.TargetID, string(r.TargetType),
			r.ObservedAt.UTC(), r.Quantity, r.Budget,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.written.Add(int64(len(records)))
	return nil
}
