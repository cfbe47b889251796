package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
)

// ErrAlreadyRunning is returned by Start when the schedule is active.
var ErrAlreadyRunning = errors.New("synchronizer already started")

// Options configures the synchronizer.
type Options struct {
	Interval         time.Duration
	MinObservation   time.Duration
	Lookback         time.Duration
	QualityThreshold float64
	Scorer           Scorer
	BatchSize        int
	Parallelism      int
	// WriteDeadline bounds every memory store call of one pattern.
	WriteDeadline time.Duration
	Now           func() time.Time
	Logger        logging.Logger
}

// Report summarizes one synchronizer pass.
type Report struct {
	Signals   int            `json:"signals"`
	Proposed  int            `json:"proposed"`
	Applied   int            `json:"applied"`
	Discarded int            `json:"discarded"`
	Unchanged int            `json:"unchanged"`
	Conflicts int            `json:"conflicts"`
	Failed    int            `json:"failed"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
	Patterns  []core.Pattern `json:"patterns,omitempty"`
}

// Synchronizer periodically turns warehouse aggregates into relationship
// edges.
type Synchronizer struct {
	warehouse core.AnalyticsWarehouse
	store     core.MemoryStore
	opts      Options

	mu      sync.Mutex
	applied map[core.EdgeKey]time.Time // LastSeen of the last applied pattern
	last    *Report

	runMu  sync.Mutex // serializes passes
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates a synchronizer reading from warehouse and writing to store.
func New(warehouse core.AnalyticsWarehouse, store core.MemoryStore, optFns ...func(o *Options)) *Synchronizer {
	opts := Options{
		Interval:         time.Hour,
		MinObservation:   24 * time.Hour,
		Lookback:         90 * 24 * time.Hour,
		QualityThreshold: 0.6,
		Scorer: Scorer{
			Weights:         Weights{Strength: 0.5, Stability: 0.3, Recency: 0.2},
			StrengthScale:   3,
			RecencyHalfLife: 30 * 24 * time.Hour,
		},
		BatchSize:     100,
		Parallelism:   4,
		WriteDeadline: 500 * time.Millisecond,
		Now:           time.Now,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	opts.Logger = logging.Ensure(opts.Logger)

	return &Synchronizer{
		warehouse: warehouse,
		store:     store,
		opts:      opts,
		applied:   make(map[core.EdgeKey]time.Time),
	}
}

// Start schedules a pass every Interval. Overlapping passes are skipped.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.opts.Logger}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() {
		if _, err := s.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			s.opts.Logger.Error("synchronizer pass failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule synchronizer: %w", err)
	}
	c.Start()
	s.cron, s.cancel = c, cancel
	s.opts.Logger.Info("synchronizer started", "interval", s.opts.Interval)
	return nil
}

// Stop cancels a running pass and waits for it to return.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.opts.Logger.Info("synchronizer stopped")
}

// Last returns the report of the most recent pass.
func (s *Synchronizer) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// RunOnce executes one pass. Only a failing aggregate query fails the pass;
// per-pattern and per-batch failures are counted and logged.
func (s *Synchronizer) RunOnce(ctx context.Context) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.opts.Now()
	rep := Report{Started: now}

	signals, err := s.warehouse.QueryAggregates(ctx, core.Window{Now: now, MinAge: s.opts.MinObservation, MaxAge: s.opts.Lookback})
	if err != nil {
		return rep, fmt.Errorf("query aggregates: %w", err)
	}
	rep.Signals = len(signals)

	var survivors []core.Pattern
	for _, sig := range signals {
		p := s.opts.Scorer.Propose(sig, now)
		rep.Proposed++
		if p.QualityScore <= s.opts.QualityThreshold {
			p.Status = core.PatternDiscarded
			p.Reason = "below_threshold"
			rep.Discarded++
			rep.Patterns = append(rep.Patterns, p)
			continue
		}
		survivors = append(survivors, p)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Parallelism)
	for start := 0; start < len(survivors); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(survivors) {
			end = len(survivors)
		}
		batch := survivors[start:end]
		g.Go(func() error {
			done := s.applyBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			for _, p := range done {
				switch {
				case p.Status == core.PatternApplied:
					rep.Applied++
				case p.Reason == "conflict":
					rep.Conflicts++
				case p.Reason == "unchanged":
					rep.Unchanged++
				default:
					rep.Failed++
				}
				rep.Patterns = append(rep.Patterns, p)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = s.opts.Now().Sub(now)
	if sl, ok := s.opts.Logger.(*logging.ShopLogger); ok {
		sl.LogSyncRun(rep.Proposed, rep.Applied, rep.Discarded, rep.Conflicts, rep.Failed, rep.Duration)
	} else {
		s.opts.Logger.Info("synchronizer pass complete",
			"signals", rep.Signals, "proposed", rep.Proposed, "applied", rep.Applied,
			"discarded", rep.Discarded, "conflicts", rep.Conflicts, "failed", rep.Failed)
	}

	s.mu.Lock()
	s.last = &rep
	s.pruneApplied(now)
	s.mu.Unlock()
	return rep, nil
}

// pruneApplied forgets watermarks of edges whose last evidence left the
// lookback window; no later signal can refer to them. The caller holds mu.
func (s *Synchronizer) pruneApplied(now time.Time) {
	cutoff := now.Add(-s.opts.Lookback)
	for key, seen := range s.applied {
		if seen.Before(cutoff) {
			delete(s.applied, key)
		}
	}
}

// applyBatch applies patterns in order and returns them with their final
// status. A cancelled context fails the remaining patterns.
func (s *Synchronizer) applyBatch(ctx context.Context, batch []core.Pattern) []core.Pattern {
	out := make([]core.Pattern, 0, len(batch))
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			p.Status, p.Reason = core.PatternDiscarded, "cancelled"
			out = append(out, p)
			continue
		}
		out = append(out, s.apply(ctx, p))
	}
	return out
}

func (s *Synchronizer) apply(ctx context.Context, p core.Pattern) core.Pattern {
	key := p.Edge.Key()
	log := s.opts.Logger

	s.mu.Lock()
	seen, ok := s.applied[key]
	s.mu.Unlock()
	if ok && !p.Edge.LastObservedAt.After(seen) {
		p.Status, p.Reason = core.PatternDiscarded, "unchanged"
		return p
	}

	err := s.mergeUpsert(ctx, p)
	var conflict *core.ConsistencyError
	switch {
	case errors.As(err, &conflict):
		log.Info("pattern conflicts with newer edge", "edge", key.String(), "existing", conflict.Existing, "incoming", conflict.Incoming)
		p.Status, p.Reason = core.PatternDiscarded, "conflict"
	case err != nil:
		log.Warn("failed to apply pattern", "edge", key.String(), "error", err)
		p.Status, p.Reason = core.PatternDiscarded, core.Degradation(err)
	default:
		p.Status = core.PatternApplied
		s.mu.Lock()
		s.applied[key] = p.Edge.LastObservedAt
		s.mu.Unlock()
	}
	return p
}

// mergeUpsert never overwrites an existing edge that is at least as
// confident and at least as recent as the pattern. Signal counts are
// cumulative over the lookback window, so only the observations the stored
// edge has not counted yet are added, and at least one.
func (s *Synchronizer) mergeUpsert(ctx context.Context, p core.Pattern) error {
	edge := p.Edge
	existing, err := util.CallWithDeadline(ctx, s.opts.WriteDeadline, func(ctx context.Context) ([]core.Relationship, error) {
		return s.store.GetRelationships(ctx, edge.SourceID, edge.Kind)
	})
	if err != nil {
		return core.Classify(core.ComponentMemory, s.opts.WriteDeadline, err)
	}
	for _, cur := range existing {
		if cur.Key() != edge.Key() {
			continue
		}
		if cur.Confidence >= p.QualityScore && !cur.LastObservedAt.Before(edge.LastObservedAt) {
			return &core.ConsistencyError{Edge: edge.Key(), Existing: cur.Confidence, Incoming: p.QualityScore}
		}
		edge.ObservationCount = max(edge.ObservationCount-cur.ObservationCount, 1)
		break
	}

	_, err = util.CallWithDeadline(ctx, s.opts.WriteDeadline, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.UpsertRelationship(ctx, edge, p.QualityScore)
	})
	return core.Classify(core.ComponentMemory, s.opts.WriteDeadline, err)
}

// cronLogger routes cron's scheduler messages to a logging.Logger.
type cronLogger struct {
	l logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
