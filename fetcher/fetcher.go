// Package fetcher retrieves the relevance-ranked slice of the relationship
// graph a turn needs. Fetch never fails: a slow or broken memory store
// yields an explicitly degraded, empty context so the turn can continue
// without personalization.
package fetcher

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
)

// Options configures a Fetcher.
type Options struct {
	// Deadline bounds the whole fetch including the session read.
	Deadline time.Duration
	// MaxEdges caps the number of relationships returned.
	MaxEdges int
	// MinConfidence drops edges whose effective confidence is lower.
	MinConfidence float64
	// RecentBoost multiplies the relevance of edges that point at products
	// touched earlier in the session.
	RecentBoost float64
	// Sessions is optional; when set the session's recent products feed
	// the ranking.
	Sessions core.SessionStore
	Logger   logging.Logger
}

// Fetcher is the context fetcher.
type Fetcher struct {
	store core.MemoryStore
	opts  Options
}

// New creates a Fetcher reading from store.
func New(store core.MemoryStore, optFns ...func(o *Options)) *Fetcher {
	opts := Options{
		Deadline:      150 * time.Millisecond,
		MaxEdges:      50,
		MinConfidence: 0.05,
		RecentBoost:   1.5,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
	return &Fetcher{store: store, opts: opts}
}

type fetched struct {
	edges  []core.Relationship
	recent []string
	err    error
}

// Fetch returns the memory context for one turn. The store read runs in its
// own goroutine so a store that ignores ctx still cannot hold the turn past
// the deadline; its late answer lands in a buffered channel and is dropped.
func (f *Fetcher) Fetch(ctx context.Context, userID, sessionID, query string) core.MemoryContext {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.opts.Deadline)
	defer cancel()

	done := make(chan fetched, 1)
	go func() {
		var res fetched
		res.edges, res.err = f.store.GetRelationships(ctx, userID)
		if res.err == nil && f.opts.Sessions != nil && sessionID != "" {
			sess, err := f.opts.Sessions.Get(ctx, sessionID)
			if err == nil && sess.UserID == userID {
				res.recent = sess.RecentProducts()
			}
		}
		done <- res
	}()

	var res fetched
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.EmptyMemoryContext(userID, "cancelled")
		}
		err := core.Classify(core.ComponentMemory, f.opts.Deadline, res.err)
		reason := core.Degradation(err)
		f.opts.Logger.Warn("memory context degraded", "user_id", userID, "reason", reason, "error", err, "duration", time.Since(start))
		return core.EmptyMemoryContext(userID, reason)
	}

	edges := f.Rank(res.edges, query, res.recent)
	f.opts.Logger.Debug("memory context fetched", "user_id", userID, "edges", len(edges), "duration", time.Since(start))
	return core.MemoryContext{UserID: userID, Relationships: edges}
}

// Rank filters edges below MinConfidence and orders the rest by
// confidence * (1 + term overlap with the query), boosted for products
// touched earlier in the session. At most MaxEdges are kept.
func (f *Fetcher) Rank(edges []core.Relationship, query string, recent []string) []core.Relationship {
	terms := Terms(query)
	recentSet := make(map[string]bool, len(recent))
	for _, id := range recent {
		recentSet[id] = true
	}

	type scored struct {
		edge  core.Relationship
		score float64
	}
	ranked := make([]scored, 0, len(edges))
	for _, e := range edges {
		if e.Confidence < f.opts.MinConfidence {
			continue
		}
		score := e.Confidence * (1 + Overlap(terms, e.TargetID))
		if recentSet[e.TargetID] {
			score *= f.opts.RecentBoost
		}
		ranked = append(ranked, scored{edge: e, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].edge.Key().String() < ranked[j].edge.Key().String()
	})
	if f.opts.MaxEdges > 0 && len(ranked) > f.opts.MaxEdges {
		ranked = ranked[:f.opts.MaxEdges]
	}
	out := make([]core.Relationship, len(ranked))
	for i, s := range ranked {
		out[i] = s.edge
	}
	return out
}

// Terms lowercases text and splits it into alphanumeric terms.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Overlap returns the fraction of the target's terms present in the query.
func Overlap(queryTerms []string, target string) float64 {
	targetTerms := Terms(target)
	if len(targetTerms) == 0 || len(queryTerms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range targetTerms {
		for _, q := range queryTerms {
			if t == q || (len(q) > 3 && strings.HasPrefix(t, q)) || (len(t) > 3 && strings.HasPrefix(q, t)) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(targetTerms))
}
