package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/shopmesh/core"
)

// ScriptedReasoner is a core.ReasoningService returning a fixed reply, an
// error, or blocking until its context ends.
type ScriptedReasoner struct {
	mu     sync.Mutex
	Reply  string
	Err    error
	Delay  time.Duration
	Block  bool
	prompt []string
}

// Complete implements core.ReasoningService.
func (r *ScriptedReasoner) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	r.mu.Lock()
	r.prompt = append(r.prompt, req.Prompt)
	reply, err, delay, block := r.Reply, r.Err, r.Delay, r.Block
	r.mu.Unlock()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return reply, err
}

// Prompts returns every prompt received so far.
func (r *ScriptedReasoner) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompt...)
}

// StaticSearch is a core.SearchService and core.Catalog over a fixed product
// list. Query returns products whose name or category contains any query
// term, or every product when none matches.
type StaticSearch struct {
	Products []core.ProductRef
	Err      error
	Delay    time.Duration

	mu    sync.Mutex
	calls []SearchCall
}

// SearchCall records the parameters of one Query.
type SearchCall struct {
	Text  string
	Blend float64
	Limit int
}

// Query implements core.SearchService.
func (s *StaticSearch) Query(ctx context.Context, text string, blend float64, limit int) ([]core.ProductRef, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SearchCall{Text: text, Blend: blend, Limit: limit})
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	var out []core.ProductRef
	for _, p := range s.Products {
		if matches(text, p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, s.Products...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Lookup implements core.Catalog.
func (s *StaticSearch) Lookup(ctx context.Context, productID string) (core.ProductRef, bool, error) {
	for _, p := range s.Products {
		if p.ID == productID {
			return p, true, nil
		}
	}
	return core.ProductRef{}, false, nil
}

// Calls returns the recorded queries.
func (s *StaticSearch) Calls() []SearchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SearchCall(nil), s.calls...)
}

func matches(text string, p core.ProductRef) bool {
	hay := strings.ToLower(p.Name + " " + p.CategoryID + " " + p.BrandID)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		if len(term) > 2 && strings.Contains(hay, term) {
			return true
		}
	}
	return false
}

// Products is a small grocery catalog shared by tests.
func Products() []core.ProductRef {
	return []core.ProductRef{
		{ID: "milk", Name: "Whole Milk", CategoryID: "dairy", BrandID: "alpine", Price: 1.2, Score: 0.9},
		{ID: "yogurt", Name: "Greek Yogurt", CategoryID: "dairy", BrandID: "alpine", Price: 2.5, Score: 0.8},
		{ID: "oatmilk", Name: "Oat Milk", CategoryID: "plant", BrandID: "oaty", Price: 2.1, Score: 0.7},
		{ID: "bread", Name: "Sourdough Bread", CategoryID: "bakery", BrandID: "miller", Price: 3.4, Score: 0.6},
		{ID: "coffee", Name: "Dark Roast Coffee", CategoryID: "pantry", BrandID: "roastco", Price: 8.9, Score: 0.5},
	}
}
