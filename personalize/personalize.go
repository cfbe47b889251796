// Package personalize re-ranks and filters search results with the
// shopper's relationship graph. Personalize is a pure function of its
// inputs: scores are always recomputed from the collaborator's BaseScore, so
// applying it twice with the same memory context yields the same list.
package personalize

import (
	"fmt"
	"math"
	"sort"

	"github.com/hupe1980/shopmesh/core"
)

// Options configures the engine.
type Options struct {
	// AvoidThreshold is the AVOIDS confidence at or above which an item is
	// removed.
	AvoidThreshold float64
	// PreferWeight scales positive affinities into the boost.
	PreferWeight float64
	// AvoidPenalty scales AVOIDS edges below the threshold into a penalty.
	AvoidPenalty float64
	MinResults   int
	MaxResults   int
}

// Engine is the personalization engine.
type Engine struct {
	opts Options
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{AvoidThreshold: 0.7, PreferWeight: 0.5, AvoidPenalty: 0.5, MinResults: 3, MaxResults: 20}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxResults < opts.MinResults {
		opts.MaxResults = opts.MinResults
	}
	return &Engine{opts: opts}
}

// FromProducts seeds results from search output.
func FromProducts(products []core.ProductRef) []core.Result {
	out := make([]core.Result, len(products))
	for i, p := range products {
		out[i] = core.Result{Product: p, BaseScore: p.Score, Score: p.Score}
	}
	return out
}

// index groups memory edges by (kind, target) for O(1) lookups.
type index map[core.RelationshipKind]map[string]core.Relationship

func newIndex(mc core.MemoryContext) index {
	idx := index{}
	for _, r := range mc.Relationships {
		byTarget, ok := idx[r.Kind]
		if !ok {
			byTarget = map[string]core.Relationship{}
			idx[r.Kind] = byTarget
		}
		if cur, ok := byTarget[r.TargetID]; !ok || r.Confidence > cur.Confidence {
			byTarget[r.TargetID] = r
		}
	}
	return idx
}

func (idx index) get(kind core.RelationshipKind, target string) (core.Relationship, bool) {
	if target == "" {
		return core.Relationship{}, false
	}
	r, ok := idx[kind][target]
	return r, ok
}

// targets are the ids a product can be matched on, most specific first.
func targets(p core.ProductRef) []string {
	return []string{p.ID, p.CategoryID, p.BrandID}
}

// Personalize applies filtering, boosting, hints, ordering and truncation.
func (e *Engine) Personalize(results []core.Result, mc core.MemoryContext) ([]core.Result, core.PersonalizationReport) {
	report := core.PersonalizationReport{Input: len(results)}
	idx := newIndex(mc)

	out := make([]core.Result, 0, len(results))
	for _, res := range results {
		if f, ok := e.avoided(res.Product, idx); ok {
			report.Filtered = append(report.Filtered, f)
			continue
		}
		res.Boost = e.boost(res.Product, idx)
		res.Score = res.BaseScore + res.Boost
		res.Hints = hints(res.Product, idx)
		if res.Boost != 0 {
			report.Boosted++
		}
		out = append(out, res)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Product.ID < out[j].Product.ID
	})

	if e.opts.MaxResults > 0 && len(out) > e.opts.MaxResults {
		report.Truncated = len(out) - e.opts.MaxResults
		out = out[:e.opts.MaxResults]
	}
	if len(out) < e.opts.MinResults && len(report.Filtered) > 0 && report.Input >= e.opts.MinResults {
		report.BelowMinimum = true
	}
	report.Output = len(out)
	return out, report
}

func (e *Engine) avoided(p core.ProductRef, idx index) (core.FilteredItem, bool) {
	for _, t := range targets(p) {
		if r, ok := idx.get(core.Avoids, t); ok && r.Confidence >= e.opts.AvoidThreshold {
			return core.FilteredItem{
				ProductID:  p.ID,
				TargetID:   t,
				Confidence: r.Confidence,
				Reason:     fmt.Sprintf("avoids %s %s", r.TargetType, t),
			}, true
		}
	}
	return core.FilteredItem{}, false
}

func (e *Engine) boost(p core.ProductRef, idx index) float64 {
	var positive, negative float64
	for _, t := range targets(p) {
		for _, kind := range []core.RelationshipKind{core.Prefers, core.RegularlyBuys, core.Reorders} {
			if r, ok := idx.get(kind, t); ok {
				positive += r.Confidence
			}
		}
		if r, ok := idx.get(core.Avoids, t); ok && r.Confidence < e.opts.AvoidThreshold {
			negative += r.Confidence
		}
	}
	return e.opts.PreferWeight*positive - e.opts.AvoidPenalty*negative
}

func hints(p core.ProductRef, idx index) core.Hints {
	var h core.Hints
	if r, ok := idx.get(core.RegularlyBuys, p.ID); ok {
		if q, ok := r.MetaFloat(core.MetaQuantity); ok {
			h.SuggestedQuantity = int(math.Max(1, math.Round(q)))
		}
	}
	for _, t := range []string{p.CategoryID, core.GlobalTarget} {
		r, ok := idx.get(core.PriceSensitive, t)
		if !ok {
			continue
		}
		budget, hasBudget := r.MetaFloat(core.MetaBudget)
		if !hasBudget || p.Price > budget {
			h.BudgetConscious = true
			break
		}
	}
	if _, ok := idx.get(core.Reorders, p.ID); ok {
		h.Reorder = true
	}
	return h
}
