package handler

import (
	"context"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
)

// SearchOptions configures the search handler.
type SearchOptions struct {
	Deadline       time.Duration
	MaxResultLimit int
	Logger         logging.Logger
}

// SearchOutcome is the search handler's result. Products is empty, never
// nil-versus-error ambiguous: a degraded search is an empty list plus a
// reason.
type SearchOutcome struct {
	Products []core.ProductRef
	Degraded bool
	Reason   string
}

// Search queries the product search service with the routing parameters.
//
// The result limit is raised to at least one and capped at MaxResultLimit;
// the blend coefficient is clamped to [0,1] before it reaches the service.
// A call that fails or outlives Deadline yields an empty, degraded outcome
// instead of an error. Results are returned in service order; reranking by
// memory happens in the personalizer.
type Search struct {
	svc  core.SearchService
	opts SearchOptions
}

// NewSearch creates the search handler.
func NewSearch(svc core.SearchService, optFns ...func(o *SearchOptions)) *Search {
	opts := SearchOptions{Deadline: 600 * time.Millisecond, MaxResultLimit: 50, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
	return &Search{svc: svc, opts: opts}
}

// Search runs the query. The memory context is only used for logging here;
// personalization happens after the handler returns.
func (h *Search) Search(ctx context.Context, view core.SearchView, mc core.MemoryContext) SearchOutcome {
	limit := view.Params.ResultLimit
	if limit < 1 {
		limit = 1
	}
	if h.opts.MaxResultLimit > 0 && limit > h.opts.MaxResultLimit {
		limit = h.opts.MaxResultLimit
	}
	blend := core.ClampUnit(view.Params.BlendCoefficient)

	start := time.Now()
	products, err := util.CallWithDeadline(ctx, h.opts.Deadline, func(ctx context.Context) ([]core.ProductRef, error) {
		return h.svc.Query(ctx, view.Text, blend, limit)
	})
	if err != nil {
		err = core.Classify(core.ComponentSearch, h.opts.Deadline, err)
		h.opts.Logger.Warn("search degraded", "user_id", view.UserID, "error", err, "duration", time.Since(start))
		return SearchOutcome{Products: []core.ProductRef{}, Degraded: true, Reason: core.Degradation(err)}
	}
	if len(products) > limit {
		products = products[:limit]
	}
	if products == nil {
		products = []core.ProductRef{}
	}
	h.opts.Logger.Debug("search completed", "user_id", view.UserID, "results", len(products), "blend", blend,
		"memory_edges", len(mc.Relationships), "duration", time.Since(start))
	return SearchOutcome{Products: products}
}
