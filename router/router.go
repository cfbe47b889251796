// Package router classifies a turn into one or more domain handlers and
// derives the handler parameters. The reasoning service makes the decision;
// when it is slow, unavailable or answers with something unusable the
// router falls back to a hardcoded rule (search, midpoint blend, zero
// confidence) so that every turn still gets a valid decision.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/handler"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
)

// Fallback defaults. They are hardcoded rather than configurable: the
// fallback path must work even when configuration or the model is broken.
const (
	FallbackHandler = core.HandlerSearch
	FallbackBlend   = 0.5
)

// Options configures the router.
type Options struct {
	Deadline time.Duration
	// Midpoint is the blend used when the model suggests none.
	Midpoint       float64
	PaceWeight     float64
	UrgencyWeight  float64
	EmphasisWeight float64
	DefaultLimit   int
	MaxResultLimit int
	// MemoryLines bounds the relationships summarized in the prompt.
	MemoryLines int
	MaxTokens   int
	Logger      logging.Logger
}

// Router is the intent router.
type Router struct {
	reasoner core.ReasoningService
	opts     Options
	schema   *util.Schema
}

// New creates a Router on top of a reasoning service.
func New(reasoner core.ReasoningService, optFns ...func(o *Options)) *Router {
	opts := Options{
		Deadline:       800 * time.Millisecond,
		Midpoint:       FallbackBlend,
		PaceWeight:     0.3,
		UrgencyWeight:  0.3,
		EmphasisWeight: 0.4,
		DefaultLimit:   10,
		MaxResultLimit: 50,
		MemoryLines:    8,
		MaxTokens:      256,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
	if opts.MaxResultLimit < 1 {
		opts.MaxResultLimit = 1
	}
	return &Router{reasoner: reasoner, opts: opts, schema: util.SchemaOf(modelDecision{})}
}

// Route returns the decision for one turn. It never fails: any problem with
// the reasoning service yields the fallback decision.
func (r *Router) Route(ctx context.Context, in core.TurnInput, mc core.MemoryContext) core.RoutingDecision {
	start := time.Now()
	in.Paralinguistic = in.Paralinguistic.Sanitized()
	decision, err := r.route(ctx, in, mc, start)
	if err != nil {
		err = core.Classify(core.ComponentRoute, r.opts.Deadline, err)
		decision = r.Fallback(core.Degradation(err))
		r.opts.Logger.Warn("routing fell back", "turn_id", in.TurnID, "reason", decision.Reason, "error", err)
	}
	decision.Latency = time.Since(start)
	r.opts.Logger.Debug("routing decided", "turn_id", in.TurnID, "handlers", decision.Handlers,
		"confidence", decision.Confidence, "blend", decision.Params.BlendCoefficient, "source", decision.Source)
	return decision
}

// Fallback is the deterministic decision used when the model cannot decide.
func (r *Router) Fallback(reason string) core.RoutingDecision {
	return core.RoutingDecision{
		Handlers:   []core.HandlerName{FallbackHandler},
		Confidence: 0,
		Params:     core.RoutingParams{BlendCoefficient: FallbackBlend, ResultLimit: r.clampLimit(r.opts.DefaultLimit)},
		Source:     core.SourceFallback,
		Reason:     reason,
	}
}

func (r *Router) route(ctx context.Context, in core.TurnInput, mc core.MemoryContext, start time.Time) (core.RoutingDecision, error) {
	prompt, err := r.prompt(in, mc)
	if err != nil {
		return core.RoutingDecision{}, err
	}
	raw, err := util.CallWithDeadline(ctx, r.opts.Deadline, func(ctx context.Context) (string, error) {
		return r.reasoner.Complete(ctx, core.CompletionRequest{
			Instructions: instructions,
			Prompt:       prompt,
			MaxTokens:    r.opts.MaxTokens,
			Deadline:     start.Add(r.opts.Deadline),
		})
	})
	if err != nil {
		return core.RoutingDecision{}, err
	}
	md, err := r.parse(raw)
	if err != nil {
		return core.RoutingDecision{}, &core.ProviderError{Component: core.ComponentRoute, Err: err}
	}
	return r.decide(md, in), nil
}

// modelDecision is the JSON object the model is asked to produce.
type modelDecision struct {
	Handlers         []string           `json:"handlers,omitempty" schema:"enum=search|order|chat" description:"ordered handlers"`
	Handler          string             `json:"handler,omitempty" schema:"enum=search|order|chat" description:"single handler shorthand"`
	Confidence       float64            `json:"confidence" description:"0..1"`
	BlendCoefficient *float64           `json:"blend_coefficient,omitempty" description:"0 keyword .. 1 semantic"`
	ResultLimit      *int               `json:"result_limit,omitempty"`
	Order            *core.OrderIntent  `json:"order,omitempty" description:"cart operation when handler is order"`
	Observations     []core.Observation `json:"observations,omitempty" description:"preferences the shopper stated"`
	Reason           string             `json:"reason,omitempty"`
}

// parse extracts the first JSON object from raw, tolerating code fences and
// surrounding prose, and validates it against the decision schema.
func (r *Router) parse(raw string) (modelDecision, error) {
	var md modelDecision
	obj, err := extractObject(raw)
	if err != nil {
		return md, err
	}
	var fields map[string]any
	if err := json.Unmarshal(obj, &fields); err != nil {
		return md, fmt.Errorf("malformed decision: %w", err)
	}
	if err := r.schema.Validate(fields); err != nil {
		return md, err
	}
	if err := json.Unmarshal(obj, &md); err != nil {
		return md, fmt.Errorf("malformed decision: %w", err)
	}
	if md.Handler != "" && len(md.Handlers) == 0 {
		md.Handlers = []string{md.Handler}
	}
	if len(md.Handlers) == 0 {
		return md, errors.New("decision names no handler")
	}
	for _, h := range md.Handlers {
		if !core.HandlerName(strings.ToLower(strings.TrimSpace(h))).Valid() {
			return md, fmt.Errorf("unknown handler %q", h)
		}
	}
	if math.IsNaN(md.Confidence) {
		return md, errors.New("confidence is NaN")
	}
	return md, nil
}

func extractObject(raw string) ([]byte, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, errors.New("no JSON object in completion")
	}
	dec := json.NewDecoder(strings.NewReader(raw[start:]))
	var obj json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("malformed decision: %w", err)
	}
	return obj, nil
}

// handlerRank puts state mutations first so searches and chat see the
// updated cart.
var handlerRank = map[core.HandlerName]int{core.HandlerOrder: 0, core.HandlerSearch: 1, core.HandlerChat: 2}

func (r *Router) decide(md modelDecision, in core.TurnInput) core.RoutingDecision {
	seen := map[core.HandlerName]bool{}
	var handlers []core.HandlerName
	for _, h := range md.Handlers {
		name := core.HandlerName(strings.ToLower(strings.TrimSpace(h)))
		if !seen[name] {
			seen[name] = true
			handlers = append(handlers, name)
		}
	}
	for i := 1; i < len(handlers); i++ {
		for j := i; j > 0 && handlerRank[handlers[j]] < handlerRank[handlers[j-1]]; j-- {
			handlers[j], handlers[j-1] = handlers[j-1], handlers[j]
		}
	}

	base := r.opts.Midpoint
	if md.BlendCoefficient != nil && !math.IsNaN(*md.BlendCoefficient) {
		base = *md.BlendCoefficient
	}
	limit := r.opts.DefaultLimit
	if md.ResultLimit != nil {
		limit = *md.ResultLimit
	}

	d := core.RoutingDecision{
		Handlers:   handlers,
		Confidence: core.ClampUnit(md.Confidence),
		Params: core.RoutingParams{
			BlendCoefficient: DeriveBlend(base, in.Paralinguistic, r.opts.PaceWeight, r.opts.UrgencyWeight),
			ResultLimit:      r.clampLimit(DeriveLimit(limit, in.Paralinguistic, r.opts.EmphasisWeight)),
		},
		Source:       core.SourceModel,
		Reason:       md.Reason,
		Observations: validObservations(md.Observations),
	}

	if d.Uses(core.HandlerOrder) {
		switch {
		case md.Order != nil && md.Order.Op.Valid():
			intent := *md.Order
			if intent.Op == core.OrderAdd && intent.Quantity == 0 {
				intent.Quantity = 1
			}
			d.Order = &intent
		default:
			if intent, ok := handler.ParseOrderIntent(in.Text); ok {
				d.Order = &intent
			}
		}
	}
	return d
}

// DeriveBlend shifts base toward keyword matching (0) for fast or urgent
// delivery and toward semantic matching (1) for slow, exploratory delivery.
// Absent and non-finite features leave base unchanged. The result is clamped
// to [0,1].
func DeriveBlend(base float64, f *core.ParalinguisticFeatures, paceWeight, urgencyWeight float64) float64 {
	blend := core.ClampUnit(base)
	f = f.Sanitized()
	if f == nil {
		return blend
	}
	if f.Pace != nil {
		blend -= paceWeight * (core.ClampUnit(*f.Pace) - 0.5)
	}
	if f.Urgency != nil {
		blend -= urgencyWeight * (core.ClampUnit(*f.Urgency) - 0.5)
	}
	return core.ClampUnit(blend)
}

// DeriveLimit narrows the result list for emphatic, specific requests and
// widens it for relaxed ones.
func DeriveLimit(base int, f *core.ParalinguisticFeatures, emphasisWeight float64) int {
	f = f.Sanitized()
	if f == nil || f.Emphasis == nil {
		return base
	}
	factor := 1 - 2*emphasisWeight*(core.ClampUnit(*f.Emphasis)-0.5)
	return int(math.Round(float64(base) * factor))
}

func (r *Router) clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > r.opts.MaxResultLimit {
		return r.opts.MaxResultLimit
	}
	return n
}

func validObservations(in []core.Observation) []core.Observation {
	var out []core.Observation
	for _, o := range in {
		o.TargetID = strings.TrimSpace(o.TargetID)
		if !o.Kind.Valid() || o.TargetID == "" || o.Kind == core.BoughtWith {
			continue
		}
		if !o.TargetType.Valid() || o.TargetType == core.EntityUser {
			o.TargetType = core.EntityCategory
		}
		o.SourceID = ""
		if o.Quantity < 0 {
			o.Quantity = 0
		}
		if o.Budget < 0 || math.IsNaN(o.Budget) {
			o.Budget = 0
		}
		out = append(out, o)
	}
	return out
}
