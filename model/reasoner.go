package model

import (
	"context"
	"time"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
	"golang.org/x/time/rate"
)

// ReasonerOptions configures a Reasoner.
type ReasonerOptions struct {
	// RateLimit caps calls per second to the provider; zero disables it.
	RateLimit float64
	Burst     int
	MaxTokens int64
	Logger    logging.Logger
}

// Reasoner adapts a Model into core.ReasoningService. Every call is bounded
// by the caller's context, optionally rate limited, and its failures are
// classified into TimeoutError or ProviderError.
type Reasoner struct {
	model   Model
	limiter *rate.Limiter
	opts    ReasonerOptions
}

// NewReasoner wraps m.
func NewReasoner(m Model, optFns ...func(o *ReasonerOptions)) *Reasoner {
	opts := ReasonerOptions{Burst: 1, MaxTokens: 512, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Reasoner{model: m, opts: opts}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return r
}

// Complete sends a single prompt and waits for the final completion.
func (r *Reasoner) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	start := time.Now()
	var budget time.Duration
	if !req.Deadline.IsZero() {
		budget = time.Until(req.Deadline)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	} else if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}

	text, err := r.complete(ctx, req)
	if err != nil {
		err = core.Classify(core.ComponentReasoning, budget, err)
	}
	r.opts.Logger.Debug("reasoning call", "model", r.model.Info().Name, "duration", time.Since(start), "error", err)
	return text, err
}

func (r *Reasoner) complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Wait fails early when the deadline cannot fit the next token.
			return "", context.DeadlineExceeded
		}
	}
	maxTokens := r.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	respCh, errCh := r.model.Generate(ctx, Request{
		Instructions: req.Instructions,
		Messages:     []Message{{Role: RoleUser, Text: req.Prompt}},
		MaxTokens:    maxTokens,
	})
	return Collect(ctx, respCh, errCh)
}
