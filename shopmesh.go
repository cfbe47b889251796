// Package shopmesh provides a high-level façade over the turn engine, the
// pattern synchronizer and the stores behind them. Most applications
// interact with this package by:
//  1. Creating a ShopMesh via New() (in-memory stores, demo reasoning model
//     and the built-in sample catalog) or NewFromConfig() (backends chosen
//     by config.Config)
//  2. Processing user turns with ProcessTurn or ProcessAudio
//  3. Starting the background jobs (synchronizer, session sweeper) with
//     Start and releasing everything with Close
package shopmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/shopmesh/analytics"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/engine"
	"github.com/hupe1980/shopmesh/episode"
	"github.com/hupe1980/shopmesh/logging"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/hupe1980/shopmesh/model"
	"github.com/hupe1980/shopmesh/search"
	"github.com/hupe1980/shopmesh/session"
	"github.com/hupe1980/shopmesh/synchronizer"
)

// ErrNoSpeech is returned by ProcessAudio when no speech service is
// configured.
var ErrNoSpeech = errors.New("no speech service configured")

// Options configures the ShopMesh instance.
type Options struct {
	// Reasoning drives routing and chat. Defaults to the offline demo model.
	Reasoner core.ReasoningService
	// Search defaults to the embedded sample catalog.
	Search core.SearchService
	// Speech is optional; ProcessAudio needs it.
	Speech core.SpeechService

	// Stores (defaults to in-memory implementations if not provided)
	Sessions  core.SessionStore
	Memory    core.MemoryStore
	Warehouse core.AnalyticsWarehouse
	Journal   core.EpisodeJournal

	// Engine and Synchronizer tune the underlying components.
	Engine       []func(o *engine.Options)
	Synchronizer []func(o *synchronizer.Options)

	// SessionIdleTTL and SweepInterval drive the session garbage collector
	// started by Start. A zero interval disables it.
	SessionIdleTTL time.Duration
	SweepInterval  time.Duration
	// EnableSynchronizer schedules the synchronizer in Start.
	EnableSynchronizer bool
	// CloseTimeout bounds how long Close waits for pending episodes.
	CloseTimeout time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	closers []func() error
}

// ShopMesh is the high-level façade aggregating the engine, the
// synchronizer and the stores.
type ShopMesh struct {
	opts   Options
	engine *engine.Engine
	sync   *synchronizer.Synchronizer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a ShopMesh with optional overrides. Any unset service is
// initialized with an in-memory or offline implementation.
func New(optFns ...func(o *Options)) (*ShopMesh, error) {
	opts := Options{
		SessionIdleTTL:     2 * time.Hour,
		SweepInterval:      5 * time.Minute,
		EnableSynchronizer: true,
		CloseTimeout:       5 * time.Second,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)

	if opts.Reasoner == nil {
		opts.Reasoner = model.NewReasoner(NewDemoModel(), func(o *model.ReasonerOptions) { o.Logger = opts.Logger })
	}
	if opts.Search == nil {
		catalog, err := search.New(context.Background(), search.DefaultProducts(), func(o *search.Options) {
			o.Logger = opts.Logger
		})
		if err != nil {
			return nil, fmt.Errorf("build sample catalog: %w", err)
		}
		opts.Search = catalog
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryStore()
	}
	if opts.Warehouse == nil {
		opts.Warehouse = analytics.NewInMemoryWarehouse()
	}
	if opts.Journal == nil {
		opts.Journal = episode.NewInMemoryJournal()
	}

	engineFns := append([]func(o *engine.Options){func(o *engine.Options) {
		o.Sessions = opts.Sessions
		o.Memory = opts.Memory
		o.Warehouse = opts.Warehouse
		o.Journal = opts.Journal
		o.Logger = opts.Logger
	}}, opts.Engine...)
	eng, err := engine.New(opts.Reasoner, opts.Search, engineFns...)
	if err != nil {
		return nil, err
	}

	syncFns := append([]func(o *synchronizer.Options){func(o *synchronizer.Options) {
		o.Logger = opts.Logger
	}}, opts.Synchronizer...)

	return &ShopMesh{
		opts:   opts,
		engine: eng,
		sync:   synchronizer.New(opts.Warehouse, opts.Memory, syncFns...),
	}, nil
}

// ProcessTurn runs one text turn.
func (m *ShopMesh) ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	return m.engine.Process(ctx, in)
}

// AudioResult is the outcome of a spoken turn.
type AudioResult struct {
	Transcript string
	Result     *core.TurnResult
	// Audio is the spoken response; nil when synthesis failed.
	Audio []byte
}

// ProcessAudio transcribes audio, runs the turn with the extracted
// delivery features and synthesizes the response. A failed synthesis
// still returns the text result.
func (m *ShopMesh) ProcessAudio(ctx context.Context, userID, sessionID string, audio []byte) (*AudioResult, error) {
	if m.opts.Speech == nil {
		return nil, ErrNoSpeech
	}
	text, features, err := m.opts.Speech.SpeechToText(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("speech to text: %w", core.Classify(core.ComponentSpeech, 0, err))
	}

	res, err := m.engine.Process(ctx, core.TurnInput{
		UserID:         userID,
		SessionID:      sessionID,
		Text:           text,
		Paralinguistic: features,
	})
	if err != nil {
		return nil, err
	}

	out := &AudioResult{Transcript: text, Result: res}
	spoken, err := m.opts.Speech.TextToSpeech(ctx, res.ResponseText)
	if err != nil {
		m.opts.Logger.Warn("text to speech failed", "session_id", sessionID, "error", err)
		return out, nil
	}
	out.Audio = spoken
	return out, nil
}

// CancelTurn cancels a queued or running turn.
func (m *ShopMesh) CancelTurn(turnID string) error { return m.engine.CancelTurn(turnID) }

// Synchronizer exposes the pattern synchronizer, e.g. for a manual pass.
func (m *ShopMesh) Synchronizer() *synchronizer.Synchronizer { return m.sync }

// Engine exposes the underlying turn engine.
func (m *ShopMesh) Engine() *engine.Engine { return m.engine }

// Start launches the background jobs: the scheduled synchronizer (when
// enabled) and the session sweeper.
func (m *ShopMesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if m.opts.EnableSynchronizer {
		if err := m.sync.Start(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel, m.done = cancel, make(chan struct{})
	go m.sweep(runCtx, m.done)
	return nil
}

func (m *ShopMesh) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	if m.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.opts.Sessions.Sweep(ctx, m.opts.SessionIdleTTL)
			if err != nil {
				m.opts.Logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.opts.Logger.Info("idle sessions removed", "count", n)
			}
		}
	}
}

// Close stops the background jobs, waits for pending episodes and releases
// the backends opened by NewFromConfig.
func (m *ShopMesh) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	m.sync.Stop()
	if cancel != nil {
		cancel()
		<-done
	}

	errs := []error{m.engine.Close(m.opts.CloseTimeout)}
	for i := len(m.opts.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.opts.closers[i]())
	}
	m.opts.closers = nil
	return errors.Join(errs...)
}
