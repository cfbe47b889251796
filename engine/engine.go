package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/hupe1980/shopmesh/analytics"
	"github.com/hupe1980/shopmesh/compiler"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/episode"
	"github.com/hupe1980/shopmesh/fetcher"
	"github.com/hupe1980/shopmesh/handler"
	"github.com/hupe1980/shopmesh/internal/util"
	"github.com/hupe1980/shopmesh/logging"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/hupe1980/shopmesh/personalize"
	"github.com/hupe1980/shopmesh/router"
	"github.com/hupe1980/shopmesh/session"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("engine closed")

// Components are the per-turn stages. They are built once at startup and
// parameterized per call. Nil fields are built by New from the reasoning
// and search services and the configured stores.
type Components struct {
	Fetcher      *fetcher.Fetcher
	Router       *router.Router
	Search       *handler.Search
	Order        *handler.Order
	Chat         *handler.Chat
	Personalizer *personalize.Engine
	Compiler     *compiler.Compiler
}

// Options configures an Engine. Every store has an in-memory default so an
// engine can be created for tests and local development without any
// external service.
type Options struct {
	Components Components

	Sessions  core.SessionStore
	Memory    core.MemoryStore
	Warehouse core.AnalyticsWarehouse
	Journal   core.EpisodeJournal

	Callbacks *CallbackManager

	// MaxConcurrentTurns bounds the turns processed at once across all
	// sessions. Zero means unbounded.
	MaxConcurrentTurns int
	// EmitterPoolSize bounds the goroutines persisting episodes.
	EmitterPoolSize int
	// HistorySize is the number of turn records kept per session.
	HistorySize int

	// FetchDeadline and JoinGrace bound how long, measured from turn start,
	// the engine waits for the memory context after routing finished.
	FetchDeadline time.Duration
	JoinGrace     time.Duration
	// SessionDeadline bounds session snapshot reads and history writes.
	SessionDeadline time.Duration
	// JournalDeadline bounds one episode append.
	JournalDeadline time.Duration

	// RealtimeWrites upserts the relationships touched by a turn right after
	// the turn, with RealtimeDelta as confidence delta, instead of waiting
	// for the synchronizer.
	RealtimeWrites      bool
	RealtimeDelta       float64
	MemoryWriteDeadline time.Duration

	// ContextTTL keeps a session's last memory context for routing its next
	// turn.
	ContextTTL        time.Duration
	ContextCacheItems int64

	NewID  func() string
	Now    func() time.Time
	Logger logging.Logger
}

// Engine runs turns through the pipeline
//
//	fetch ‖ route → order → search → personalize → chat → compile
//
// and emits one episode per completed turn.
//
// Concurrency model:
//   - turns of one session run in submission order, different sessions run
//     concurrently up to MaxConcurrentTurns
//   - the only shared mutable state between turns is reached through the
//     session store and the memory store
//   - every running turn can be cancelled by id with CancelTurn
//   - episode persistence runs on a bounded worker pool and never blocks or
//     fails a turn
type Engine struct {
	c         Components
	sessions  core.SessionStore
	memory    core.MemoryStore
	warehouse core.AnalyticsWarehouse
	journal   core.EpisodeJournal
	callbacks *CallbackManager
	opts      Options
	logger    logging.Logger

	seq      *sequencer
	sem      chan struct{}
	pool     *ants.Pool
	contexts *ristretto.Cache

	turnsMu     sync.Mutex
	activeTurns map[string]context.CancelFunc

	emitWG  sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
}

// New creates an Engine. reasoner backs routing and chat, search backs the
// search handler; both are only used for components not supplied through
// Options.Components.
func New(reasoner core.ReasoningService, search core.SearchService, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Callbacks:           NewCallbackManager(),
		MaxConcurrentTurns:  64,
		EmitterPoolSize:     16,
		HistorySize:         20,
		FetchDeadline:       150 * time.Millisecond,
		JoinGrace:           20 * time.Millisecond,
		SessionDeadline:     200 * time.Millisecond,
		JournalDeadline:     time.Second,
		RealtimeDelta:       0.1,
		MemoryWriteDeadline: 500 * time.Millisecond,
		ContextTTL:          30 * time.Minute,
		ContextCacheItems:   10000,
		NewID:               uuid.NewString,
		Now:                 time.Now,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)
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
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.EmitterPoolSize < 1 {
		opts.EmitterPoolSize = 1
	}

	c, err := defaultComponents(opts, reasoner, search)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(opts.EmitterPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			opts.Logger.Error("episode emitter panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create emitter pool: %w", err)
	}

	items := opts.ContextCacheItems
	if items < 1 {
		items = 1
	}
	contexts, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: items * 10,
		MaxCost:     items,
		BufferItems: 64,
	})
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("create context cache: %w", err)
	}

	e := &Engine{
		c:           c,
		sessions:    opts.Sessions,
		memory:      opts.Memory,
		warehouse:   opts.Warehouse,
		journal:     opts.Journal,
		callbacks:   opts.Callbacks,
		opts:        opts,
		logger:      opts.Logger,
		seq:         newSequencer(),
		pool:        pool,
		contexts:    contexts,
		activeTurns: make(map[string]context.CancelFunc),
	}
	if opts.MaxConcurrentTurns > 0 {
		e.sem = make(chan struct{}, opts.MaxConcurrentTurns)
	}
	return e, nil
}

func defaultComponents(opts Options, reasoner core.ReasoningService, search core.SearchService) (Components, error) {
	c := opts.Components
	if (c.Router == nil || c.Chat == nil) && reasoner == nil {
		return c, errors.New("engine: a reasoning service is required")
	}
	if c.Search == nil && search == nil {
		return c, errors.New("engine: a search service is required")
	}
	if c.Fetcher == nil {
		c.Fetcher = fetcher.New(opts.Memory, func(o *fetcher.Options) {
			o.Deadline = opts.FetchDeadline
			o.Sessions = opts.Sessions
			o.Logger = opts.Logger
		})
	}
	if c.Router == nil {
		c.Router = router.New(reasoner, func(o *router.Options) { o.Logger = opts.Logger })
	}
	if c.Search == nil {
		c.Search = handler.NewSearch(search, func(o *handler.SearchOptions) { o.Logger = opts.Logger })
	}
	if c.Order == nil {
		c.Order = handler.NewOrder(opts.Sessions, func(o *handler.OrderOptions) {
			if cat, ok := search.(core.Catalog); ok {
				o.Catalog = cat
			}
			o.NewID = opts.NewID
			o.Logger = opts.Logger
		})
	}
	if c.Chat == nil {
		c.Chat = handler.NewChat(reasoner, func(o *handler.ChatOptions) { o.Logger = opts.Logger })
	}
	if c.Personalizer == nil {
		c.Personalizer = personalize.New()
	}
	if c.Compiler == nil {
		c.Compiler = compiler.New()
	}
	return c, nil
}

// Process runs one turn and returns its compiled result.
//
// Errors are reserved for the caller's side of the contract: an invalid
// turn (core.ErrInvalidTurn), a session owned by someone else
// (core.ErrSessionOwner), a cancelled turn (core.ErrTurnCancelled) or a
// closed engine. Everything that goes wrong downstream is absorbed into a
// degraded result recorded in the execution metadata.
func (e *Engine) Process(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	in, err := e.normalize(in)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.register(in.TurnID, cancel); err != nil {
		return nil, err
	}
	defer e.unregister(in.TurnID)

	release, err := e.seq.acquire(turnCtx, in.SessionID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer release()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-turnCtx.Done():
			return nil, cancelled(turnCtx.Err())
		}
	}

	return e.run(turnCtx, in)
}

// CancelTurn cancels a running or queued turn by id.
func (e *Engine) CancelTurn(turnID string) error {
	e.turnsMu.Lock()
	cancel, exists := e.activeTurns[turnID]
	e.turnsMu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", core.ErrTurnNotFound, turnID)
	}
	cancel()
	return nil
}

// Sessions returns the session store the engine writes to.
func (e *Engine) Sessions() core.SessionStore { return e.sessions }

// Dropped returns the number of episodes that could not be handed to the
// emitter pool.
func (e *Engine) Dropped() int64 { return e.dropped.Load() }

// Flush waits until every episode emitted so far has been persisted.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.emitWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting turns and waits up to timeout for pending episodes.
// The stores are owned by the caller and stay open.
func (e *Engine) Close(timeout time.Duration) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.pool.ReleaseTimeout(timeout)
	e.contexts.Close()
	if err != nil {
		return fmt.Errorf("release emitter pool: %w", err)
	}
	return nil
}

func (e *Engine) normalize(in core.TurnInput) (core.TurnInput, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.Text = strings.TrimSpace(in.Text)
	switch {
	case in.UserID == "":
		return in, fmt.Errorf("%w: user_id is required", core.ErrInvalidTurn)
	case in.SessionID == "":
		return in, fmt.Errorf("%w: session_id is required", core.ErrInvalidTurn)
	case in.Text == "":
		return in, fmt.Errorf("%w: text is required", core.ErrInvalidTurn)
	}
	in.Paralinguistic = in.Paralinguistic.Sanitized()
	if in.TurnID == "" {
		in.TurnID = e.opts.NewID()
	}
	if in.SubmittedAt.IsZero() {
		in.SubmittedAt = e.opts.Now()
	}
	return in, nil
}

func (e *Engine) register(turnID string, cancel context.CancelFunc) error {
	e.turnsMu.Lock()
	defer e.turnsMu.Unlock()
	if _, exists := e.activeTurns[turnID]; exists {
		return fmt.Errorf("%w: turn %s is already running", core.ErrInvalidTurn, turnID)
	}
	e.activeTurns[turnID] = cancel
	return nil
}

func (e *Engine) unregister(turnID string) {
	e.turnsMu.Lock()
	delete(e.activeTurns, turnID)
	e.turnsMu.Unlock()
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", core.ErrTurnCancelled, err)
}

// turn is the engine's private bookkeeping next to the TurnState.
type turn struct {
	state        *core.TurnState
	observations []core.Observation
	log          logging.Logger
}

type fetchResult struct {
	mc   core.MemoryContext
	took time.Duration
}

func (e *Engine) run(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	start := time.Now()
	t := &turn{state: core.NewTurnState(in, start), log: e.turnLogger(in)}
	state := t.state

	snapshot, err := e.snapshot(ctx, in)
	if err != nil {
		return nil, err
	}
	state.Session = snapshot

	// Fetch and route concurrently. The fetch result lands in a buffered
	// channel so a late context never blocks its goroutine.
	fetched := make(chan fetchResult, 1)
	go func() {
		t0 := time.Now()
		mc := e.c.Fetcher.Fetch(ctx, in.UserID, in.SessionID, in.Text)
		fetched <- fetchResult{mc: mc, took: time.Since(t0)}
	}()

	state.Decision = e.c.Router.Route(ctx, in, e.previousContext(in.SessionID, in.UserID))
	state.Record(core.ComponentRoute, state.Decision.Latency)
	if state.Decision.Source == core.SourceFallback && state.Decision.Reason != "" {
		e.degrade(ctx, t, core.ComponentRoute, state.Decision.Reason)
	}
	t.observations = append(t.observations, state.Decision.Observations...)

	r, ok := e.join(ctx, fetched, start)
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	mc := r.mc
	if ok {
		state.Record(core.ComponentFetch, r.took)
	} else {
		mc = core.EmptyMemoryContext(in.UserID, "late")
		state.Record(core.ComponentFetch, time.Since(start))
	}
	state.Memory = mc
	if mc.Degraded {
		e.degrade(ctx, t, core.ComponentFetch, mc.Reason)
	}

	for _, h := range state.Decision.Handlers {
		if err := e.dispatch(ctx, t, h); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	seq := e.recordHistory(ctx, t)
	res := e.c.Compiler.Compile(state)

	if !mc.Degraded {
		e.contexts.SetWithTTL(in.SessionID, mc, 1, e.opts.ContextTTL)
	}
	if seq > 0 {
		e.emit(e.episode(t, seq))
	}

	_ = e.callbacks.ExecuteCallbacks(ctx, CallbackOnTurnComplete, &CallbackContext{Turn: in, Result: &res})
	e.logTurn(t, res)
	return &res, nil
}

// snapshot reads the session at turn start. A missing session is fine since
// sessions are created lazily; an unreachable store only degrades the turn.
func (e *Engine) snapshot(ctx context.Context, in core.TurnInput) (*core.Session, error) {
	sess, err := util.CallWithDeadline(ctx, e.opts.SessionDeadline, func(ctx context.Context) (*core.Session, error) {
		return e.sessions.Get(ctx, in.SessionID)
	})
	switch {
	case err == nil:
		if sess.UserID != in.UserID {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionOwner, in.SessionID)
		}
		return sess, nil
	case errors.Is(err, core.ErrSessionNotFound):
		return nil, nil
	case ctx.Err() != nil:
		return nil, cancelled(ctx.Err())
	default:
		e.logger.Warn("session snapshot unavailable", "session_id", in.SessionID, "error", err)
		return nil, nil
	}
}

// join waits for the memory context until the fetch deadline plus grace,
// measured from turn start. It reports false when the context is late; the
// fetch goroutine still completes into the buffered channel and exits.
func (e *Engine) join(ctx context.Context, fetched <-chan fetchResult, start time.Time) (fetchResult, bool) {
	select {
	case r := <-fetched:
		return r, true
	default:
	}

	wait := time.Until(start.Add(e.opts.FetchDeadline + e.opts.JoinGrace))
	if wait <= 0 {
		return fetchResult{}, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-fetched:
		return r, true
	case <-timer.C:
		return fetchResult{}, false
	case <-ctx.Done():
		return fetchResult{}, false
	}
}

// previousContext returns the memory context of the session's last turn,
// or an empty one. Routing never waits for this turn's fetch.
func (e *Engine) previousContext(sessionID, userID string) core.MemoryContext {
	if v, ok := e.contexts.Get(sessionID); ok {
		if mc, ok := v.(core.MemoryContext); ok && mc.UserID == userID {
			return mc
		}
	}
	return core.MemoryContext{UserID: userID}
}

func (e *Engine) dispatch(ctx context.Context, t *turn, h core.HandlerName) error {
	state := t.state
	hookCtx := &CallbackContext{Turn: state.Input, Handler: h}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeHandler, hookCtx); err != nil {
		t.log.Info("handler skipped by callback", "handler", h, "error", err)
		e.degrade(ctx, t, handlerComponent(h), "skipped")
		return nil
	}

	switch h {
	case core.HandlerOrder:
		if err := e.runOrder(ctx, t); err != nil {
			return err
		}
	case core.HandlerSearch:
		e.runSearch(ctx, t)
	case core.HandlerChat:
		e.runChat(ctx, t)
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterHandler, &CallbackContext{Turn: state.Input, Handler: h}); err != nil {
		t.log.Warn("after-handler callback failed", "handler", h, "error", err)
	}
	return nil
}

func (e *Engine) runOrder(ctx context.Context, t *turn) error {
	state := t.state
	start := time.Now()
	defer func() { state.Record(core.ComponentOrder, time.Since(start)) }()

	intent, ok := orderIntent(state)
	if !ok {
		return nil
	}
	out, err := e.c.Order.Apply(ctx, state.OrderView(), intent)

	var ve *core.ValidationError
	switch {
	case err == nil:
		cart := out.Cart
		state.Cart = &cart
		state.Order = out.Order
		t.observations = append(t.observations, out.Observations...)
	case errors.As(err, &ve):
		state.Rejection = ve.Rejection()
	case errors.Is(err, core.ErrSessionOwner):
		state.Rejection = &core.Rejection{Code: "forbidden", Field: "session_id", Message: "this session belongs to another shopper"}
	case ctx.Err() != nil:
		return cancelled(ctx.Err())
	default:
		e.degrade(ctx, t, core.ComponentOrder, core.Degradation(core.Classify(core.ComponentOrder, 0, err)))
	}
	return nil
}

// orderIntent prefers the intent extracted by the router and falls back to
// the deterministic parser.
func orderIntent(state *core.TurnState) (core.OrderIntent, bool) {
	if state.Decision.Order != nil {
		return *state.Decision.Order, true
	}
	return handler.ParseOrderIntent(state.Input.Text)
}

func (e *Engine) runSearch(ctx context.Context, t *turn) {
	state := t.state
	start := time.Now()
	out := e.c.Search.Search(ctx, state.SearchView(), state.Memory)
	state.Record(core.ComponentSearch, time.Since(start))
	if out.Degraded {
		e.degrade(ctx, t, core.ComponentSearch, out.Reason)
	}

	start = time.Now()
	state.Results, state.Personalization = e.c.Personalizer.Personalize(personalize.FromProducts(out.Products), state.Memory)
	state.Record(core.ComponentPersonalize, time.Since(start))
}

func (e *Engine) runChat(ctx context.Context, t *turn) {
	state := t.state
	start := time.Now()
	out := e.c.Chat.Respond(ctx, state.ChatView(), state.Memory)
	state.Record(core.ComponentChat, time.Since(start))
	state.ChatText = out.Text
	if out.Degraded {
		e.degrade(ctx, t, core.ComponentChat, out.Reason)
	}
}

func (e *Engine) degrade(ctx context.Context, t *turn, c core.Component, reason string) {
	t.state.MarkDegraded(c, reason)
	t.log.Debug("component degraded", "component", c, "reason", reason)
	_ = e.callbacks.ExecuteCallbacks(ctx, CallbackOnDegraded, &CallbackContext{
		Turn:      t.state.Input,
		Component: c,
		Reason:    t.state.Degraded[c],
	})
}

func handlerComponent(h core.HandlerName) core.Component {
	switch h {
	case core.HandlerOrder:
		return core.ComponentOrder
	case core.HandlerChat:
		return core.ComponentChat
	default:
		return core.ComponentSearch
	}
}

// recordHistory appends the turn to the session history and returns its
// sequence number, or zero when the session store is unavailable.
func (e *Engine) recordHistory(ctx context.Context, t *turn) uint64 {
	state := t.state
	rec := core.TurnRecord{
		TurnID:     state.Input.TurnID,
		Text:       state.Input.Text,
		Handler:    state.Decision.Handler(),
		ProductIDs: touchedProducts(state),
		At:         e.opts.Now(),
	}
	var seq uint64
	_, err := util.CallWithDeadline(ctx, e.opts.SessionDeadline, func(ctx context.Context) (*core.Session, error) {
		return e.sessions.Update(ctx, state.Input.SessionID, state.Input.UserID, func(s *core.Session) error {
			seq = s.RecordTurn(rec, e.opts.HistorySize)
			return nil
		})
	})
	if err != nil {
		e.degrade(ctx, t, core.ComponentSession, core.Degradation(core.Classify(core.ComponentSession, e.opts.SessionDeadline, err)))
		t.log.Warn("failed to record turn history", "error", err)
		return 0
	}
	return seq
}

// touchedProducts lists the products shown or changed by the turn.
func touchedProducts(state *core.TurnState) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if state.Decision.Order != nil {
		add(handler.NormalizeProductID(state.Decision.Order.ProductID))
	}
	for _, r := range state.Results {
		add(r.Product.ID)
	}
	return out
}

func (e *Engine) episode(t *turn, seq uint64) core.Episode {
	state := t.state
	ep := core.Episode{
		ID:             e.opts.NewID(),
		UserID:         state.Input.UserID,
		SessionID:      state.Input.SessionID,
		Sequence:       seq,
		TurnID:         state.Input.TurnID,
		Utterance:      state.Input.Text,
		Handler:        state.Decision.Handler(),
		Observations:   append([]core.Observation(nil), t.observations...),
		Paralinguistic: state.Input.Paralinguistic,
		CreatedAt:      e.opts.Now(),
	}
	for _, r := range state.Results {
		p := r.Product
		ent := core.Entity{Type: core.EntityProduct, ID: p.ID, Name: p.Name}
		if p.CategoryID != "" || p.BrandID != "" {
			ent.Attributes = map[string]string{}
			if p.CategoryID != "" {
				ent.Attributes["category"] = p.CategoryID
			}
			if p.BrandID != "" {
				ent.Attributes["brand"] = p.BrandID
			}
		}
		ep.Entities = append(ep.Entities, ent)
	}
	if state.Cart != nil {
		for _, it := range state.Cart.Items {
			ep.Entities = append(ep.Entities, core.Entity{Type: core.EntityProduct, ID: it.ProductID})
		}
	}
	return ep
}

// emit hands the episode to the worker pool. It never blocks: when the
// pool is saturated or released the episode is dropped and counted.
func (e *Engine) emit(ep core.Episode) {
	e.emitWG.Add(1)
	if err := e.pool.Submit(func() {
		defer e.emitWG.Done()
		e.persist(ep)
	}); err != nil {
		e.emitWG.Done()
		e.dropped.Add(1)
		e.logger.Warn("episode dropped", "session_id", ep.SessionID, "sequence", ep.Sequence, "error", err)
	}
}

func (e *Engine) persist(ep core.Episode) {
	ctx := context.Background()
	if _, err := util.CallWithDeadline(ctx, e.opts.JournalDeadline, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.journal.Append(ctx, ep)
	}); err != nil {
		e.logger.Error("failed to append episode", "session_id", ep.SessionID, "sequence", ep.Sequence, "error", err)
	}

	e.warehouse.EmitEvent(ep)

	if !e.opts.RealtimeWrites {
		return
	}
	for _, obs := range ep.Observations {
		edge := edgeFromObservation(ep, obs, e.opts.RealtimeDelta)
		if _, err := util.CallWithDeadline(ctx, e.opts.MemoryWriteDeadline, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.memory.UpsertRelationship(ctx, edge, e.opts.RealtimeDelta)
		}); err != nil {
			e.logger.Warn("realtime relationship write failed", "edge", edge.Key().String(), "error", err)
		}
	}
}

func edgeFromObservation(ep core.Episode, obs core.Observation, delta float64) core.Relationship {
	source := obs.SourceID
	if source == "" {
		source = ep.UserID
	}
	targetType := obs.TargetType
	if targetType == "" {
		targetType = core.EntityProduct
	}
	edge := core.Relationship{
		SourceID:         source,
		Kind:             obs.Kind,
		TargetID:         obs.TargetID,
		TargetType:       targetType,
		Confidence:       delta,
		ObservationCount: 1,
		LastObservedAt:   ep.CreatedAt,
	}
	switch {
	case obs.Quantity > 0 && obs.Kind == core.RegularlyBuys:
		edge.Metadata = map[string]string{core.MetaQuantity: strconv.Itoa(obs.Quantity)}
	case obs.Budget > 0 && obs.Kind == core.PriceSensitive:
		edge.Metadata = map[string]string{core.MetaBudget: strconv.FormatFloat(obs.Budget, 'f', 2, 64)}
	}
	return edge
}

func (e *Engine) turnLogger(in core.TurnInput) logging.Logger {
	if sl, ok := e.logger.(*logging.ShopLogger); ok {
		return sl.WithSession(in.SessionID, in.TurnID)
	}
	return e.logger
}

func (e *Engine) logTurn(t *turn, res core.TurnResult) {
	md := res.Metadata
	var degraded []string
	for c, reason := range md.Degraded {
		degraded = append(degraded, string(c)+"="+reason)
	}
	if sl, ok := t.log.(*logging.ShopLogger); ok {
		for c, d := range md.Timings {
			sl.LogComponent(string(c), d, md.Degraded[c])
		}
		sl.LogTurn(string(t.state.Decision.Handler()), string(md.Decision.Source), md.TotalDuration, degraded, nil)
		return
	}
	t.log.Info("turn completed", "handler", t.state.Decision.Handler(), "source", md.Decision.Source,
		"duration", md.TotalDuration, "degraded", degraded)
}
