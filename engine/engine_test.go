package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shopmesh/analytics"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/episode"
	"github.com/hupe1980/shopmesh/internal/testutil"
	"github.com/hupe1980/shopmesh/memory"
	"github.com/hupe1980/shopmesh/router"
	"github.com/hupe1980/shopmesh/session"
)

type fixture struct {
	engine    *Engine
	reasoner  *testutil.ScriptedReasoner
	search    *testutil.StaticSearch
	sessions  *session.InMemoryStore
	memory    *memory.InMemoryStore
	warehouse *analytics.InMemoryWarehouse
	journal   *episode.InMemoryJournal
}

func newFixture(t *testing.T, reply string, optFns ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		reasoner:  &testutil.ScriptedReasoner{Reply: reply},
		search:    &testutil.StaticSearch{Products: testutil.Products()},
		sessions:  session.NewInMemoryStore(),
		memory:    memory.NewInMemoryStore(),
		warehouse: analytics.NewInMemoryWarehouse(),
		journal:   episode.NewInMemoryJournal(),
	}
	fns := append([]func(o *Options){func(o *Options) {
		o.Sessions = f.sessions
		o.Memory = f.memory
		o.Warehouse = f.warehouse
		o.Journal = f.journal
	}}, optFns...)

	e, err := New(f.reasoner, f.search, fns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(time.Second) })
	f.engine = e
	return f
}

func (f *fixture) process(t *testing.T, in core.TurnInput) *core.TurnResult {
	t.Helper()
	res, err := f.engine.Process(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func newTurn(text string) *testutil.TurnBuilder {
	return testutil.NewTurn(text).User("u1").Session("s1")
}

const orderReply = `{"handlers":["order"],"confidence":0.9,"order":{"op":"add","item":"milk","quantity":2}}`

func TestProcess_AddTwoOnEmptyCart(t *testing.T) {
	f := newFixture(t, orderReply)

	res := f.process(t, newTurn("add two of item milk").Build())
	require.NotNil(t, res.Cart)
	assert.Equal(t, []core.CartItem{{ProductID: "milk", Quantity: 2}}, res.Cart.Items)
	assert.Nil(t, res.Rejection)
	assert.Equal(t, core.SourceModel, res.Metadata.Decision.Source)
	assert.Contains(t, res.ResponseText, "milk")

	sess, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Cart.Quantity("milk"))
	assert.Equal(t, uint64(1), sess.Sequence)
}

func TestProcess_ReasoningTimeoutFallsBackToSearch(t *testing.T) {
	f := newFixture(t, "", func(o *Options) {
		o.Components.Router = router.New(&testutil.ScriptedReasoner{Block: true}, func(o *router.Options) {
			o.Deadline = 30 * time.Millisecond
		})
	})

	start := time.Now()
	res := f.process(t, newTurn("milk").Pace(1).Build())
	assert.Less(t, time.Since(start), time.Second)

	md := res.Metadata
	assert.Equal(t, core.SourceFallback, md.Decision.Source)
	assert.Equal(t, []core.HandlerName{core.HandlerSearch}, md.Decision.Handlers)
	assert.Equal(t, router.FallbackBlend, md.Decision.BlendCoefficient)
	assert.Equal(t, 0.0, md.Decision.Confidence)
	assert.Equal(t, "timeout", md.Degraded[core.ComponentRoute])
	assert.NotEmpty(t, res.Results, "the fallback path still searches")

	calls := f.search.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, router.FallbackBlend, calls[0].Blend)
}

func TestProcess_AvoidedCategoryFiltered(t *testing.T) {
	f := newFixture(t, `{"handlers":["search"],"confidence":0.8}`)
	require.NoError(t, f.memory.UpsertRelationship(context.Background(),
		testutil.NewRelationship("u1", core.Avoids, "dairy").Category().Observed(time.Now()).Build(), 0.9/0.95))

	res := f.process(t, newTurn("show me something for breakfast").Build())
	for _, r := range res.Results {
		assert.NotEqual(t, "dairy", r.Product.CategoryID, "product %s should be filtered", r.Product.ID)
	}
	assert.Len(t, res.Metadata.Personalization.Filtered, 2)
	assert.Empty(t, res.Metadata.Degraded)
}

func TestProcess_ConcurrentAddsSum(t *testing.T) {
	f := newFixture(t, orderReply)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Process(context.Background(), newTurn("add two of item milk").Build()); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2*n, sess.Cart.Quantity("milk"))
	assert.Equal(t, uint64(n), sess.Sequence)
}

func TestProcess_InvalidTurn(t *testing.T) {
	f := newFixture(t, orderReply)

	for name, in := range map[string]core.TurnInput{
		"no user":    {SessionID: "s1", Text: "milk"},
		"no session": {UserID: "u1", Text: "milk"},
		"blank text": {UserID: "u1", SessionID: "s1", Text: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Process(context.Background(), in)
			assert.ErrorIs(t, err, core.ErrInvalidTurn)
		})
	}
}

func TestProcess_ForeignSession(t *testing.T) {
	f := newFixture(t, orderReply)
	f.process(t, newTurn("add two of item milk").Build())

	_, err := f.engine.Process(context.Background(), testutil.NewTurn("milk").User("u2").Session("s1").Build())
	assert.ErrorIs(t, err, core.ErrSessionOwner)
}

func TestProcess_ValidationBecomesRejection(t *testing.T) {
	f := newFixture(t, `{"handlers":["order"],"confidence":0.9,"order":{"op":"remove","item":"bread"}}`)

	res := f.process(t, newTurn("remove the bread").Build())
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "invalid_request", res.Rejection.Code)
	assert.Equal(t, "item", res.Rejection.Field)
	assert.Empty(t, res.Metadata.Degraded)
}

func TestProcess_EmitsEpisode(t *testing.T) {
	f := newFixture(t, orderReply, func(o *Options) {
		o.RealtimeWrites = true
		o.RealtimeDelta = 0.3
	})

	res := f.process(t, newTurn("add two of item milk").Build())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Flush(ctx))

	eps, err := f.journal.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, uint64(1), eps[0].Sequence)
	assert.Equal(t, res.TurnID, eps[0].TurnID)
	assert.Equal(t, core.HandlerOrder, eps[0].Handler)
	require.NotEmpty(t, eps[0].Observations)
	assert.Equal(t, 1, f.warehouse.Emitted())

	edge, ok := f.memory.Edge(core.EdgeKey{SourceID: "u1", Kind: eps[0].Observations[0].Kind, TargetType: core.EntityProduct, TargetID: "milk"})
	require.True(t, ok, "realtime writes upsert touched relationships")
	assert.Greater(t, edge.Confidence, 0.0)
}

func TestProcess_RealtimeWritesOffByDefault(t *testing.T) {
	f := newFixture(t, orderReply)
	f.process(t, newTurn("add two of item milk").Build())
	require.NoError(t, f.engine.Flush(context.Background()))

	assert.Equal(t, 0, f.memory.Len())
	assert.Equal(t, 1, f.journal.Len())
}

func TestProcess_LateContextIsDropped(t *testing.T) {
	f := newFixture(t, `{"handlers":["search"],"confidence":0.8}`, func(o *Options) {
		o.Memory = slowStore{delay: 300 * time.Millisecond}
		o.FetchDeadline = 20 * time.Millisecond
		o.JoinGrace = 5 * time.Millisecond
	})

	start := time.Now()
	res := f.process(t, newTurn("milk").Build())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.NotEmpty(t, res.Metadata.Degraded[core.ComponentFetch])
	assert.NotEmpty(t, res.Results)
}

func TestProcess_CancelTurn(t *testing.T) {
	f := newFixture(t, "", func(o *Options) {
		o.Components.Router = router.New(&testutil.ScriptedReasoner{Block: true}, func(o *router.Options) {
			o.Deadline = 5 * time.Second
		})
	})

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Process(context.Background(), newTurn("add two of item milk").ID("t-cancel").Build())
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.engine.CancelTurn("t-cancel") == nil }, time.Second, 5*time.Millisecond)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrTurnCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not return")
	}

	assert.ErrorIs(t, f.engine.CancelTurn("t-cancel"), core.ErrTurnNotFound)
	_, err := f.sessions.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound, "a cancelled turn leaves no state behind")
}

func TestProcess_SessionTurnsRunInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackBeforeHandler, func(ctx context.Context, c *CallbackContext) error {
		mu.Lock()
		order = append(order, c.Turn.TurnID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	f := newFixture(t, `{"handlers":["search"],"confidence":0.8}`, func(o *Options) { o.Callbacks = cbs })

	release, err := f.engine.seq.acquire(context.Background(), "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.engine.Process(context.Background(), newTurn("milk").ID(id).Build()); err != nil {
				t.Errorf("process %s: %v", id, err)
			}
		}(id)
		// Wait until the turn queued before submitting the next one.
		require.Eventually(t, func() bool {
			f.engine.seq.mu.Lock()
			defer f.engine.seq.mu.Unlock()
			return f.engine.seq.lanes["s1"].n == 2+indexOf(ids, id)
		}, time.Second, time.Millisecond)
	}
	release()
	wg.Wait()

	assert.Equal(t, ids, order)
	assert.Equal(t, 0, f.engine.seq.active())
}

func indexOf(ids []string, id string) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

func TestProcess_Callbacks(t *testing.T) {
	var (
		mu       sync.Mutex
		events   []CallbackType
		degraded []core.Component
		result   *core.TurnResult
	)
	record := func(ctx context.Context, c *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, c.CallbackType)
		switch c.CallbackType {
		case CallbackOnDegraded:
			degraded = append(degraded, c.Component)
		case CallbackOnTurnComplete:
			result = c.Result
		}
		return nil
	}
	cbs := NewCallbackManager()
	for _, typ := range []CallbackType{CallbackBeforeHandler, CallbackAfterHandler, CallbackOnDegraded, CallbackOnTurnComplete} {
		cbs.RegisterCallback(NewFunctionCallback(typ, record))
	}
	cbs.RegisterCallback(NewLoggingCallback(CallbackOnTurnComplete, nil))

	f := newFixture(t, `{"handlers":["search"],"confidence":0.8}`, func(o *Options) { o.Callbacks = cbs })
	f.search.Err = errors.New("search backend down")

	res := f.process(t, newTurn("milk").Build())
	assert.Equal(t, []CallbackType{CallbackBeforeHandler, CallbackOnDegraded, CallbackAfterHandler, CallbackOnTurnComplete}, events)
	assert.Equal(t, []core.Component{core.ComponentSearch}, degraded)
	require.NotNil(t, result)
	assert.Equal(t, res.TurnID, result.TurnID)
	assert.Equal(t, "provider_error", res.Metadata.Degraded[core.ComponentSearch])
}

func TestProcess_BeforeHandlerErrorSkipsHandler(t *testing.T) {
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackBeforeHandler, func(ctx context.Context, c *CallbackContext) error {
		if c.Handler == core.HandlerOrder {
			return errors.New("ordering disabled")
		}
		return nil
	}))
	f := newFixture(t, orderReply, func(o *Options) { o.Callbacks = cbs })

	res := f.process(t, newTurn("add two of item milk").Build())
	assert.Nil(t, res.Cart)
	assert.Equal(t, "skipped", res.Metadata.Degraded[core.ComponentOrder])
}

func TestProcess_RouterSeesPreviousContext(t *testing.T) {
	f := newFixture(t, `{"handlers":["search"],"confidence":0.8}`)
	require.NoError(t, f.memory.UpsertRelationship(context.Background(),
		testutil.NewRelationship("u1", core.Prefers, "oatmilk").Observed(time.Now()).Build(), 0.8))

	f.process(t, newTurn("milk").Build())
	f.engine.contexts.Wait()
	f.process(t, newTurn("more milk").Build())

	prompts := f.reasoner.Prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "oatmilk")
	assert.Contains(t, prompts[1], "oatmilk")
}

func TestClose(t *testing.T) {
	f := newFixture(t, orderReply)
	require.NoError(t, f.engine.Close(time.Second))
	require.NoError(t, f.engine.Close(time.Second))

	_, err := f.engine.Process(context.Background(), newTurn("milk").Build())
	assert.ErrorIs(t, err, ErrClosed)
}

type slowStore struct {
	delay time.Duration
}

func (s slowStore) GetRelationships(ctx context.Context, entityID string, kinds ...core.RelationshipKind) ([]core.Relationship, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s slowStore) UpsertRelationship(context.Context, core.Relationship, float64) error { return nil }
