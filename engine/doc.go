// Package engine is the request-scoped orchestration core of shopmesh.
//
// An Engine takes one user turn at a time per session and drives it through
// the stages built at startup:
//
//	┌──────────────┐   ┌──────────────┐
//	│ Fetcher      │ ‖ │ Router       │   memory context and routing decision
//	└──────┬───────┘   └──────┬───────┘
//	       └──────── join ────┘           late context is dropped
//	                  │
//	        order → search → chat         in decision order
//	                  │
//	            personalization           re-rank and filter search results
//	                  │
//	              compiler                TurnResult + execution metadata
//	                  │
//	        episode (worker pool)         journal, warehouse, realtime edges
//
// Every external call carries its own deadline and degrades into a valid
// but reduced result; Process only returns errors for invalid input,
// foreign sessions, cancellation and a closed engine.
//
// # Callbacks
//
// A CallbackManager passed through Options observes the pipeline:
//
//	cbs := engine.NewCallbackManager()
//	cbs.RegisterCallback(engine.NewFunctionCallback(engine.CallbackOnDegraded,
//	    func(ctx context.Context, c *engine.CallbackContext) error {
//	        log.Printf("%s degraded: %s", c.Component, c.Reason)
//	        return nil
//	    }))
//
//	eng, err := engine.New(reasoner, catalog, func(o *engine.Options) {
//	    o.Callbacks = cbs
//	})
//
// A BeforeHandler callback that returns an error, or panics, skips that
// handler for the turn.
//
// # Cancellation
//
// CancelTurn cancels a queued or running turn by id. Process then returns
// core.ErrTurnCancelled; a cart mutation is either committed completely or
// not at all.
package engine
