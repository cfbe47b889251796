package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/logging"
)

// CallbackType names a point in the turn pipeline where hooks run.
type CallbackType string

const (
	// CallbackBeforeHandler runs before a domain handler is dispatched. An
	// error skips the handler and marks it degraded.
	CallbackBeforeHandler CallbackType = "before_handler"
	// CallbackAfterHandler runs once the handler returned.
	CallbackAfterHandler CallbackType = "after_handler"
	// CallbackOnDegraded runs for every degraded component.
	CallbackOnDegraded CallbackType = "on_degraded"
	// CallbackOnTurnComplete runs with the compiled result.
	CallbackOnTurnComplete CallbackType = "on_turn_complete"
)

// CallbackContext is what a hook sees. Only the fields relevant to the
// CallbackType are set.
type CallbackContext struct {
	CallbackType CallbackType
	Turn         core.TurnInput
	Handler      core.HandlerName // handler hooks
	Component    core.Component   // OnDegraded
	Reason       string           // OnDegraded
	Result       *core.TurnResult // OnTurnComplete
	Metadata     map[string]any
}

// Callback is a turn lifecycle hook. Hooks run on the turn goroutine, so
// their latency is the turn's latency.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

// FunctionCallback adapts a function to Callback.
//
//	cbs.RegisterCallback(engine.NewFunctionCallback(engine.CallbackOnDegraded,
//		func(ctx context.Context, c *engine.CallbackContext) error {
//			degradations.WithLabelValues(string(c.Component)).Inc()
//			return nil
//		}))
type FunctionCallback struct {
	typ CallbackType
	fn  func(ctx context.Context, cc *CallbackContext) error
}

// NewFunctionCallback wraps fn as a hook for typ.
func NewFunctionCallback(typ CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{typ: typ, fn: fn}
}

func (c *FunctionCallback) Type() CallbackType { return c.typ }

func (c *FunctionCallback) Execute(ctx context.Context, cc *CallbackContext) error {
	return c.fn(ctx, cc)
}

// CallbackManager holds the registered hooks. Registration copies the hook
// list, so a running chain never observes a concurrent registration.
type CallbackManager struct {
	mu    sync.RWMutex
	hooks map[CallbackType][]Callback
}

// NewCallbackManager returns a manager without hooks.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{hooks: map[CallbackType][]Callback{}}
}

// RegisterCallback appends cb to the chain of its type.
func (cm *CallbackManager) RegisterCallback(cb Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	typ := cb.Type()
	chain := make([]Callback, len(cm.hooks[typ]), len(cm.hooks[typ])+1)
	copy(chain, cm.hooks[typ])
	cm.hooks[typ] = append(chain, cb)
}

// Len reports how many hooks are registered for typ.
func (cm *CallbackManager) Len(typ CallbackType) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.hooks[typ])
}

// ExecuteCallbacks runs the chain for typ in registration order and stops at
// the first error. A panicking hook is reported as an error.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, typ CallbackType, cc *CallbackContext) error {
	cm.mu.RLock()
	chain := cm.hooks[typ]
	cm.mu.RUnlock()

	cc.CallbackType = typ
	for i, cb := range chain {
		if err := safeExecute(ctx, cb, cc); err != nil {
			return fmt.Errorf("%s callback %d: %w", typ, i, err)
		}
	}
	return nil
}

func safeExecute(ctx context.Context, cb Callback, cc *CallbackContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb.Execute(ctx, cc)
}

// LoggingCallback writes one debug entry per lifecycle event.
type LoggingCallback struct {
	typ    CallbackType
	logger logging.Logger
}

// NewLoggingCallback logs every typ event to logger.
func NewLoggingCallback(typ CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{typ: typ, logger: logging.Ensure(logger)}
}

func (c *LoggingCallback) Type() CallbackType { return c.typ }

func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	kv := []any{"event", string(cc.CallbackType), "turn_id", cc.Turn.TurnID}
	switch {
	case cc.Handler != "":
		kv = append(kv, "handler", cc.Handler)
	case cc.Component != "":
		kv = append(kv, "component", cc.Component, "reason", cc.Reason)
	case cc.Result != nil:
		kv = append(kv, "degraded", cc.Result.Metadata.AnyDegraded(), "handlers", cc.Result.Metadata.Decision.Handlers)
	}
	c.logger.Debug("turn lifecycle", kv...)
	return nil
}
