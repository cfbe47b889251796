package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shopmesh/core"
)

func TestCallbackManager_OrderAndFirstError(t *testing.T) {
	var calls []string
	hook := func(name string, err error) Callback {
		return NewFunctionCallback(CallbackAfterHandler, func(context.Context, *CallbackContext) error {
			calls = append(calls, name)
			return err
		})
	}
	stop := errors.New("stop")

	cm := NewCallbackManager()
	cm.RegisterCallback(hook("a", nil))
	cm.RegisterCallback(hook("b", stop))
	cm.RegisterCallback(hook("c", nil))
	assert.Equal(t, 3, cm.Len(CallbackAfterHandler))
	assert.Zero(t, cm.Len(CallbackOnDegraded))

	cc := &CallbackContext{Handler: core.HandlerSearch}
	err := cm.ExecuteCallbacks(context.Background(), CallbackAfterHandler, cc)
	require.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, CallbackAfterHandler, cc.CallbackType)
}

func TestCallbackManager_PanicBecomesError(t *testing.T) {
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackOnDegraded, func(context.Context, *CallbackContext) error {
		panic("metrics exporter gone")
	}))

	err := cm.ExecuteCallbacks(context.Background(), CallbackOnDegraded, &CallbackContext{Component: core.ComponentSearch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics exporter gone")
}

func TestCallbackManager_NoHooks(t *testing.T) {
	assert.NoError(t, NewCallbackManager().ExecuteCallbacks(context.Background(), CallbackOnTurnComplete, &CallbackContext{}))
}
