package util

import (
	"context"
	"time"
)

// CallWithDeadline runs fn under a timeout derived from ctx. fn runs in its
// own goroutine and its result lands in a buffered channel, so a callee
// that ignores ctx cannot hold the caller past the deadline; a late result
// is dropped.
func CallWithDeadline[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
