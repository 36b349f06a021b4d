package compress

import (
	"context"
	"time"

	"github.com/tflow/attachstore/pkg/errors"
)

// Race runs fn against a timer. Whichever finishes first decides the result;
// the loser is cancelled. When the timer wins, fn's context is cancelled and
// Race returns immediately without waiting for fn to observe it.
func Race[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	// buffered so a late fn never blocks forever on send
	done := make(chan outcome, 1)

	go func() {
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		return zero, errors.NewError(errors.ErrCodeOperationTimeout, "operation did not finish in time").
			WithComponent(component).
			WithOperation("race").
			WithDetail("timeout", timeout.String())
	case <-ctx.Done():
		return zero, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, component, "race")
	}
}
