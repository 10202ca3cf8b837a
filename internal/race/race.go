// Package race runs an operation against a timer and keeps whichever
// finishes first.
package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

var (
	ErrTimeout  = errors.New("operation timed out")
	ErrPanicked = errors.New("operation panicked")
)

type result[T any] struct {
	value T
	err   error
}

// Within runs op on its own goroutine and returns its result if it finishes
// before d elapses. When the timer wins, op's context is cancelled and its
// eventual result is dropped. A panic inside op is returned as an error.
func Within[T any](ctx context.Context, clk clock.Clock, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, errors.New("race: nil operation")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanicked, r)}
			}
		}()
		value, err := op(opCtx)
		done <- result[T]{value: value, err: err}
	}()

	if d <= 0 {
		select {
		case res := <-done:
			return res.value, res.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C():
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Sleep waits for d on clk or until ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
