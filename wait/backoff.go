// Package wait provides the time-driven loop primitive the Elector uses
// to drive acquire/renew attempts: repeat a task at a period, optionally
// jittered, until a shutdown signal fires.
package wait

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff produces the delay before the next task invocation.
type Backoff interface {
	Next() time.Duration
}

// Repeat is a fixed-period backoff.
type Repeat struct {
	Period time.Duration
}

// NewRepeat returns a fixed-period Backoff.
func NewRepeat(period time.Duration) Repeat {
	return Repeat{Period: period}
}

// Next implements Backoff.
func (r Repeat) Next() time.Duration {
	return r.Period
}

// Jitter sleeps period + U(0,1)*period*factor. A factor of 0 or less
// degenerates to Repeat.
type Jitter struct {
	Period time.Duration
	Factor float64
}

// NewJitter returns a Backoff that jitters period by factor. factor <= 0
// degenerates to a plain Repeat(period).
func NewJitter(period time.Duration, factor float64) Backoff {
	if factor <= 0 {
		return Repeat{Period: period}
	}
	return Jitter{Period: period, Factor: factor}
}

// Next implements Backoff.
func (j Jitter) Next() time.Duration {
	if j.Factor <= 0 {
		return j.Period
	}
	return j.Period + time.Duration(float64(j.Period)*j.Factor*rand.Float64())
}

// BackoffUntil runs task in a loop until shutdown fires. Between
// invocations the delay is produced by backoff.Next(). When sliding is
// true the delay is measured from completion of the previous task; when
// false it is measured from the task's start, so a slow task eats into
// its own period (a fixed-period ticker, not a fixed-period sleep).
//
// shutdown preempts the next tick wait, never an in-progress task: a
// caller wanting hard cancellation of task itself must make task
// context-aware and cancel ctx.
func BackoffUntil(ctx context.Context, clock clockwork.Clock, task func(ctx context.Context), backoff Backoff, sliding bool, shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		var start time.Time
		if !sliding {
			start = clock.Now()
		}

		task(ctx)

		delay := backoff.Next()
		if !sliding {
			delay -= clock.Now().Sub(start)
			if delay < 0 {
				delay = 0
			}
		}

		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-clock.After(delay):
		}
	}
}

// RepeatUntil is BackoffUntil with a fixed-period Backoff.
func RepeatUntil(ctx context.Context, clock clockwork.Clock, task func(ctx context.Context), period time.Duration, sliding bool, shutdown <-chan struct{}) {
	BackoffUntil(ctx, clock, task, NewRepeat(period), sliding, shutdown)
}

// JitterUntil is BackoffUntil with a Jitter(period, factor) Backoff.
func JitterUntil(ctx context.Context, clock clockwork.Clock, task func(ctx context.Context), period time.Duration, factor float64, sliding bool, shutdown <-chan struct{}) {
	BackoffUntil(ctx, clock, task, NewJitter(period, factor), sliding, shutdown)
}
