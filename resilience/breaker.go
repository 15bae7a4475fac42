// Package resilience adapts the circuit-breaker pattern to protect a
// leaderelection.Lock's backend from being hammered every retry_period
// while it is unhealthy.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	leaderelection "github.com/cshep4/k8s-leaderelection"
)

// State is the circuit breaker's state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned by Breaker's Lock methods while the circuit
// is open or past its half-open request budget. It satisfies errors.Is
// against leaderelection.ErrTransport so the Elector's uniform
// "log and return false" handling still applies.
var ErrCircuitOpen = fmt.Errorf("%w: resilience: circuit open, skipping lock call", leaderelection.ErrTransport)

// Breaker wraps a Lock and short-circuits calls after repeated transport
// failures instead of retrying every one against an unhealthy API
// server. Conflict and NotFound are ordinary protocol outcomes for a
// Lock, not backend-health signals, so only errors matching
// leaderelection.ErrTransport count toward the failure threshold.
type Breaker struct {
	lock  leaderelection.Lock
	clock clockwork.Clock

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	maxRequests      int

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	requests  int
	lastFail  time.Time
}

// Option configures a Breaker.
type Option func(*Breaker) error

// WithClock overrides the Breaker's time source; tests use
// clockwork.NewFakeClock() to advance past the cooldown deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) error {
		if clock == nil {
			return errors.New("resilience: clock is nil")
		}
		b.clock = clock
		return nil
	}
}

// New wraps lock with a circuit breaker that opens after
// failureThreshold consecutive transport failures, waits cooldown
// before probing again, allows at most maxRequests probes while
// half-open, and closes again after successThreshold consecutive
// successes.
func New(lock leaderelection.Lock, failureThreshold int, cooldown time.Duration, maxRequests, successThreshold int, opts ...Option) (*Breaker, error) {
	switch {
	case lock == nil:
		return nil, errors.New("resilience: lock is nil")
	case failureThreshold <= 0:
		return nil, errors.New("resilience: failureThreshold must be greater than 0")
	case cooldown <= 0:
		return nil, errors.New("resilience: cooldown must be greater than 0")
	case maxRequests <= 0:
		return nil, errors.New("resilience: maxRequests must be greater than 0")
	case successThreshold <= 0:
		return nil, errors.New("resilience: successThreshold must be greater than 0")
	}

	b := &Breaker{
		lock:             lock,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		maxRequests:      maxRequests,
		successThreshold: successThreshold,
		state:            Closed,
		clock:            clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Identity implements leaderelection.Lock.
func (b *Breaker) Identity() string { return b.lock.Identity() }

// Describe implements leaderelection.Lock.
func (b *Breaker) Describe() string { return b.lock.Describe() }

// Create implements leaderelection.Lock.
func (b *Breaker) Create(ctx context.Context, record leaderelection.Record) error {
	return b.call(func() error { return b.lock.Create(ctx, record) })
}

// Get implements leaderelection.Lock.
func (b *Breaker) Get(ctx context.Context) (leaderelection.Record, error) {
	var record leaderelection.Record
	err := b.call(func() error {
		var err error
		record, err = b.lock.Get(ctx)
		return err
	})
	return record, err
}

// Update implements leaderelection.Lock.
func (b *Breaker) Update(ctx context.Context, record leaderelection.Record) error {
	return b.call(func() error { return b.lock.Update(ctx, record) })
}

func (b *Breaker) call(fn func() error) error {
	b.mu.Lock()

	now := b.clock.Now()

	if b.state == Open {
		if now.Sub(b.lastFail) > b.cooldown {
			b.state = HalfOpen
			b.requests = 0
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	if b.state == HalfOpen && b.requests >= b.maxRequests {
		b.mu.Unlock()
		return ErrCircuitOpen
	}

	b.requests++
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && errors.Is(err, leaderelection.ErrTransport) {
		b.successes = 0
		b.failures++
		b.lastFail = now
		if b.failures >= b.failureThreshold {
			b.state = Open
		}
		return err
	}

	if err == nil {
		b.successes++
		b.failures = 0
		if b.successes >= b.successThreshold {
			b.state = Closed
		}
	}

	return err
}
