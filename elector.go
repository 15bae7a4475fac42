package leaderelection

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/cshep4/k8s-leaderelection/wait"
)

// Callbacks are dispatched fire-and-forget onto their own goroutine so a
// slow or panicking callback can never stall renewal. A panic inside any
// callback is recovered and logged; it does not stop the Elector.
type Callbacks struct {
	// OnStartedLeading is called once, after the first successful
	// acquire, before the renew phase begins.
	OnStartedLeading func()
	// OnStoppedLeading is called once, when Run is about to return having
	// previously led (or immediately if acquire times out without ever
	// leading — see DESIGN.md for why this repo keeps that behavior).
	OnStoppedLeading func()
	// OnNewLeader is called whenever the observed holder changes,
	// including the first observation. It is never called twice
	// consecutively with the same identity.
	OnNewLeader func(identity string)
}

// Config is the validated, immutable configuration an Elector runs with.
// Build one through Builder rather than constructing it directly.
type Config struct {
	Lock Lock

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
	// AcquireTimeout bounds the initial acquire phase; if it elapses
	// before the lock is ever claimed, Run returns having never led.
	AcquireTimeout time.Duration

	Callbacks Callbacks
}

// Elector is the acquire/renew/release state machine. It owns a Lock
// exclusively: no other goroutine should call methods on the same Lock
// concurrently with a running Elector.
type Elector struct {
	cfg    Config
	clock  clockwork.Clock
	logger *log.Logger

	mu             sync.RWMutex
	observedRecord Record
	observedTime   time.Time
	reportedLeader string
}

// New builds an Elector with default timings (15s/10s/2s, 30s acquire
// timeout) and no callbacks. It is sugar for NewBuilder(lock).Build(),
// which cannot fail with unmodified defaults.
func New(lock Lock) *Elector {
	e, err := NewBuilder(lock).Build()
	if err != nil {
		panic("leaderelection: default configuration rejected by Build: " + err.Error())
	}
	return e
}

// IsLeader reports whether this Elector's identity is the observed
// holder. It does not consult the backend; it reflects the last
// successful Get/Create/Update.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.observedRecord.HolderIdentity == e.cfg.Lock.Identity()
}

// LeaderID returns this Elector's own identity string — not the observed
// holder, which is only ever exposed through OnNewLeader. It is
// immutable for the life of the Elector.
func (e *Elector) LeaderID() string {
	return e.cfg.Lock.Identity()
}

// Check is a health probe: it returns ErrValidation iff this Elector
// believes itself leader but has not refreshed its observation within
// lease_duration+maxTolerableExpired. This surfaces deadlock/stall
// independent of what the backend currently holds.
func (e *Elector) Check(maxTolerableExpired time.Duration) error {
	if !e.IsLeader() {
		return nil
	}

	e.mu.RLock()
	observedTime := e.observedTime
	e.mu.RUnlock()

	observed := e.clock.Now().Sub(observedTime)
	if observed > e.cfg.LeaseDuration+maxTolerableExpired {
		return &ErrValidation{Observed: observed, Tolerance: maxTolerableExpired}
	}
	return nil
}

// Run acquires leadership and then renews it until the lock is lost,
// renewal fails to complete within RenewDeadline, or ctx is cancelled.
// It returns nil after a leading episode ends, or ctx.Err() if it never
// acquired the lock.
func (e *Elector) Run(ctx context.Context) error {
	if !e.acquire(ctx) {
		e.dispatch(e.cfg.Callbacks.OnStoppedLeading)
		return ctx.Err()
	}

	e.dispatch(e.cfg.Callbacks.OnStartedLeading)

	e.renew(ctx)

	e.dispatch(e.cfg.Callbacks.OnStoppedLeading)
	return nil
}

// Release is an optional graceful step: if this Elector is leader, it
// writes a record with a 1-second lease so the next candidate's wait is
// minimal. On failure it logs and returns false without retrying — the
// caller is shutting down.
func (e *Elector) Release(ctx context.Context) bool {
	if !e.IsLeader() {
		return true
	}

	now := e.clock.Now()

	e.mu.RLock()
	transitions := e.observedRecord.LeaseTransitions
	e.mu.RUnlock()

	record := Record{
		HolderIdentity:       e.cfg.Lock.Identity(),
		LeaseDurationSeconds: 1,
		LeaseTransitions:     transitions,
		AcquireTime:          now,
		RenewTime:            now,
	}

	if err := e.cfg.Lock.Update(ctx, record); err != nil {
		e.logger.Printf("leaderelection: %s: failed to release lock: %v", e.cfg.Lock.Describe(), err)
		return false
	}

	e.setObserved(record, now)
	return true
}

// acquire races "keep retrying acquireOrRenew, jittered" against
// "AcquireTimeout has elapsed" — whichever finishes first cancels the
// other's context, per the "race these two awaitables" cancellation
// model the renew loop also uses.
func (e *Elector) acquire(ctx context.Context) bool {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var acquired atomic.Bool
	g, gctx := errgroup.WithContext(acquireCtx)
	never := make(chan struct{})

	g.Go(func() error {
		wait.JitterUntil(gctx, e.clock, func(taskCtx context.Context) {
			if e.acquireOrRenew(taskCtx) {
				acquired.Store(true)
				cancel()
			}
		}, e.cfg.RetryPeriod, 1.2, true, never)
		return nil
	})
	g.Go(func() error {
		select {
		case <-e.clock.After(e.cfg.AcquireTimeout):
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	_ = g.Wait()

	if acquired.Load() {
		e.reportTransitionIfNeeded()
	}
	return acquired.Load()
}

// renew is the steady-state leader loop (spec's Leading/Renewing pair).
// Each outer iteration either renews immediately, or enters a nested
// race between "keep retrying at retry_period" and "RenewDeadline has
// elapsed since this failure started" — the deadline is thus measured
// from the start of the failing period, never cumulatively.
func (e *Elector) renew(ctx context.Context) {
	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outerShutdown := newCloser()

	body := func(taskCtx context.Context) {
		if e.acquireOrRenew(taskCtx) {
			e.reportTransitionIfNeeded()
			return
		}

		renewed := e.raceRenewalAgainstDeadline(taskCtx)
		e.reportTransitionIfNeeded()

		if !renewed {
			e.logger.Printf("leaderelection: %s: failed to renew lease within renew deadline, stopping", e.cfg.Lock.Describe())
			outerShutdown.Close()
		}
	}

	wait.RepeatUntil(renewCtx, e.clock, body, e.cfg.RetryPeriod, true, outerShutdown.Done())
}

// raceRenewalAgainstDeadline is the nested polling loop of spec.md
// §4.E.4 step 2: re-attempt acquireOrRenew at retry_period while a
// parallel timer measures RenewDeadline from the moment this race
// starts. Whichever finishes first wins.
func (e *Elector) raceRenewalAgainstDeadline(ctx context.Context) bool {
	var renewed atomic.Bool
	innerShutdown := newCloser()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wait.RepeatUntil(gctx, e.clock, func(taskCtx context.Context) {
			if e.acquireOrRenew(taskCtx) {
				renewed.Store(true)
				innerShutdown.Close()
			}
		}, e.cfg.RetryPeriod, true, innerShutdown.Done())
		return nil
	})
	g.Go(func() error {
		select {
		case <-e.clock.After(e.cfg.RenewDeadline):
			innerShutdown.Close()
		case <-gctx.Done():
		}
		return nil
	})
	_ = g.Wait()

	return renewed.Load()
}

// acquireOrRenew is the core CAS step of spec.md §4.E.2. It never
// returns an error: every failure is logged and collapsed to false so
// the outer retry policy stays uniform, and conflicts are
// indistinguishable from lost races.
func (e *Elector) acquireOrRenew(ctx context.Context) bool {
	now := e.clock.Now()
	identity := e.cfg.Lock.Identity()

	candidate := Record{
		HolderIdentity:       identity,
		AcquireTime:          now,
		RenewTime:            now,
		LeaseDurationSeconds: int(e.cfg.LeaseDuration / time.Second),
	}

	old, err := e.cfg.Lock.Get(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		if cerr := e.cfg.Lock.Create(ctx, candidate); cerr != nil {
			e.logger.Printf("leaderelection: %s: failed to create lock: %v", e.cfg.Lock.Describe(), cerr)
			return false
		}
		e.setObserved(candidate, now)
		return true
	case err != nil:
		e.logger.Printf("leaderelection: %s: failed to get lock: %v", e.cfg.Lock.Describe(), err)
		return false
	}

	observedRecord, observedTime := e.observed()
	if !old.Equal(observedRecord) {
		observedTime = now
		e.setObserved(old, observedTime)
	}

	if old.HolderIdentity != "" && observedTime.Add(e.cfg.LeaseDuration).After(now) && identity != old.HolderIdentity {
		return false
	}

	candidate.LeaseTransitions = old.LeaseTransitions
	if identity == old.HolderIdentity {
		candidate.AcquireTime = old.AcquireTime
	} else {
		candidate.LeaseTransitions++
	}

	if err := e.cfg.Lock.Update(ctx, candidate); err != nil {
		e.logger.Printf("leaderelection: %s: failed to update lock: %v", e.cfg.Lock.Describe(), err)
		return false
	}

	e.setObserved(candidate, now)
	return true
}

// reportTransitionIfNeeded dispatches OnNewLeader exactly when the
// observed holder has changed since the last report.
func (e *Elector) reportTransitionIfNeeded() {
	e.mu.Lock()
	holder := e.observedRecord.HolderIdentity
	if holder == e.reportedLeader {
		e.mu.Unlock()
		return
	}
	e.reportedLeader = holder
	e.mu.Unlock()

	e.dispatch(func() {
		if e.cfg.Callbacks.OnNewLeader != nil {
			e.cfg.Callbacks.OnNewLeader(holder)
		}
	})
}

func (e *Elector) observed() (Record, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.observedRecord, e.observedTime
}

func (e *Elector) setObserved(record Record, t time.Time) {
	e.mu.Lock()
	e.observedRecord = record
	e.observedTime = t
	e.mu.Unlock()
}

// dispatch runs fn on its own goroutine, fire-and-forget, recovering any
// panic so a broken callback can never stop the Elector. A nil fn is a
// no-op, matching the Builder's no-op callback defaults.
func (e *Elector) dispatch(fn func()) {
	if fn == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Printf("leaderelection: recovered panic in callback: %v", r)
			}
		}()
		fn()
	}()
}

// closer is a channel that can be safely closed more than once, used to
// signal "first of two racing goroutines wins" to wait.BackoffUntil.
type closer struct {
	once sync.Once
	ch   chan struct{}
}

func newCloser() *closer {
	return &closer{ch: make(chan struct{})}
}

func (c *closer) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closer) Done() <-chan struct{} {
	return c.ch
}
