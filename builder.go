package leaderelection

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultLeaseDuration is the duration a holder claims when not
	// overridden: non-holders must wait this long past observedTime
	// before challenging.
	DefaultLeaseDuration = 15 * time.Second
	// DefaultRenewDeadline is the max time a leader may fail to renew
	// before self-demoting.
	DefaultRenewDeadline = 10 * time.Second
	// DefaultRetryPeriod is the base interval between acquire/renew
	// attempts.
	DefaultRetryPeriod = 2 * time.Second
	// DefaultAcquireTimeout bounds the initial acquire phase.
	DefaultAcquireTimeout = 30 * time.Second
)

// Builder assembles a validated Elector. It is single-use: Build
// consumes it, and a second call returns an error instead of a second
// Elector sharing the same Lock.
type Builder struct {
	lock Lock

	leaseDuration  time.Duration
	renewDeadline  time.Duration
	retryPeriod    time.Duration
	acquireTimeout time.Duration

	callbacks Callbacks
	clock     clockwork.Clock
	logger    *log.Logger

	built bool
}

// NewBuilder starts a Builder for lock with the default timings (15s
// lease, 10s renew deadline, 2s retry period, 30s acquire timeout) and
// no-op callbacks.
func NewBuilder(lock Lock) *Builder {
	return &Builder{
		lock:           lock,
		leaseDuration:  DefaultLeaseDuration,
		renewDeadline:  DefaultRenewDeadline,
		retryPeriod:    DefaultRetryPeriod,
		acquireTimeout: DefaultAcquireTimeout,
		clock:          clockwork.NewRealClock(),
		logger:         log.New(os.Stderr, "", log.LstdFlags),
	}
}

// LeaseDuration overrides the default lease duration.
func (b *Builder) LeaseDuration(d time.Duration) *Builder {
	b.leaseDuration = d
	return b
}

// RenewDeadline overrides the default renew deadline.
func (b *Builder) RenewDeadline(d time.Duration) *Builder {
	b.renewDeadline = d
	return b
}

// RetryPeriod overrides the default retry period.
func (b *Builder) RetryPeriod(d time.Duration) *Builder {
	b.retryPeriod = d
	return b
}

// AcquireTimeout overrides the default bound on the initial acquire
// phase (spec.md's "caller-provided overall deadline").
func (b *Builder) AcquireTimeout(d time.Duration) *Builder {
	b.acquireTimeout = d
	return b
}

// OnStartedLeading sets the callback fired once after the first
// successful acquire.
func (b *Builder) OnStartedLeading(f func()) *Builder {
	b.callbacks.OnStartedLeading = f
	return b
}

// OnStoppedLeading sets the callback fired once when Run returns after
// leading (or on acquire timeout; see DESIGN.md).
func (b *Builder) OnStoppedLeading(f func()) *Builder {
	b.callbacks.OnStoppedLeading = f
	return b
}

// OnNewLeader sets the callback fired whenever the observed holder
// changes.
func (b *Builder) OnNewLeader(f func(identity string)) *Builder {
	b.callbacks.OnNewLeader = f
	return b
}

// WithClock overrides the Elector's time source. Production code should
// never need this; it exists so tests can substitute
// clockwork.NewFakeClock().
func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// WithLogger overrides the Elector's logger. Defaults to a logger
// writing to os.Stderr.
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Build validates the accumulated configuration and returns an Elector.
// It consumes the Builder: a second call returns an error.
//
// Validation enforces spec.md §3 invariant 4: renewDeadline must be
// strictly less than leaseDuration, and retryPeriod must be at most
// renewDeadline.
func (b *Builder) Build() (*Elector, error) {
	if b.built {
		return nil, errors.New("leaderelection: builder already consumed")
	}
	b.built = true

	if b.lock == nil {
		return nil, errors.New("leaderelection: lock is required")
	}
	if b.renewDeadline >= b.leaseDuration {
		return nil, fmt.Errorf("leaderelection: renewDeadline (%s) must be less than leaseDuration (%s)", b.renewDeadline, b.leaseDuration)
	}
	if b.retryPeriod > b.renewDeadline {
		return nil, fmt.Errorf("leaderelection: retryPeriod (%s) must be at most renewDeadline (%s)", b.retryPeriod, b.renewDeadline)
	}
	if b.acquireTimeout <= 0 {
		return nil, errors.New("leaderelection: acquireTimeout must be greater than 0")
	}

	return &Elector{
		cfg: Config{
			Lock:           b.lock,
			LeaseDuration:  b.leaseDuration,
			RenewDeadline:  b.renewDeadline,
			RetryPeriod:    b.retryPeriod,
			AcquireTimeout: b.acquireTimeout,
			Callbacks:      b.callbacks,
		},
		clock:  b.clock,
		logger: b.logger,
	}, nil
}

// DefaultIdentity derives an identity the way a caller that doesn't care
// to pick one might: hostname plus a random suffix, so replicas on the
// same host still collide on host name alone don't step on each other.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "_" + uuid.NewString()
}
