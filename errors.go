package leaderelection

import (
	"errors"
	"time"
)

// Error kinds returned by a Lock implementation. acquireOrRenew never lets
// these escape the package: it classifies them, logs, and collapses the
// result to a bool so the renew loop's retry policy stays uniform.
var (
	// ErrNotFound means the backing resource does not exist yet.
	ErrNotFound = errors.New("leaderelection: lock resource not found")
	// ErrConflict means the caller's view of the resource was stale; a
	// concurrent update already won this epoch.
	ErrConflict = errors.New("leaderelection: lock resource update conflict")
	// ErrTransport covers network, decode, and timeout failures talking to
	// the backend.
	ErrTransport = errors.New("leaderelection: transport error")
	// ErrNotLeading reports that the caller does not hold the lock. No
	// function in this package returns it: Check returns nil for an
	// Elector that is not leader.
	ErrNotLeading = errors.New("leaderelection: not leading")
)

// ErrValidation is returned by (*Elector).Check when an Elector believes
// itself leader but has not refreshed its observation within its own
// lease window. It is the only error kind observable outside this package.
type ErrValidation struct {
	// Observed is how long it has been since the last successful
	// acquire/renew.
	Observed  time.Duration
	Tolerance time.Duration
}

func (e *ErrValidation) Error() string {
	return "leaderelection: leader has not renewed within lease_duration+tolerance (observed " +
		e.Observed.String() + ", tolerance " + e.Tolerance.String() + ")"
}
