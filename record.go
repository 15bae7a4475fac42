package leaderelection

import "time"

// Record is the payload written to the lock resource. All fields are
// optional so that partial or legacy backends round-trip cleanly.
type Record struct {
	// HolderIdentity is the identity of the current claimed leader.
	HolderIdentity string
	// LeaseDurationSeconds is how long the holder claims the lease for.
	LeaseDurationSeconds int
	// AcquireTime is when the current holder first acquired leadership.
	AcquireTime time.Time
	// RenewTime is the most recent successful renewal.
	RenewTime time.Time
	// LeaseTransitions counts holder changes since the record was created.
	LeaseTransitions int
}

// Equal reports whether r and other are component-wise equal.
func (r Record) Equal(other Record) bool {
	return r.HolderIdentity == other.HolderIdentity &&
		r.LeaseDurationSeconds == other.LeaseDurationSeconds &&
		r.AcquireTime.Equal(other.AcquireTime) &&
		r.RenewTime.Equal(other.RenewTime) &&
		r.LeaseTransitions == other.LeaseTransitions
}

// Clone returns a copy of r. Record is already a plain value type, so
// Clone exists to make call sites that depend on "never share mutably"
// explicit, and to survive the addition of any reference-typed field.
func (r Record) Clone() Record {
	return r
}
