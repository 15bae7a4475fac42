package leaderelection

//go:generate go tool mockgen -destination=internal/mocks/lock.go -package=mocks . Lock

import "context"

// Lock is a remote handle bound to a single (namespace, name) election
// resource. Exactly one physical resource exists cluster-wide per
// (namespace, name); the control plane arbitrates concurrent writers by
// resource-version, so Update must be optimistic-concurrent: two racing
// holders cannot both succeed.
//
// Implementations typically cache the last-seen server object internally
// and submit it as the precondition on the next Update — that caching is
// a backend concern, not part of this contract.
type Lock interface {
	// Create creates the backing resource with record. Returns
	// ErrNotFound's sibling: a create conflict is surfaced as whatever the
	// backend considers "already exists", which callers treat the same as
	// a failed attempt (see acquireOrRenew).
	Create(ctx context.Context, record Record) error
	// Get reads the current record. Returns ErrNotFound if the resource is
	// absent, or a transport error (matched with errors.Is against
	// ErrTransport) for network/decode failures.
	Get(ctx context.Context) (Record, error)
	// Update replaces the record. Returns ErrConflict if the caller's view
	// is stale, ErrNotFound if the resource was deleted underneath it.
	Update(ctx context.Context, record Record) error
	// Identity is this caller's immutable identity string.
	Identity() string
	// Describe returns a human-printable "namespace/name" form for logs.
	Describe() string
}
