package resourcelock

import (
	"errors"

	"k8s.io/client-go/kubernetes"

	leaderelection "github.com/cshep4/k8s-leaderelection"
)

// ErrUnimplemented is returned by the ConfigMap and Endpoints backend
// constructors. Only Lease is required by spec; the other two resource
// kinds a real cluster could arbitrate on are left as documented gaps
// rather than silently falling back to Lease.
var ErrUnimplemented = errors.New("resourcelock: backend not implemented")

// Kind selects which Kubernetes resource backs a Lock.
type Kind int

const (
	// LeasesResourceLock backs a Lock with a coordination.k8s.io/v1 Lease.
	LeasesResourceLock Kind = iota
	// ConfigMapsResourceLock is not implemented; New returns ErrUnimplemented.
	ConfigMapsResourceLock
	// EndpointsResourceLock is not implemented; New returns ErrUnimplemented.
	EndpointsResourceLock
)

// New builds a Lock of the given Kind. Only LeasesResourceLock is
// implemented.
func New(kind Kind, namespace, name, identity string, client kubernetes.Interface) (leaderelection.Lock, error) {
	switch kind {
	case LeasesResourceLock:
		return NewLease(namespace, name, identity, client), nil
	case ConfigMapsResourceLock, EndpointsResourceLock:
		return nil, ErrUnimplemented
	default:
		return nil, ErrUnimplemented
	}
}
