// Package resourcelock provides the concrete leaderelection.Lock
// backends. Lease is the only one required by spec; ConfigMap and
// Endpoints are intentionally left unimplemented (see unimplemented.go).
package resourcelock

import (
	"context"
	"fmt"
	"sync"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1ac "k8s.io/client-go/applyconfigurations/coordination/v1"
	"k8s.io/client-go/kubernetes"

	leaderelection "github.com/cshep4/k8s-leaderelection"
)

// FieldManager identifies this library's writes for server-side apply.
const FieldManager = "k8s-leaderelection"

// Lease is a leaderelection.Lock backed by the coordination.k8s.io/v1
// Lease resource. It maps leaderelection.Record field-for-field onto the
// Lease spec, and server-side-applies updates using the most recently
// observed object as the base so resource-version arbitration works.
type Lease struct {
	namespace string
	name      string
	identity  string
	client    kubernetes.Interface

	mu sync.Mutex
	// observed is the last-seen server object; Update is built from it
	// so a create/get always primes a correct apply base (spec.md §4.A:
	// "submits it as the precondition").
	observed *coordinationv1.Lease
}

// NewLease returns a Lock for the Lease named name in namespace, writing
// as identity through client.
func NewLease(namespace, name, identity string, client kubernetes.Interface) *Lease {
	return &Lease{
		namespace: namespace,
		name:      name,
		identity:  identity,
		client:    client,
	}
}

// Identity implements leaderelection.Lock.
func (l *Lease) Identity() string { return l.identity }

// Describe implements leaderelection.Lock.
func (l *Lease) Describe() string { return fmt.Sprintf("%s/%s", l.namespace, l.name) }

// Create implements leaderelection.Lock.
func (l *Lease) Create(ctx context.Context, record leaderelection.Record) error {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      l.name,
			Namespace: l.namespace,
		},
		Spec: recordToSpec(record),
	}

	created, err := l.client.CoordinationV1().Leases(l.namespace).Create(ctx, lease, metav1.CreateOptions{FieldManager: FieldManager})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("%w: %s already exists", leaderelection.ErrConflict, l.Describe())
		}
		return fmt.Errorf("%w: create %s: %s", leaderelection.ErrTransport, l.Describe(), err)
	}

	l.setObserved(created)
	return nil
}

// Get implements leaderelection.Lock.
func (l *Lease) Get(ctx context.Context) (leaderelection.Record, error) {
	lease, err := l.client.CoordinationV1().Leases(l.namespace).Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return leaderelection.Record{}, leaderelection.ErrNotFound
		}
		return leaderelection.Record{}, fmt.Errorf("%w: get %s: %s", leaderelection.ErrTransport, l.Describe(), err)
	}

	l.setObserved(lease)
	return specToRecord(lease.Spec), nil
}

// Update implements leaderelection.Lock. It applies record as the basis
// of a server-side apply patch, using the last observed object (from
// Get or Create) to carry the resource-version precondition.
func (l *Lease) Update(ctx context.Context, record leaderelection.Record) error {
	observed := l.getObserved()
	if observed == nil {
		return fmt.Errorf("%w: %s: update called before get or create", leaderelection.ErrTransport, l.Describe())
	}

	apply := coordinationv1ac.Lease(l.name, l.namespace).
		WithResourceVersion(observed.ResourceVersion).
		WithSpec(recordToSpecApply(record))

	updated, err := l.client.CoordinationV1().Leases(l.namespace).Apply(ctx, apply, metav1.ApplyOptions{
		FieldManager: FieldManager,
		Force:        true,
	})
	if err != nil {
		if apierrors.IsConflict(err) {
			return fmt.Errorf("%w: update %s: %s", leaderelection.ErrConflict, l.Describe(), err)
		}
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: update %s: %s", leaderelection.ErrNotFound, l.Describe(), err)
		}
		return fmt.Errorf("%w: update %s: %s", leaderelection.ErrTransport, l.Describe(), err)
	}

	l.setObserved(updated)
	return nil
}

func (l *Lease) getObserved() *coordinationv1.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observed
}

func (l *Lease) setObserved(lease *coordinationv1.Lease) {
	l.mu.Lock()
	l.observed = lease
	l.mu.Unlock()
}

func recordToSpec(r leaderelection.Record) coordinationv1.LeaseSpec {
	var spec coordinationv1.LeaseSpec
	if r.HolderIdentity != "" {
		spec.HolderIdentity = &r.HolderIdentity
	}
	if r.LeaseDurationSeconds != 0 {
		d := int32(r.LeaseDurationSeconds)
		spec.LeaseDurationSeconds = &d
	}
	if !r.AcquireTime.IsZero() {
		t := metav1.NewMicroTime(r.AcquireTime)
		spec.AcquireTime = &t
	}
	if !r.RenewTime.IsZero() {
		t := metav1.NewMicroTime(r.RenewTime)
		spec.RenewTime = &t
	}
	transitions := int32(r.LeaseTransitions)
	spec.LeaseTransitions = &transitions
	return spec
}

func recordToSpecApply(r leaderelection.Record) *coordinationv1ac.LeaseSpecApplyConfiguration {
	spec := coordinationv1ac.LeaseSpec()
	if r.HolderIdentity != "" {
		spec = spec.WithHolderIdentity(r.HolderIdentity)
	}
	if r.LeaseDurationSeconds != 0 {
		spec = spec.WithLeaseDurationSeconds(int32(r.LeaseDurationSeconds))
	}
	if !r.AcquireTime.IsZero() {
		spec = spec.WithAcquireTime(metav1.NewMicroTime(r.AcquireTime))
	}
	if !r.RenewTime.IsZero() {
		spec = spec.WithRenewTime(metav1.NewMicroTime(r.RenewTime))
	}
	return spec.WithLeaseTransitions(int32(r.LeaseTransitions))
}

func specToRecord(spec coordinationv1.LeaseSpec) leaderelection.Record {
	var record leaderelection.Record
	if spec.HolderIdentity != nil {
		record.HolderIdentity = *spec.HolderIdentity
	}
	if spec.LeaseDurationSeconds != nil {
		record.LeaseDurationSeconds = int(*spec.LeaseDurationSeconds)
	}
	if spec.AcquireTime != nil {
		record.AcquireTime = spec.AcquireTime.Time
	}
	if spec.RenewTime != nil {
		record.RenewTime = spec.RenewTime.Time
	}
	if spec.LeaseTransitions != nil {
		record.LeaseTransitions = int(*spec.LeaseTransitions)
	}
	return record
}
