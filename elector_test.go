package leaderelection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	leaderelection "github.com/cshep4/k8s-leaderelection"
	"github.com/cshep4/k8s-leaderelection/internal/mocks"
)

// memoryLock is a stateful in-memory Lock. Tests use it instead of a
// gomock expectation list whenever Run is left running past a single
// acquire, since the renew loop keeps calling Get/Update in the
// background and an exact call count would make the test racy.
type memoryLock struct {
	mu       sync.Mutex
	identity string
	exists   bool
	record   leaderelection.Record
}

func newMemoryLock(identity string) *memoryLock {
	return &memoryLock{identity: identity}
}

func (l *memoryLock) Identity() string { return l.identity }
func (l *memoryLock) Describe() string { return "memory/lock" }

func (l *memoryLock) Create(_ context.Context, record leaderelection.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exists {
		return leaderelection.ErrConflict
	}
	l.exists = true
	l.record = record
	return nil
}

func (l *memoryLock) Get(_ context.Context) (leaderelection.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.exists {
		return leaderelection.Record{}, leaderelection.ErrNotFound
	}
	return l.record, nil
}

func (l *memoryLock) Update(_ context.Context, record leaderelection.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.exists {
		return leaderelection.ErrNotFound
	}
	l.record = record
	return nil
}

// identityOverride lets two Electors share one memoryLock's storage
// while presenting distinct identities, the way two real replicas
// share one cluster resource but hold distinct holder identities.
type identityOverride struct {
	*memoryLock
	identity string
}

func (i *identityOverride) Identity() string { return i.identity }

// waitForLeader polls IsLeader until it's true or the deadline passes.
func waitForLeader(t *testing.T, e *leaderelection.Elector) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.IsLeader() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestElector_SoloAcquire(t *testing.T) {
	lock := newMemoryLock("a")

	var startedLeading, newLeader int32
	var mu sync.Mutex
	var newLeaderIDs []string

	e, err := leaderelection.NewBuilder(lock).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		AcquireTimeout(time.Second).
		OnStartedLeading(func() {
			mu.Lock()
			startedLeading++
			mu.Unlock()
		}).
		OnNewLeader(func(id string) {
			mu.Lock()
			newLeader++
			newLeaderIDs = append(newLeaderIDs, id)
			mu.Unlock()
		}).
		Build()
	require.NoError(t, err)

	require.False(t, e.IsLeader())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.True(t, waitForLeader(t, e))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.EqualValues(t, 1, startedLeading, "OnStartedLeading must fire exactly once")
	require.EqualValues(t, 1, newLeader, "OnNewLeader must fire exactly once for a single, uncontested holder")
	require.Equal(t, []string{"a"}, newLeaderIDs)
}

func TestElector_ContestedAcquire(t *testing.T) {
	shared := newMemoryLock("")
	lockA := &identityOverride{memoryLock: shared, identity: "a"}
	lockB := &identityOverride{memoryLock: shared, identity: "b"}

	eA, err := leaderelection.NewBuilder(lockA).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		AcquireTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	eB, err := leaderelection.NewBuilder(lockB).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		AcquireTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = eA.Run(ctx) }()
	go func() { defer wg.Done(); _ = eB.Run(ctx) }()
	wg.Wait()

	leaderCount := 0
	if eA.IsLeader() {
		leaderCount++
	}
	if eB.IsLeader() {
		leaderCount++
	}
	require.LessOrEqual(t, leaderCount, 1, "at most one elector may hold leadership at once")

	rec, err := shared.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, rec.LeaseTransitions, "no handover occurred, transitions must stay at 0")
}

func TestElector_Handover(t *testing.T) {
	shared := newMemoryLock("")
	lockA := &identityOverride{memoryLock: shared, identity: "a"}
	lockB := &identityOverride{memoryLock: shared, identity: "b"}

	eA, err := leaderelection.NewBuilder(lockA).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		AcquireTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() { doneA <- eA.Run(ctxA) }()
	require.True(t, waitForLeader(t, eA), "eA must acquire first")

	require.True(t, eA.Release(context.Background()))
	cancelA()
	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatal("eA.Run did not return")
	}

	eB, err := leaderelection.NewBuilder(lockB).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		AcquireTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go func() { _ = eB.Run(ctxB) }()

	require.True(t, waitForLeader(t, eB), "eB must acquire after eA releases")

	rec, err := shared.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", rec.HolderIdentity)
	require.Equal(t, 1, rec.LeaseTransitions, "a handover must increment lease_transitions")
}

func TestElector_RenewalFailure_StopsLeading(t *testing.T) {
	shared := newMemoryLock("a")
	failing := &failAfterLock{memoryLock: shared, failAfter: 1}

	var stopped int32
	var mu sync.Mutex

	e, err := leaderelection.NewBuilder(failing).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(20 * time.Millisecond).
		LeaseDuration(40 * time.Millisecond).
		AcquireTimeout(time.Second).
		OnStoppedLeading(func() {
			mu.Lock()
			stopped++
			mu.Unlock()
		}).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.True(t, waitForLeader(t, e))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after renewal started failing")
	}

	// IsLeader reflects the last successful write, not live backend
	// state, so it can still read true here; OnStoppedLeading firing is
	// the authoritative signal that Run gave up the lease.
	time.Sleep(10 * time.Millisecond) // let the fire-and-forget callback run
	mu.Lock()
	require.EqualValues(t, 1, stopped)
	mu.Unlock()
}

// failAfterLock lets Update succeed failAfter times, then fails every
// call after that with ErrTransport, simulating a backend that goes
// unreachable mid-lease.
type failAfterLock struct {
	*memoryLock
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *failAfterLock) Update(ctx context.Context, record leaderelection.Record) error {
	f.mu.Lock()
	f.calls++
	shouldFail := f.calls > f.failAfter
	f.mu.Unlock()

	if shouldFail {
		return leaderelection.ErrTransport
	}
	return f.memoryLock.Update(ctx, record)
}

func TestElector_RunReturnsWithoutLeading_OnAcquireTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLock(ctrl)
	lock.EXPECT().Identity().Return("a").AnyTimes()
	lock.EXPECT().Describe().Return("ns/name").AnyTimes()
	// Held by another, far-future-expiring holder: every Get shows "b"
	// still within its lease, so acquireOrRenew always returns false.
	lock.EXPECT().Get(gomock.Any()).Return(leaderelection.Record{
		HolderIdentity:       "b",
		LeaseDurationSeconds: 1000,
		RenewTime:            time.Now(),
	}, nil).AnyTimes()

	var stopped, started int32
	e, err := leaderelection.NewBuilder(lock).
		AcquireTimeout(30 * time.Millisecond).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(5 * time.Second).
		LeaseDuration(10 * time.Second).
		OnStartedLeading(func() { started++ }).
		OnStoppedLeading(func() { stopped++ }).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after acquire timeout")
	}

	require.False(t, e.IsLeader())
	time.Sleep(10 * time.Millisecond) // let the fire-and-forget callback run
	require.EqualValues(t, 0, started)
	require.EqualValues(t, 1, stopped)
}

func TestElector_Check(t *testing.T) {
	lock := newMemoryLock("a")

	e, err := leaderelection.NewBuilder(lock).
		LeaseDuration(50 * time.Millisecond).
		RenewDeadline(20 * time.Millisecond).
		RetryPeriod(5 * time.Millisecond).
		AcquireTimeout(time.Second).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	require.True(t, waitForLeader(t, e))
	require.NoError(t, e.Check(time.Second), "a freshly-acquired leader must pass its own health check")
}

func TestElector_Check_NotLeader(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLock(ctrl)
	lock.EXPECT().Identity().Return("a").AnyTimes()

	e, err := leaderelection.NewBuilder(lock).Build()
	require.NoError(t, err)

	require.NoError(t, e.Check(time.Hour), "Check is a no-op for an Elector that never led")
}

func TestElector_LeaderID_Stable(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLock(ctrl)
	lock.EXPECT().Identity().Return("stable-id").AnyTimes()

	e, err := leaderelection.NewBuilder(lock).Build()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, "stable-id", e.LeaderID())
	}
}

func TestElector_Release_WhenLeader(t *testing.T) {
	lock := newMemoryLock("a")

	e, err := leaderelection.NewBuilder(lock).
		AcquireTimeout(time.Second).
		RetryPeriod(5 * time.Millisecond).
		RenewDeadline(40 * time.Millisecond).
		LeaseDuration(80 * time.Millisecond).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	require.True(t, waitForLeader(t, e))

	require.True(t, e.Release(context.Background()))

	rec, err := lock.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rec.LeaseDurationSeconds, "Release must shorten the lease so the next candidate waits minimally")
}

func TestElector_Release_WhenNotLeader_NoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLock(ctrl)
	lock.EXPECT().Identity().Return("a").AnyTimes()
	// No Update call expected: Release must not write when not leader.

	e, err := leaderelection.NewBuilder(lock).Build()
	require.NoError(t, err)

	require.True(t, e.Release(context.Background()))
}
