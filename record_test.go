package leaderelection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	leaderelection "github.com/cshep4/k8s-leaderelection"
)

func TestRecord_Equal(t *testing.T) {
	now := time.Now()

	a := leaderelection.Record{
		HolderIdentity:       "a",
		LeaseDurationSeconds: 15,
		AcquireTime:          now,
		RenewTime:            now,
		LeaseTransitions:     1,
	}
	b := a

	require.True(t, a.Equal(b))

	b.LeaseTransitions = 2
	require.False(t, a.Equal(b))

	b = a
	b.HolderIdentity = "b"
	require.False(t, a.Equal(b))

	b = a
	b.RenewTime = now.Add(time.Second)
	require.False(t, a.Equal(b))
}

func TestRecord_Equal_Zero(t *testing.T) {
	require.True(t, leaderelection.Record{}.Equal(leaderelection.Record{}))
}

func TestRecord_Clone(t *testing.T) {
	r := leaderelection.Record{HolderIdentity: "a", LeaseTransitions: 3}
	c := r.Clone()

	require.Equal(t, r, c)

	c.HolderIdentity = "b"
	require.Equal(t, "a", r.HolderIdentity, "Clone must not alias the original")
}
