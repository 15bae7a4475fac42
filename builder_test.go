package leaderelection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	leaderelection "github.com/cshep4/k8s-leaderelection"
	"github.com/cshep4/k8s-leaderelection/internal/mocks"
)

func TestBuilder_Build_Defaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLock(ctrl)

	e, err := leaderelection.NewBuilder(lock).Build()
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestBuilder_Build_NilLock(t *testing.T) {
	e, err := leaderelection.NewBuilder(nil).Build()
	require.Error(t, err)
	require.Nil(t, e)
}

func TestBuilder_Build_RenewDeadlineMustBeLessThanLeaseDuration(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	lock := mocks.NewMockLock(ctrl)

	t.Run("equal is rejected", func(t *testing.T) {
		e, err := leaderelection.NewBuilder(lock).
			LeaseDuration(10 * time.Second).
			RenewDeadline(10 * time.Second).
			Build()
		require.Error(t, err)
		require.Nil(t, e)
	})

	t.Run("greater is rejected", func(t *testing.T) {
		e, err := leaderelection.NewBuilder(lock).
			LeaseDuration(10 * time.Second).
			RenewDeadline(11 * time.Second).
			Build()
		require.Error(t, err)
		require.Nil(t, e)
	})

	t.Run("less is accepted", func(t *testing.T) {
		e, err := leaderelection.NewBuilder(lock).
			LeaseDuration(10 * time.Second).
			RenewDeadline(5 * time.Second).
			RetryPeriod(1 * time.Second).
			Build()
		require.NoError(t, err)
		require.NotNil(t, e)
	})
}

func TestBuilder_Build_RetryPeriodMustBeAtMostRenewDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	lock := mocks.NewMockLock(ctrl)

	e, err := leaderelection.NewBuilder(lock).
		LeaseDuration(10 * time.Second).
		RenewDeadline(5 * time.Second).
		RetryPeriod(6 * time.Second).
		Build()
	require.Error(t, err)
	require.Nil(t, e)
}

func TestBuilder_Build_SingleUse(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	lock := mocks.NewMockLock(ctrl)

	b := leaderelection.NewBuilder(lock)

	_, err := b.Build()
	require.NoError(t, err)

	_, err = b.Build()
	require.Error(t, err)
}

func TestNew_UsesDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	lock := mocks.NewMockLock(ctrl)

	require.NotPanics(t, func() {
		e := leaderelection.New(lock)
		require.NotNil(t, e)
	})
}

func TestDefaultIdentity_NonEmpty(t *testing.T) {
	id := leaderelection.DefaultIdentity()
	require.NotEmpty(t, id)
}
