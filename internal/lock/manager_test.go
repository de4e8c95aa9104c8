package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/internal/lock"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

const ttl = 30 * time.Second

func setup(t *testing.T) (*lock.Manager, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return lock.NewManager(kv.NewMemory(0), ttl, clk), clk
}

func TestManager_Acquire(t *testing.T) {
	mgr, clk := setup(t)

	rec, err := mgr.Acquire(context.Background(), "kiosk-1", "record add")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, "kiosk-1", rec.Holder)
	assert.Equal(t, int64(1), rec.FencingToken)
	assert.Equal(t, clk.Now().Add(ttl), rec.ExpiresAt)
}

func TestManager_Acquire_Conflict(t *testing.T) {
	mgr, _ := setup(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "kiosk-1", "first")
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "kiosk-2", "second")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestManager_Acquire_TakesOverExpired(t *testing.T) {
	mgr, clk := setup(t)
	ctx := context.Background()

	rec1, err := mgr.Acquire(ctx, "kiosk-1", "first")
	require.NoError(t, err)

	clk.Step(ttl)

	rec2, err := mgr.Acquire(ctx, "kiosk-2", "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.FencingToken)
	assert.NotEqual(t, rec1.HolderNonce, rec2.HolderNonce)
}

func TestManager_Renew(t *testing.T) {
	mgr, clk := setup(t)
	ctx := context.Background()

	rec, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)
	clk.Step(10 * time.Second)

	renewed, err := mgr.Renew(ctx, rec.HolderNonce)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(rec.ExpiresAt))
}

func TestManager_Renew_Expired(t *testing.T) {
	mgr, clk := setup(t)
	ctx := context.Background()

	rec, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)
	clk.Step(ttl + time.Second)

	_, err = mgr.Renew(ctx, rec.HolderNonce)
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Renew_WrongNonce(t *testing.T) {
	mgr, _ := setup(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)

	_, err = mgr.Renew(ctx, "wrong-nonce")
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Release(t *testing.T) {
	mgr, _ := setup(t)
	ctx := context.Background()

	rec, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)
	require.ErrorIs(t, mgr.Release(ctx, "wrong-nonce"), errclass.ErrLockNotHeld)
	require.NoError(t, mgr.Release(ctx, rec.HolderNonce))
	require.NoError(t, mgr.Release(ctx, rec.HolderNonce))

	// A fresh lease starts the fencing sequence again.
	rec2, err := mgr.Acquire(ctx, "kiosk-2", "second")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec2.FencingToken)
}

func TestManager_ValidateFencing(t *testing.T) {
	mgr, clk := setup(t)
	ctx := context.Background()

	rec, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)

	require.NoError(t, mgr.ValidateFencing(ctx, rec.FencingToken))
	require.ErrorIs(t, mgr.ValidateFencing(ctx, rec.FencingToken+1), errclass.ErrLockConflict)

	clk.Step(ttl)
	require.ErrorIs(t, mgr.ValidateFencing(ctx, rec.FencingToken), errclass.ErrLockNotHeld)
}

func TestManager_Status(t *testing.T) {
	mgr, clk := setup(t)
	ctx := context.Background()

	state, rec, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseFree, state)
	assert.Nil(t, rec)

	acquired, err := mgr.Acquire(ctx, "kiosk-1", "test")
	require.NoError(t, err)
	state, rec, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseHeld, state)
	assert.Equal(t, acquired.HolderNonce, rec.HolderNonce)

	clk.Step(ttl)
	state, _, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseExpired, state)
}

func TestManager_Hold(t *testing.T) {
	mgr, _ := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := mgr.Hold(ctx, "kiosk-1", "purge", func(ctx context.Context) error {
		state, _, err := mgr.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.LeaseHeld, state)
		return boom
	})
	require.ErrorIs(t, err, boom)

	state, _, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseFree, state)
}
