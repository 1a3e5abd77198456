package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/apperr"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func newTestManager() *Manager {
	return New(storage.NewMemoryDocStore())
}

func quietOptions() Options {
	return Options{TTL: time.Minute, HeartbeatInterval: time.Hour, MaxRetries: 0, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestManager_Acquire_SucceedsOnFreeLock(t *testing.T) {
	m := newTestManager()

	l, err := m.Acquire(context.Background(), "scope", "res_1", quietOptions())

	require.NoError(t, err)
	assert.NotEmpty(t, l.HolderID)

	locked, err := m.IsLocked(context.Background(), "scope", "res_1")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, m.Release(context.Background(), l.ID, l.HolderID))
}

func TestManager_Acquire_FailsWhileHeldByAnotherHolder(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, l.ID, l.HolderID) }()

	_, err = m.Acquire(ctx, "scope", "res_1", quietOptions())

	require.Error(t, err)
	assert.Equal(t, apperr.CodeLockUnavailable, apperr.CodeOf(err))
}

func TestManager_Acquire_SucceedsAfterTTLExpires(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	opts := quietOptions()
	opts.TTL = time.Millisecond

	l1, err := m.Acquire(ctx, "scope", "res_1", opts)
	require.NoError(t, err)
	_ = l1

	time.Sleep(5 * time.Millisecond)

	l2, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err, "an expired lease must be reclaimable by a new holder")
	assert.NotEqual(t, l1.HolderID, l2.HolderID)
}

func TestManager_Release_IsIdempotentOnAbsentLock(t *testing.T) {
	m := newTestManager()

	err := m.Release(context.Background(), "scope:res_missing", "some-holder")

	assert.NoError(t, err)
}

func TestManager_Release_FailsForWrongHolder(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, l.ID, l.HolderID) }()

	err = m.Release(ctx, l.ID, "not-the-holder")

	assert.True(t, errors.Is(err, ErrNotHolder))
}

func TestManager_Extend_PushesExpiryAndIncrementsHeartbeatCount(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, l.ID, l.HolderID) }()

	require.NoError(t, m.Extend(ctx, l.ID, l.HolderID, time.Minute))

	doc, err := m.docs.Get(ctx, locksCollection, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, heartbeatCountField(doc))

	require.NoError(t, m.Extend(ctx, l.ID, l.HolderID, time.Minute))
	doc, err = m.docs.Get(ctx, locksCollection, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, heartbeatCountField(doc))
}

func TestManager_Extend_FailsForWrongHolder(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, l.ID, l.HolderID) }()

	err = m.Extend(ctx, l.ID, "not-the-holder", time.Minute)

	assert.True(t, errors.Is(err, ErrNotHolder))
}

func TestManager_IsLocked_FalseForExpiredLease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	opts := quietOptions()
	opts.TTL = time.Millisecond

	l, err := m.Acquire(ctx, "scope", "res_1", opts)
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, l.ID, l.HolderID) }()

	time.Sleep(5 * time.Millisecond)

	locked, err := m.IsLocked(ctx, "scope", "res_1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestManager_WithLock_ReleasesAfterFnReturns(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var ran bool

	err := m.WithLock(ctx, "scope", "res_1", quietOptions(), func(ctx context.Context) error {
		ran = true

		locked, err := m.IsLocked(ctx, "scope", "res_1")
		require.NoError(t, err)
		assert.True(t, locked)

		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	locked, err := m.IsLocked(ctx, "scope", "res_1")
	require.NoError(t, err)
	assert.False(t, locked, "WithLock must release once fn returns")
}

func TestManager_WithLock_ReleasesOnPanic(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = m.WithLock(ctx, "scope", "res_1", quietOptions(), func(ctx context.Context) error {
			panic("boom")
		})
	})

	locked, err := m.IsLocked(ctx, "scope", "res_1")
	require.NoError(t, err)
	assert.False(t, locked, "a panic inside fn must still release the lock")
}

func TestManager_WithLock_PropagatesFnErrorAndReleases(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	sentinel := errors.New("boom")

	err := m.WithLock(ctx, "scope", "res_1", quietOptions(), func(ctx context.Context) error {
		return sentinel
	})

	assert.True(t, errors.Is(err, sentinel))

	locked, lockErr := m.IsLocked(ctx, "scope", "res_1")
	require.NoError(t, lockErr)
	assert.False(t, locked)
}

func TestManager_ReleaseAll_ReleasesEveryHeldLock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "scope", "res_1", quietOptions())
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "scope", "res_2", quietOptions())
	require.NoError(t, err)

	m.ReleaseAll(ctx)

	for _, res := range []string{"res_1", "res_2"} {
		locked, err := m.IsLocked(ctx, "scope", res)
		require.NoError(t, err)
		assert.False(t, locked)
	}
}
