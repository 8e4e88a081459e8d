package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLock_Validation(t *testing.T) {
	valid := defaultLockOptions()

	_, err := newLock("g", "i", "owner", valid)
	require.NoError(t, err)

	_, err = newLock("", "i", "owner", valid)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = newLock("g", "", "owner", valid)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = newLock("g", "i", "", valid)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	bad := valid
	bad.leaseDuration = 0
	_, err = newLock("g", "i", "owner", bad)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	bad = valid
	bad.waitDuration = -time.Second
	bad.waitDurationSet = true
	_, err = newLock("g", "i", "owner", bad)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	bad = valid
	bad.maxRetries = -1
	bad.maxRetriesSet = true
	_, err = newLock("g", "i", "owner", bad)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestNewLock_ProlongationBoundary(t *testing.T) {
	opts := defaultLockOptions()
	opts.leaseDuration = 20000 * time.Millisecond

	// Exactly half the lease is rejected.
	opts.prolongEvery = 10000 * time.Millisecond
	_, err := newLock("g", "i", "owner", opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	// One millisecond under half is accepted.
	opts.prolongEvery = 9999 * time.Millisecond
	_, err = newLock("g", "i", "owner", opts)
	require.NoError(t, err)

	// With prolongation disabled the period is not constrained.
	opts.prolongEnabled = false
	opts.prolongEvery = time.Hour
	_, err = newLock("g", "i", "owner", opts)
	require.NoError(t, err)
}

func TestUniqueIdentifier(t *testing.T) {
	l, err := newLock("g", "i", "owner", defaultLockOptions())
	require.NoError(t, err)
	assert.Equal(t, "g|i", l.UniqueIdentifier())
}

func TestLeaseExpired(t *testing.T) {
	opts := defaultLockOptions()
	opts.leaseDuration = time.Second
	l, err := newLock("g", "i", "owner", opts)
	require.NoError(t, err)

	now := time.Now()

	// No observed write time: never expired.
	assert.False(t, l.leaseExpired(now))

	l.attemptLocking("v1", now)
	assert.False(t, l.leaseExpired(now))
	assert.False(t, l.leaseExpired(now.Add(time.Second)))
	assert.True(t, l.leaseExpired(now.Add(time.Second+time.Millisecond)))
}

func TestAttemptAndReset(t *testing.T) {
	l, err := newLock("g", "i", "owner", defaultLockOptions())
	require.NoError(t, err)

	now := time.Now()
	l.attemptLocking("v1", now)
	assert.Equal(t, "v1", l.RecordVersionNumber())
	assert.Equal(t, now.UnixMilli(), l.LastUpdatedTimeMs())

	l.resetLockingAttempt()
	assert.Empty(t, l.RecordVersionNumber())
	assert.Zero(t, l.LastUpdatedTimeMs())
}

func TestMarkReleased(t *testing.T) {
	l, err := newLock("g", "i", "owner", defaultLockOptions())
	require.NoError(t, err)

	cancelled := false
	l.markAcquired(func() { cancelled = true })
	require.True(t, l.IsAcquired())

	assert.True(t, l.markReleased())
	assert.False(t, l.IsAcquired())
	assert.True(t, cancelled, "release must cancel the scheduled prolongation")

	// Releasing again is a no-op.
	assert.False(t, l.markReleased())
}
