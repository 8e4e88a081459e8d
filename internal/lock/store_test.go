package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lockbox/internal/backend"
	"github.com/kneutral-org/lockbox/internal/backend/memory"
	"github.com/kneutral-org/lockbox/internal/table"
)

func newTestStore(t *testing.T, opts ...table.Option) (*store, *memory.KV) {
	t.Helper()
	cfg, err := table.New(opts...)
	require.NoError(t, err)
	kv := memory.New()
	return &store{kv: kv, cfg: cfg}, kv
}

func attemptedLock(t *testing.T, opts lockOptions) *Lock {
	t.Helper()
	l, err := newLock("g", "i", "owner-1", opts)
	require.NoError(t, err)
	l.attemptLocking("v1", time.Now())
	return l
}

func TestCreateLock_WritesReservedAttributes(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	opts := defaultLockOptions()
	opts.additionalAttributes = map[string]any{"job": "reindex"}
	l := attemptedLock(t, opts)

	require.NoError(t, s.createLock(ctx, l))

	item, err := kv.Get(ctx, s.cfg.Name, s.key("g", "i"))
	require.NoError(t, err)
	assert.Equal(t, "owner-1", item[table.AttrOwnerName])
	assert.Equal(t, "v1", item[table.AttrRecordVersionNumber])
	assert.Equal(t, l.LastUpdatedTimeMs(), item[table.AttrLastUpdatedTimeInMs])
	assert.Equal(t, opts.leaseDuration.Milliseconds(), item[table.AttrLeaseDurationInMs])
	assert.Equal(t, map[string]any{"job": "reindex"}, item[table.AttrAdditionalAttributes])
	assert.NotContains(t, item, s.cfg.TTLKey)

	// A second create against the same key loses the race.
	other := attemptedLock(t, defaultLockOptions())
	assert.ErrorIs(t, s.createLock(ctx, other), backend.ErrConditionFailed)
}

func TestCreateLock_TTLAttribute(t *testing.T) {
	s, kv := newTestStore(t, table.WithTTLKey("expiresAt"), table.WithTTL(time.Hour))
	ctx := context.Background()

	l := attemptedLock(t, defaultLockOptions())
	require.NoError(t, s.createLock(ctx, l))

	item, err := kv.Get(ctx, s.cfg.Name, s.key("g", "i"))
	require.NoError(t, err)

	ttl, ok := item["expiresAt"].(int64)
	require.True(t, ok, "ttl attribute must be written as epoch seconds")
	want := (l.LastUpdatedTimeMs() + time.Hour.Milliseconds() + 500) / 1000
	assert.Equal(t, want, ttl)
}

func TestRenewLock_BindsVersionAndOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	l := attemptedLock(t, defaultLockOptions())
	require.NoError(t, s.createLock(ctx, l))

	now := time.Now()
	require.NoError(t, s.renewLock(ctx, l, "v2", now))

	rec, err := s.getLock(ctx, "g", "i")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Version)
	assert.Equal(t, now.UnixMilli(), rec.LastUpdatedTimeMs)
	assert.Equal(t, "owner-1", rec.Owner)

	// The handle still carries v1; the renewal predicate no longer holds.
	assert.ErrorIs(t, s.renewLock(ctx, l, "v3", now), backend.ErrConditionFailed)
}

func TestStealLock_CrossOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	held := attemptedLock(t, defaultLockOptions())
	require.NoError(t, s.createLock(ctx, held))

	thief, err := newLock("g", "i", "owner-2", defaultLockOptions())
	require.NoError(t, err)
	thief.attemptLocking("v2", time.Now())

	// Stealing binds only the observed version, not the owner.
	require.NoError(t, s.stealLock(ctx, "v1", thief))

	rec, err := s.getLock(ctx, "g", "i")
	require.NoError(t, err)
	assert.Equal(t, "owner-2", rec.Owner)
	assert.Equal(t, "v2", rec.Version)

	// A steal against a version that is gone fails.
	late, err := newLock("g", "i", "owner-3", defaultLockOptions())
	require.NoError(t, err)
	late.attemptLocking("v3", time.Now())
	assert.ErrorIs(t, s.stealLock(ctx, "v1", late), backend.ErrConditionFailed)
}

func TestDeleteLock_BindsVersionAndOwner(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	l := attemptedLock(t, defaultLockOptions())
	require.NoError(t, s.createLock(ctx, l))

	imposter, err := newLock("g", "i", "owner-2", defaultLockOptions())
	require.NoError(t, err)
	imposter.attemptLocking("v1", time.Now())
	assert.ErrorIs(t, s.deleteLock(ctx, imposter), backend.ErrConditionFailed)

	require.NoError(t, s.deleteLock(ctx, l))
	assert.Equal(t, 0, kv.Len(s.cfg.Name))
}

func TestGetLock_Absent(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.getLock(context.Background(), "g", "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
