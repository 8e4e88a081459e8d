package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lockbox/internal/backend"
)

const testTable = "lockbox_test"

// getTestPool returns a Postgres pool for testing.
// Skips the test if TEST_DATABASE_URL is not set or unreachable.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("Postgres not available: %v", err)
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", testTable))
		pool.Close()
	})

	return pool
}

func setupKV(t *testing.T) *KV {
	t.Helper()
	kv := New(getTestPool(t))
	require.NoError(t, kv.EnsureTable(context.Background(), testTable))
	return kv
}

func testKey(id string) backend.Key {
	return backend.Key{
		PartitionName:  "lockId",
		PartitionValue: id,
		SortName:       "lockGroup",
		SortValue:      "g",
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()
	key := testKey("a")

	item := backend.Item{
		"ownerName":            "o1",
		"recordVersionNumber":  "v1",
		"lastUpdatedTimeInMs":  int64(1700000000000),
		"leaseDurationInMs":    int64(20000),
		"additionalAttributes": map[string]any{"job": "reindex"},
	}
	require.NoError(t, kv.Put(ctx, testTable, key, item, backend.Condition{MustNotExist: true}))

	// Conditional create against an existing record fails.
	err := kv.Put(ctx, testTable, key, item, backend.Condition{MustNotExist: true})
	assert.ErrorIs(t, err, backend.ErrConditionFailed)

	got, err := kv.Get(ctx, testTable, key)
	require.NoError(t, err)
	assert.Equal(t, "o1", got["ownerName"])
	assert.Equal(t, int64(1700000000000), got["lastUpdatedTimeInMs"])
	assert.Equal(t, "a", got["lockId"])
	assert.Equal(t, map[string]any{"job": "reindex"}, got["additionalAttributes"])
}

func TestUpdate_Conditions(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()
	key := testKey("b")

	require.NoError(t, kv.Put(ctx, testTable, key,
		backend.Item{"recordVersionNumber": "v1", "ownerName": "o1"},
		backend.Condition{MustNotExist: true}))

	err := kv.Update(ctx, testTable, key,
		backend.Item{"recordVersionNumber": "v2"},
		backend.Condition{Expect: backend.Item{"recordVersionNumber": "stale", "ownerName": "o1"}})
	assert.ErrorIs(t, err, backend.ErrConditionFailed)

	err = kv.Update(ctx, testTable, key,
		backend.Item{"recordVersionNumber": "v2", "lastUpdatedTimeInMs": int64(42)},
		backend.Condition{Expect: backend.Item{"recordVersionNumber": "v1", "ownerName": "o1"}})
	require.NoError(t, err)

	got, err := kv.Get(ctx, testTable, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", got["recordVersionNumber"])
	assert.Equal(t, int64(42), got["lastUpdatedTimeInMs"])
	assert.Equal(t, "o1", got["ownerName"])
}

func TestDelete_Conditions(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()
	key := testKey("c")

	require.NoError(t, kv.Put(ctx, testTable, key,
		backend.Item{"recordVersionNumber": "v1", "ownerName": "o1"},
		backend.Condition{MustNotExist: true}))

	err := kv.Delete(ctx, testTable, key,
		backend.Condition{Expect: backend.Item{"recordVersionNumber": "v1", "ownerName": "other"}})
	assert.ErrorIs(t, err, backend.ErrConditionFailed)

	err = kv.Delete(ctx, testTable, key,
		backend.Condition{Expect: backend.Item{"recordVersionNumber": "v1", "ownerName": "o1"}})
	require.NoError(t, err)

	got, err := kv.Get(ctx, testTable, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanup(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()

	expired := backend.Item{"ownerName": "o1", "expiresAt": time.Now().Add(-time.Minute).Unix()}
	live := backend.Item{"ownerName": "o2", "expiresAt": time.Now().Add(time.Hour).Unix()}
	require.NoError(t, kv.Put(ctx, testTable, testKey("expired"), expired, backend.Condition{MustNotExist: true}))
	require.NoError(t, kv.Put(ctx, testTable, testKey("live"), live, backend.Condition{MustNotExist: true}))

	removed, err := kv.Cleanup(ctx, testTable, "expiresAt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := kv.Get(ctx, testTable, testKey("live"))
	require.NoError(t, err)
	assert.NotNil(t, got)
}
