package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to REDIS_TEST_ADDR; the tests are skipped without it.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestSlotKey(t *testing.T) {
	assert.Equal(t, "slot:centro:2025-01-15:09:00", SlotKey("centro", "2025-01-15", "09:00"))
}

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	rdb := testClient(t)
	locker := NewLocker(rdb, 2*time.Second)
	key := "test:" + uuid.NewString()

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, key, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	ran := false
	err = locker.WithLock(context.Background(), key, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "lock is released after fn returns")
}

func TestAttemptTracker(t *testing.T) {
	rdb := testClient(t)
	tracker := NewAttemptTracker(rdb, time.Minute)
	ctx := context.Background()
	key := "reminder:" + uuid.NewString() + ":1"

	ok, err := tracker.Begin(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tracker.Begin(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tracker.Forget(ctx, key))
	ok, err = tracker.Begin(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}
