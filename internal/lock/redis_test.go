package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set ASSESSOR_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a live server.
func dialTestRedis(t *testing.T, ttl time.Duration) *Redis {
	t.Helper()
	addr := os.Getenv("ASSESSOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ASSESSOR_TEST_REDIS_ADDR not set")
	}
	r, err := DialRedis(context.Background(), addr, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisTryLock(t *testing.T) {
	r := dialTestRedis(t, 5*time.Second)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	release, ok, err := r.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be granted twice")

	release()
	again, ok, err := r.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release from the first holder must not free the new holder's lock.
	release()
	_, ok, err = r.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	again()
}

func TestRedisLockExpires(t *testing.T) {
	r := dialTestRedis(t, 200*time.Millisecond)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	_, ok, err := r.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		release, ok, err := r.TryLock(ctx, key)
		if err != nil || !ok {
			return false
		}
		release()
		return true
	}, 2*time.Second, 50*time.Millisecond)
}
