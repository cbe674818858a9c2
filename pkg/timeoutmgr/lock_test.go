package timeoutmgr

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisScanLock(t *testing.T) *RedisScanLock {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisScanLock(client)
}

func TestRedisScanLock_TryAcquireExcludesSecondHolder(t *testing.T) {
	lock := newTestRedisScanLock(t)
	ctx := context.Background()

	acquired, err := lock.TryAcquire(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	other := NewRedisScanLock(lock.client)
	acquired, err = other.TryAcquire(ctx, 5*time.Second)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestRedisScanLock_ReleaseAllowsReacquire(t *testing.T) {
	lock := newTestRedisScanLock(t)
	ctx := context.Background()

	acquired, err := lock.TryAcquire(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, lock.Release(ctx))

	acquired, err = lock.TryAcquire(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestRedisScanLock_NilClientAlwaysAcquires(t *testing.T) {
	lock := NewRedisScanLock(nil)
	acquired, err := lock.TryAcquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, lock.Release(context.Background()))
}
