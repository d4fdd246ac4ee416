//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisGuard_AcquireRelease(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	a := NewRedisGuard(rdb, "ledger:")
	b := NewRedisGuard(rdb, "ledger:")

	tokenA, ok, err := a.Acquire(ctx, "payment:p-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, "payment:p-1", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second instance must not take a live lease")

	// a token that does not own the lease releases nothing
	require.NoError(t, b.Release(ctx, "payment:p-1", "not-the-owner"))
	_, ok, err = b.Acquire(ctx, "payment:p-1", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Release(ctx, "payment:p-1", tokenA))
	_, ok, err = b.Acquire(ctx, "payment:p-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
