//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Ramsey-B/clover/pkg/logging"
)

func startRedis(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{URL: url}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(startRedis(t), "")

	lock, err := locker.Acquire(ctx, "web_intake/forms/1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "web_intake/forms/1", time.Minute)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))
	require.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)

	ran := false
	require.NoError(t, locker.WithLock(ctx, "web_intake/forms/1", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestIntervalLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := NewIntervalLimiter(startRedis(t), "")

	delay, err := limiter.Reserve(ctx, "text", time.Second)
	require.NoError(t, err)
	assert.Zero(t, delay)

	delay, err = limiter.Reserve(ctx, "text", time.Second)
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, time.Second)

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "other", 200*time.Millisecond))
	require.NoError(t, limiter.Wait(ctx, "other", 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
