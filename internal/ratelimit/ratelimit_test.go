package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(5, 10*time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "msg:1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "send %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	now = now.Add(time.Second)
	d, err := l.Allow(ctx, "msg:1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(time.Second), float64(d.RetryAfter), float64(time.Millisecond))

	other, err := l.Allow(ctx, "msg:2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	now = now.Add(9 * time.Second)
	d, err = l.Allow(ctx, "msg:1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestMemoryLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 1024; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("msg:%d", i))
		require.NoError(t, err)
	}
	now = now.Add(2 * time.Second)
	_, err := l.Allow(ctx, "msg:fresh")
	require.NoError(t, err)
	assert.Len(t, l.buckets, 1)
}

func TestMemoryLimiterDefaults(t *testing.T) {
	l := NewMemoryLimiter(0, 0)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.window)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client, "chat", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "msg:7")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "msg:7")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	mr.FastForward(time.Minute)
	d, err = l.Allow(ctx, "msg:7")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiterError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisLimiter(client, "chat", 3, time.Minute).Allow(context.Background(), "msg:1")
	assert.Error(t, err)
}
