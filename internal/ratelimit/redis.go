package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares fixed windows between gateway processes with INCR and EXPIRE.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, per time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if per <= 0 {
		per = DefaultWindow
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: per}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:ratelimit:%s", l.prefix, key)
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, redisKey, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if count <= int64(l.limit) {
		return Decision{Allowed: true, Remaining: l.limit - int(count)}, nil
	}

	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit ttl: %w", err)
	}
	if ttl < 0 {
		// key lost its expiry; restore it so the window eventually closes
		_ = l.client.PExpire(ctx, redisKey, l.window).Err()
		ttl = l.window
	}
	return Decision{RetryAfter: ttl}, nil
}
