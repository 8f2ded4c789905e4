// Package ratelimit implements the per-user limits applied to message sends.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied when the configuration leaves a limit unset.
const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter is a single-process limiter. Each key gets a token bucket
// holding limit tokens that refills over one window, so a burst is capped at
// limit events and a sustained sender at limit events per window.
type MemoryLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter allows limit events per window per key.
func NewMemoryLimiter(limit int, per time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if per <= 0 {
		per = DefaultWindow
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  per,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces time.Now, for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.sweep(now)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		missing := 1 - b.limiter.TokensAt(now)
		retry := time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}, nil
}

// sweep drops buckets idle for a full window; they would be full again anyway.
func (l *MemoryLimiter) sweep(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, k)
		}
	}
}
