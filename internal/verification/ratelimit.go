package verification

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "VibeGuard/internal/errors"
)

// RateLimiter decides whether another verification request may be made
// for key at now.
type RateLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// MemoryRateLimiter is a per-process sliding window. Keys whose window has
// emptied are dropped at most once per window, so idle users cost nothing.
type MemoryRateLimiter struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	hits       map[string][]time.Time
	lastPruned time.Time
}

// NewMemoryRateLimiter allows limit hits per window and key.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	if now.Sub(l.lastPruned) >= l.window {
		l.prune(cutoff)
		l.lastPruned = now
	}
	kept := l.hits[key][:0]
	for _, at := range l.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}

func (l *MemoryRateLimiter) prune(cutoff time.Time) {
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// Keys 返回当前仍在窗口内被跟踪的键数量。
func (l *MemoryRateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// slidingWindowScript 在一个有序集合中维护窗口内的请求时间戳。
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisRateLimiter shares the window across replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRateLimiter creates a limiter under the "vibeguard:ratelimit:" namespace.
func NewRedisRateLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window, prefix: "vibeguard:ratelimit:"}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	args := []any{
		now.UnixMilli(),
		l.window.Milliseconds(),
		strconv.Itoa(l.limit),
		strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString(),
	}
	allowed, err := slidingWindowScript.Run(ctx, l.client, []string{l.prefix + key}, args...).Int()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "rate limit")
	}
	return allowed == 1, nil
}

var (
	_ RateLimiter = (*MemoryRateLimiter)(nil)
	_ RateLimiter = (*RedisRateLimiter)(nil)
)
