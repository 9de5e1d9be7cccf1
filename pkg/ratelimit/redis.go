package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(current) == tonumber(ARGV[1]) then
  redis.call("PEXPIREAT", KEYS[1], ARGV[2])
end
return current
`)

// RedisLimiter shares clock-aligned counters across processes. Any
// Redis failure falls back to the in-memory limiter rather than
// failing open with no accounting at all.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	return l.AllowN(key, 1, limit)
}

func (l *RedisLimiter) AllowN(key string, n, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if n < 0 {
		n = 0
	}
	if l.Client == nil {
		return l.Fallback.AllowN(key, n, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	resetAt := windowEnd(now, l.Window)
	res, err := incrScript.Run(ctx, l.Client, []string{l.windowKey(key, now)}, n, resetAt.UnixMilli()).Result()
	if err != nil {
		return l.Fallback.AllowN(key, n, limit)
	}
	count, ok := res.(int64)
	if !ok {
		return l.Fallback.AllowN(key, n, limit)
	}
	return decisionFor(entry{count: int(count), resetAt: resetAt}, limit)
}

func (l *RedisLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Peek(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	resetAt := windowEnd(now, l.Window)
	raw, err := l.Client.Get(ctx, l.windowKey(key, now)).Result()
	if err == redis.Nil {
		d := decisionFor(entry{count: 0, resetAt: resetAt}, limit)
		d.Allowed = true
		return d
	}
	if err != nil {
		return l.Fallback.Peek(key, limit)
	}
	count, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return l.Fallback.Peek(key, limit)
	}
	d := decisionFor(entry{count: count, resetAt: resetAt}, limit)
	d.Allowed = count < limit
	return d
}

// windowKey pins a counter to its window so stale keys can never bleed
// into the next boundary even if the expiry write was lost.
func (l *RedisLimiter) windowKey(key string, now time.Time) string {
	return l.Prefix + key + ":" + strconv.FormatInt(now.Truncate(l.Window).Unix(), 10)
}
