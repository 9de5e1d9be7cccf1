package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemory(time.Hour)
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	now := base
	limiter.SetClock(func() time.Time { return now })
	key := "alice:safe"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}

	// 29 minutes later, still inside the same clock hour.
	now = base.Add(29 * time.Minute)
	if d := limiter.Peek(key, 2); d.Allowed {
		t.Fatalf("expected saturated window, got %+v", d)
	}

	// Crossing the hour boundary resets the counter.
	now = base.Add(31 * time.Minute)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset at hour boundary, got %+v", reset)
	}
}

func TestInMemoryLimiterClockAlignment(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 3, 14, 10, 0, 59, 0, time.UTC)
	limiter.SetClock(func() time.Time { return now })

	d := limiter.Allow("k", 5)
	want := time.Date(2026, 3, 14, 10, 1, 0, 0, time.UTC)
	if !d.ResetAt.Equal(want) {
		t.Fatalf("expected reset at minute boundary %v, got %v", want, d.ResetAt)
	}
}

func TestInMemoryLimiterAllowN(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	d := limiter.AllowN("bytes:alice", 900, 1000)
	if !d.Allowed || d.Remaining != 100 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	d = limiter.AllowN("bytes:alice", 200, 1000)
	if d.Allowed || d.Count != 1100 || d.Remaining != 0 {
		t.Fatalf("expected bytes budget exhausted, got %+v", d)
	}
}

func TestInMemoryLimiterPeekDoesNotConsume(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	for i := 0; i < 3; i++ {
		if d := limiter.Peek("idle", 1); !d.Allowed || d.Count != 0 {
			t.Fatalf("peek %d consumed the budget: %+v", i, d)
		}
	}
	if d := limiter.Allow("idle", 1); !d.Allowed {
		t.Fatalf("first real event should pass: %+v", d)
	}
	if d := limiter.Peek("idle", 1); d.Allowed {
		t.Fatalf("peek should report a full window: %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	decision := limiter.Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, time.Minute)
	key := "alice:system"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if d := limiter.Peek(key, 2); d.Allowed || d.Count != 3 {
		t.Fatalf("unexpected peek decision: %+v", d)
	}
}

func TestRedisLimiterPeekEmpty(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, time.Minute)

	if d := limiter.Peek("nobody", 3); !d.Allowed || d.Count != 0 || d.Remaining != 3 {
		t.Fatalf("unexpected empty peek: %+v", d)
	}
}

func TestRedisLimiterFallback(t *testing.T) {
	limiter := NewRedis(nil, time.Minute)
	if d := limiter.Allow("k", 1); !d.Allowed {
		t.Fatalf("fallback should allow first event: %+v", d)
	}
	if d := limiter.Allow("k", 1); d.Allowed {
		t.Fatalf("fallback should deny second event: %+v", d)
	}
}
