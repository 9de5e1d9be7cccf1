package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one counter check. Count includes the increment the
// decision accounted for; Remaining never goes negative.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts events per key inside clock-aligned windows: a
// one-minute window resets on the minute boundary, a one-hour window on
// the hour boundary. AllowN adds weight n (bytes budgets), Peek reads
// the current count without consuming.
type Limiter interface {
	Allow(key string, limit int) Decision
	AllowN(key string, n, limit int) Decision
	Peek(key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[string]entry),
	}
}

// SetClock overrides the wall clock. Test hook.
func (l *InMemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	return l.AllowN(key, 1, limit)
}

func (l *InMemoryLimiter) AllowN(key string, n, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{count: 0, resetAt: windowEnd(now, l.window)}
	}
	curr.count += n
	l.items[key] = curr
	return decisionFor(curr, limit)
}

func (l *InMemoryLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{count: 0, resetAt: windowEnd(now, l.window)}
	}
	d := decisionFor(curr, limit)
	// Peek asks whether one more event would fit, without consuming it.
	d.Allowed = curr.count < limit
	return d
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decisionFor(curr entry, limit int) Decision {
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// windowEnd aligns the reset instant to the next window boundary, so a
// one-hour window always resets on the clock hour.
func windowEnd(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window).Add(window)
}
