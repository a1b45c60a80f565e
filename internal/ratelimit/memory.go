package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a sliding-window limiter holding request timestamps per
// key. State is process-local.
type MemoryLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	requests map[string][]time.Time
	now      func() time.Time
}

func NewMemoryLimiter(window time.Duration, limit int) *MemoryLimiter {
	return &MemoryLimiter{
		window:   window,
		limit:    limit,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.recentLocked(key, now)

	decision := Decision{Limit: l.limit}
	if len(recent) < l.limit {
		recent = append(recent, now)
		decision.Allowed = true
	}
	l.requests[key] = recent

	decision.Remaining = l.limit - len(recent)
	decision.ResetAt = recent[0].Add(l.window)
	return decision, nil
}

func (l *MemoryLimiter) recentLocked(key string, now time.Time) []time.Time {
	timestamps := l.requests[key]
	cut := 0
	for cut < len(timestamps) && now.Sub(timestamps[cut]) >= l.window {
		cut++
	}
	return timestamps[cut:]
}

// Cleanup drops keys whose whole window has passed.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.requests {
		if recent := l.recentLocked(key, now); len(recent) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = recent
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done.
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}
