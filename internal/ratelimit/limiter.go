// Package ratelimit bounds how often a single host may hit the heartbeat
// endpoint, guarding against a misbehaving agent polling faster than the
// liveness window implies it should. The bulk submission endpoint is not
// rate limited.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerKeyLimiter hands out an independent token bucket per key (typically a
// hostname), created lazily on first use.
type PerKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewPerKeyLimiter creates a limiter allowing r events/sec with burst b for
// each distinct key.
func NewPerKeyLimiter(r float64, b int) *PerKeyLimiter {
	return &PerKeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether an event for key may proceed right now.
func (l *PerKeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}
