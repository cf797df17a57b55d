package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces connection attempts per host using a token bucket
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	every    time.Duration // minimum spacing between attempts
	burst    int           // attempts allowed back to back
}

// NewLimiter allows burst attempts per host, then one per every
func NewLimiter(every time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}
	limit := rate.Inf
	if l.every > 0 {
		limit = rate.Every(l.every)
	}
	limiter = rate.NewLimiter(limit, l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Wait blocks until an attempt against host may start or ctx ends
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.limiterFor(host).Wait(ctx)
}

// Stats returns the current bucket state for every host seen so far
func (l *Limiter) Stats() map[string]LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]LimiterStats, len(l.limiters))
	now := time.Now()
	for host, limiter := range l.limiters {
		reservation := limiter.ReserveN(now, 1)
		delay := reservation.DelayFrom(now)
		reservation.CancelAt(now) // only peeking

		stats[host] = LimiterStats{
			Host:            host,
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.TokensAt(now),
			NextAllowedAt:   now.Add(delay),
		}
	}
	return stats
}

// LimiterStats describes one host's bucket
type LimiterStats struct {
	Host            string    `json:"host"`
	Burst           int       `json:"burst"`
	TokensAvailable float64   `json:"tokens_available"`
	NextAllowedAt   time.Time `json:"next_allowed_at"`
}

// IsThrottled reports whether the next attempt would have to wait
func (s LimiterStats) IsThrottled(now time.Time) bool {
	return s.NextAllowedAt.After(now)
}
