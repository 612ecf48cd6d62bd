// Package ratelimit implements a lazy-refill token bucket that paces outbound
// queue API calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(rps float64, burst int, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     rps,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// retryAfter returns the wait until one token is available.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Limiter paces callers to at most rps calls per second with the given
// burst. A nil *Limiter never blocks.
type Limiter struct {
	mu  sync.Mutex
	b   *bucket
	now func() time.Time
}

// New creates a Limiter. It returns nil (unlimited) when rps <= 0. A burst
// below 1 is treated as 1.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	l := &Limiter{now: time.Now}
	l.b = newBucket(rps, max(burst, 1), l.now())
	return l
}

// Allow consumes one token if available without blocking.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.refill(l.now())
	if l.b.tokens >= 1 {
		l.b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	for {
		l.mu.Lock()
		l.b.refill(l.now())
		if l.b.tokens >= 1 {
			l.b.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := l.b.retryAfter()
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the current whole-token count.
func (l *Limiter) Remaining() int {
	if l == nil {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.refill(l.now())
	return int(l.b.tokens)
}
