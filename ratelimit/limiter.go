// Package ratelimit caps outbound calls per tenant with a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter implements token bucket rate limiting per tenant. All tenants share
// the same rate; each has its own bucket.
type Limiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second; 0 means unlimited
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a limiter allowing perSecond calls per tenant. A perSecond of 0
// means unlimited.
func New(perSecond int) *Limiter {
	return &Limiter{
		rate:    float64(perSecond),
		buckets: make(map[string]*bucket),
	}
}

// Unlimited reports whether the limiter never blocks.
func (l *Limiter) Unlimited() bool { return l == nil || l.rate <= 0 }

// Allow reports whether tenantID may proceed now, consuming a token if so.
func (l *Limiter) Allow(tenantID string) bool {
	if l.Unlimited() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreateBucket(tenantID)
	l.refill(b)

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until tenantID may proceed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, tenantID string) error {
	if l.Unlimited() {
		return nil
	}

	interval := time.Duration(float64(time.Second) / l.rate)
	for {
		if l.Allow(tenantID) {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset clears the bucket for tenantID.
func (l *Limiter) Reset(tenantID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tenantID)
}

func (l *Limiter) getOrCreateBucket(tenantID string) *bucket {
	b, ok := l.buckets[tenantID]
	if !ok {
		b = &bucket{
			tokens:   l.rate, // start full
			lastFill: time.Now(),
		}
		l.buckets[tenantID] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket) {
	now := time.Now()
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.rate {
		b.tokens = l.rate // burst size = rate
	}
	b.lastFill = now
}
