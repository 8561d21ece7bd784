// Package ratelimit throttles requests sent to a single upstream endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter spaces permits at a fixed interval. It never bursts: a caller
// that arrives late is admitted at once, but the next permit is still one
// interval after the previous one.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	rate     float64
}

// New returns a Limiter admitting ratePerSec requests per second.
// Non-positive rates are raised to one request per second.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Limiter{
		next:     time.Now(),
		interval: time.Duration(float64(time.Second) / ratePerSec),
		rate:     ratePerSec,
	}
}

// Wait blocks until the caller's permit time or until ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	permit := l.next
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	delay := permit.Sub(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
