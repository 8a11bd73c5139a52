// Package ratelimit throttles inbound messages per sender.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by sender id. Counters reset
// when the window boundary is crossed; there is no carry-over and no
// leaky-bucket smoothing. A sender can burst up to 2x the limit across a
// boundary; accepted for the simplicity of one counter per key.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	counts map[string]*windowCount
}

type windowCount struct {
	start time.Time
	n     int
}

// New creates a limiter allowing max calls per key per window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		counts: make(map[string]*windowCount),
	}
}

// Allow reports whether another call for key fits in the current window,
// counting it if so.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	wc, ok := l.counts[key]
	if !ok || now.Sub(wc.start) >= l.window {
		l.counts[key] = &windowCount{start: now, n: 1}
		l.pruneLocked(now)
		return true
	}
	if wc.n >= l.max {
		return false
	}
	wc.n++
	return true
}

// pruneLocked drops stale windows so idle senders do not accumulate.
// Caller holds l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	for k, wc := range l.counts {
		if now.Sub(wc.start) >= l.window {
			delete(l.counts, k)
		}
	}
}
