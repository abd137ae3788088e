// Package ratelimit implements per-participant fixed-window admission
// control. Rejections are advisory backpressure reported to the client;
// nothing is buffered or retried server-side.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"roomcast/pkg/types"
)

const (
	// DefaultMaxPerWindow is the per-user message ceiling within one window.
	DefaultMaxPerWindow = 10
	// DefaultWindow is the fixed admission window.
	DefaultWindow = time.Second
)

// entry tracks one user's current window. Reset when the window elapses.
type entry struct {
	count   int
	resetAt time.Time
}

// Limiter tracks fixed-window counts per user. State is scoped to one room
// actor's lifetime and never persisted.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]*entry
}

// NewLimiter creates a limiter with the given per-window ceiling. A
// non-positive max or window falls back to the defaults.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMaxPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:     max,
		window:  window,
		entries: make(map[string]*entry),
	}
}

// Check admits or rejects one send for userID. A fresh or expired window
// starts at count 1 and admits; otherwise the count increments and admission
// requires count <= max. Rejections carry a retry-after hint.
func (l *Limiter) Check(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	e, ok := l.entries[userID]
	if !ok || now.After(e.resetAt) {
		l.entries[userID] = &entry{count: 1, resetAt: now.Add(l.window)}
		return nil
	}

	e.count++
	if e.count > l.max {
		retryAfter := e.resetAt.Sub(now)
		return &types.RateLimitedError{
			UserID:     userID,
			RetryAfter: retryAfter,
			Message:    fmt.Sprintf("rate limited, try again in %dms", retryAfter.Milliseconds()),
		}
	}
	return nil
}

// Reset clears one user's window. Administrative/test use.
func (l *Limiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, userID)
}

// Clear resets all windows. Administrative/test use.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}

// Cleanup removes entries whose window expired more than five windows ago,
// bounding memory for rooms with high participant churn.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-5 * l.window)
	for userID, e := range l.entries {
		if e.resetAt.Before(cutoff) {
			delete(l.entries, userID)
		}
	}
}
