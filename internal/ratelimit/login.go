// Package ratelimit throttles admin login attempts per identifier.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of a single attempt.
type Decision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration // remaining window when denied
}

type record struct {
	attempts    int
	windowStart time.Time
}

// LoginLimiter is a fixed-window attempt counter. A burst straddling a
// window boundary can admit up to twice MaxAttempts.
type LoginLimiter struct {
	MaxAttempts int
	Window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*record

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoginLimiter returns a limiter; zero values default to 5 attempts per 15 minutes.
func NewLoginLimiter(maxAttempts int, window time.Duration) *LoginLimiter {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &LoginLimiter{
		MaxAttempts: maxAttempts,
		Window:      window,
		now:         time.Now,
		records:     make(map[string]*record),
	}
}

// WithClock swaps the time source.
func (l *LoginLimiter) WithClock(now func() time.Time) *LoginLimiter {
	l.now = now
	return l
}

// Normalize lower-cases and trims an identifier.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Allow counts an attempt for id.
func (l *LoginLimiter) Allow(id string) Decision {
	key := Normalize(id)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok || now.Sub(rec.windowStart) >= l.Window {
		l.records[key] = &record{attempts: 1, windowStart: now}
		return Decision{Allowed: true, Attempts: 1}
	}
	if rec.attempts < l.MaxAttempts {
		rec.attempts++
		return Decision{Allowed: true, Attempts: rec.attempts}
	}
	return Decision{
		Allowed:    false,
		Attempts:   rec.attempts,
		RetryAfter: rec.windowStart.Add(l.Window).Sub(now),
	}
}

// IsRateLimited counts an attempt and reports whether it was denied.
func (l *LoginLimiter) IsRateLimited(id string) bool {
	return !l.Allow(id).Allowed
}

// Reset forgets id; call after a successful login.
func (l *LoginLimiter) Reset(id string) {
	l.mu.Lock()
	delete(l.records, Normalize(id))
	l.mu.Unlock()
}

// Sweep drops records whose window has elapsed and returns how many went.
func (l *LoginLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, rec := range l.records {
		if now.Sub(rec.windowStart) >= l.Window {
			delete(l.records, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked identifiers.
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// StartJanitor sweeps every interval until Stop or ctx cancellation.
// Calling it while a janitor runs is a no-op.
func (l *LoginLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}(l.done)
}

// Stop halts the janitor and waits for it to exit. Safe to call repeatedly.
func (l *LoginLimiter) Stop() {
	l.stopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
