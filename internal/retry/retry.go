// Package retry re-runs failing operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsClientError reports whether err carries a 4xx status. Those are caller
// mistakes and are never retried.
func IsClientError(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 400 && code < 500
	}
	return false
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. errors.Is and errors.As still
// see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Manager retries operations up to MaxRetries times after the first attempt.
type Manager struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleeper    Sleeper

	// jitter returns a value in [0, max). Replaced in tests.
	jitter func(max time.Duration) time.Duration
}

// New returns a Manager; non-positive values fall back to 3 retries and 100ms.
func New(maxRetries int, baseDelay time.Duration) *Manager {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Manager{MaxRetries: maxRetries, BaseDelay: baseDelay, Sleeper: RealSleeper{}}
}

// Backoff returns the wait before retry number attempt (0-based):
// BaseDelay*2^attempt plus up to 10% jitter.
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.BaseDelay << attempt
	max := d / 10
	if max <= 0 {
		return d
	}
	jitter := m.jitter
	if jitter == nil {
		jitter = randomJitter
	}
	return d + jitter(max)
}

func randomJitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(max)))
}

// Do runs op until it succeeds, returns a client error, ctx is done or the
// retries are exhausted. The last error is returned.
func (m *Manager) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, m, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is Do for operations that produce a value.
func Execute[T any](ctx context.Context, m *Manager, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleeper := m.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper{}
	}

	var lastErr error
	for attempt := 0; attempt <= m.MaxRetries; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if IsClientError(err) || isPermanent(err) || ctx.Err() != nil || attempt == m.MaxRetries {
			break
		}

		wait := m.Backoff(attempt)
		logger.WarnContext(ctx, "Retrying operation",
			"operation", label, "attempt", attempt+1, "delay", wait, "error", err)
		metrics.RetryAttempts.WithLabelValues(label).Inc()

		if err := sleeper.Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
