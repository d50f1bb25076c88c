package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when the protected operation outlives CallTimeout
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// MarshalText renders the state as CLOSED, OPEN or HALF_OPEN.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive successes needed to close from half-open
	CallTimeout      time.Duration // Upper bound for a single protected call
	ResetTimeout     time.Duration // Time spent open before a half-open probe
	// IsSuccessful decides whether an error counts against the breaker.
	// Nil treats every non-nil error except context.Canceled as a failure.
	IsSuccessful func(err error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failureCount"`
	SuccessCount    int        `json:"successCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
}

// CircuitBreaker guards a flaky dependency. Transitions are driven by
// gobreaker; this type adds per-call timeouts, fallbacks, a single in-flight
// half-open probe and the counters exposed through Status.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	gb              *gobreaker.CircuitBreaker[any]
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	probing atomic.Bool
}

// New creates a new circuit breaker
func New(cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: cfg.withDefaults()}
	cb.gb = cb.newGobreaker()

	metrics.CircuitBreakerState.WithLabelValues(cb.cfg.Name).Set(0)
	return cb
}

func (cb *CircuitBreaker) newGobreaker() *gobreaker.CircuitBreaker[any] {
	threshold := uint32(cb.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cb.cfg.Name,
		MaxRequests: uint32(cb.cfg.SuccessThreshold),
		Timeout:     cb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  cb.cfg.IsSuccessful,
		OnStateChange: cb.onStateChange,
	})
}

// onStateChange runs with gobreaker's lock held; it must not call back into gb.
func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	state := fromGobreaker(to)
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(state))

	cb.mu.Lock()
	switch state {
	case StateOpen:
		metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
	case StateHalfOpen:
		cb.successCount = 0
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	}
	cb.mu.Unlock()

	logger.WithComponent("circuitbreaker").Info("Circuit breaker state change",
		"breaker", name, "from", fromGobreaker(from).String(), "to", state.String())
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (cb *CircuitBreaker) State() State {
	return fromGobreaker(cb.current().State())
}

func (cb *CircuitBreaker) current() *gobreaker.CircuitBreaker[any] {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.gb
}

// Status returns the breaker's state and counters.
func (cb *CircuitBreaker) Status() Status {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := Status{
		Name:         cb.cfg.Name,
		State:        state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		st.LastFailureTime = &t
	}
	return st
}

// Reset returns the breaker to CLOSED with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.gb = cb.newGobreaker()
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.probing.Store(false)

	metrics.CircuitBreakerState.WithLabelValues(cb.cfg.Name).Set(0)
}

// Call executes fn if the circuit breaker allows it
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Execute runs op through the breaker. While the breaker is open op is not
// invoked and fallback (when non-nil) supplies the result. A failing op
// returns its own error unless the failure left the breaker open and a
// fallback exists.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) (T, error)) (T, error) {
	var zero T
	gb := cb.current()

	// An open breaker may turn half-open inside gb.Execute, so any call that
	// does not see it closed must hold the trial slot first.
	if gb.State() != gobreaker.StateClosed {
		if !cb.probing.CompareAndSwap(false, true) {
			return rejected(ctx, cb, fallback, gobreaker.ErrTooManyRequests)
		}
		defer cb.probing.Store(false)
	}

	res, err := gb.Execute(func() (any, error) {
		return cb.run(ctx, func(ctx context.Context) (any, error) { return op(ctx) })
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return rejected(ctx, cb, fallback, err)
	}

	cb.record(gb, err)
	if err != nil {
		logger.WarnContext(ctx, "Circuit breaker call failed",
			"breaker", cb.cfg.Name, "reason", err.Error(), "state", cb.State().String())
		if fallback != nil && cb.State() == StateOpen {
			return fallback(ctx, err)
		}
		return zero, err
	}

	out, _ := res.(T)
	return out, nil
}

func rejected[T any](ctx context.Context, cb *CircuitBreaker, fallback func(ctx context.Context, cause error) (T, error), cause error) (T, error) {
	err := fmt.Errorf("%s: %w: %w", cb.cfg.Name, ErrCircuitOpen, cause)
	if fallback != nil {
		return fallback(ctx, err)
	}
	var zero T
	return zero, err
}

// run races op against CallTimeout. A timed out op keeps running in its
// goroutine until it observes the cancelled context.
func (cb *CircuitBreaker) run(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.CallTimeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{v, err}
	}()

	var r result
	select {
	case r = <-done:
		if r.err == nil || callCtx.Err() == nil {
			return r.val, r.err
		}
	case <-callCtx.Done():
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w after %s", ErrCallTimeout, cb.cfg.CallTimeout)
}

func (cb *CircuitBreaker) record(gb *gobreaker.CircuitBreaker[any], err error) {
	state := fromGobreaker(gb.State())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gb != cb.gb {
		// Reset ran while the call was in flight.
		return
	}
	if !cb.cfg.IsSuccessful(err) {
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		return
	}
	switch state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
	}
}

// Registry hands out named breakers sharing a default configuration.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers use defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker called name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = name
	cb := New(cfg)
	r.breakers[name] = cb
	return cb
}

// Statuses returns every breaker's status ordered by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
