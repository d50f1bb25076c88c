// Package health runs named dependency probes and aggregates their status.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

// Status of a single probe or of the whole service.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Probe checks one dependency. It must honour ctx cancellation.
type Probe func(ctx context.Context) error

// Result is the last observed outcome of a probe.
type Result struct {
	Status         Status    `json:"status"`
	ResponseTimeMs int64     `json:"responseTime,omitempty"`
	Error          string    `json:"error,omitempty"`
	LastChecked    time.Time `json:"lastChecked,omitempty"`
}

type registration struct {
	probe Probe
	last  Result
}

// Checker owns the registered probes and the periodic runner.
type Checker struct {
	timeout  time.Duration
	interval time.Duration

	mu     sync.RWMutex
	checks map[string]*registration

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker returns a checker; non-positive values default to a 3s probe
// timeout and a 30s interval.
func NewChecker(timeout, interval time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checker{timeout: timeout, interval: interval, checks: make(map[string]*registration)}
}

// Register adds or replaces a probe. Its status starts as UNKNOWN.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	c.checks[name] = &registration{probe: probe, last: Result{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RunChecks runs every probe concurrently and records the results.
func (c *Checker) RunChecks(ctx context.Context) map[string]Result {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.checks))
	for name, reg := range c.checks {
		probes[name] = reg.probe
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]Result, len(probes))
	)
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			r := c.runOne(ctx, name, probe)
			resMu.Lock()
			results[name] = r
			resMu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if reg, ok := c.checks[name]; ok {
			reg.last = r
		}
	}
	c.mu.Unlock()
	return results
}

var errProbeTimeout = errors.New("health check timeout")

func (c *Checker) runOne(ctx context.Context, name string, probe Probe) Result {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errc <- errors.New("probe panicked")
			}
		}()
		errc <- probe(pctx)
	}()

	var err error
	select {
	case err = <-errc:
		if err == nil && pctx.Err() != nil {
			err = errProbeTimeout
		}
	case <-pctx.Done():
		err = errProbeTimeout
	}
	elapsed := time.Since(start)
	metrics.HealthCheckDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	r := Result{LastChecked: time.Now()}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
		metrics.HealthCheckStatus.WithLabelValues(name).Set(0)
		logger.WarnContext(ctx, "Health check failed", "check", name, "error", err)
		return r
	}
	r.Status = StatusHealthy
	r.ResponseTimeMs = elapsed.Milliseconds()
	metrics.HealthCheckStatus.WithLabelValues(name).Set(1)
	return r
}

// Status returns a snapshot of the last result per probe.
func (c *Checker) Status() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.checks))
	for name, reg := range c.checks {
		out[name] = reg.last
	}
	return out
}

// Names returns the registered probe names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overall is HEALTHY when every probe is healthy, UNHEALTHY when any probe
// failed, and UNKNOWN otherwise.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.checks) == 0 {
		return StatusUnknown
	}
	overall := StatusHealthy
	for _, reg := range c.checks {
		switch reg.last.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusUnknown:
			overall = StatusUnknown
		}
	}
	return overall
}

// Start runs the checks immediately and then every interval until Stop or
// ctx cancellation. Starting a running checker is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunChecks(ctx)
			}
		}
	}(c.done)
}

// Stop halts the periodic loop and waits for it. Safe to call repeatedly.
func (c *Checker) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the periodic loop is active.
func (c *Checker) Running() bool {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.cancel != nil
}
