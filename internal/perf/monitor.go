// Package perf keeps a bounded history of request timings and summarizes it.
package perf

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

const (
	DefaultMaxSamples    = 10000
	DefaultSlowThreshold = 100 * time.Millisecond
	noDataMessage        = "No metrics available"

	// maxWindowMinutes is the widest window a time.Duration can hold.
	maxWindowMinutes = math.MaxInt64 / int64(time.Minute)
)

// Sample is one completed request. ResponseTime is in milliseconds.
type Sample struct {
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	ResponseTime float64   `json:"responseTime"`
	StatusCode   int       `json:"statusCode"`
	RequestSize  int64     `json:"requestSize"`
	ResponseSize int64     `json:"responseSize"`
	Timestamp    time.Time `json:"timestamp"`
}

// EndpointStats aggregates the samples of one endpoint.
type EndpointStats struct {
	Endpoint      string `json:"endpoint"`
	AvgTime       string `json:"avgTime"`
	TotalRequests int    `json:"totalRequests"`
	Errors        int    `json:"errors"`

	totalTime float64
}

// Stats summarizes a trailing window. When NoData is set only Message is
// meaningful.
type Stats struct {
	NoData  bool   `json:"-"`
	Message string `json:"-"`

	TimeRange       string          `json:"timeRange"`
	TotalRequests   int             `json:"totalRequests"`
	AvgResponseTime string          `json:"avgResponseTime"`
	MinResponseTime float64         `json:"minResponseTime"`
	MaxResponseTime float64         `json:"maxResponseTime"`
	P95ResponseTime string          `json:"p95ResponseTime"`
	P99ResponseTime string          `json:"p99ResponseTime"`
	AvgRequestSize  string          `json:"avgRequestSize"`
	AvgResponseSize string          `json:"avgResponseSize"`
	ErrorRate       string          `json:"errorRate"`
	TopEndpoints    []EndpointStats `json:"topEndpoints"`
}

// MarshalJSON renders the no-data sentinel as {"message": ...}.
func (s Stats) MarshalJSON() ([]byte, error) {
	if s.NoData {
		return json.Marshal(map[string]string{"message": s.Message})
	}
	type plain Stats
	return json.Marshal(plain(s))
}

// Monitor records samples into a fixed-size ring.
type Monitor struct {
	slowThreshold float64
	now           func() time.Time

	mu    sync.RWMutex
	ring  []Sample
	start int
	count int
}

// NewMonitor returns a monitor; non-positive arguments take the defaults.
func NewMonitor(maxSamples int, slowThreshold time.Duration) *Monitor {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Monitor{
		slowThreshold: float64(slowThreshold) / float64(time.Millisecond),
		now:           time.Now,
		ring:          make([]Sample, maxSamples),
	}
}

// WithClock swaps the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// RecordRequest records a request that took responseTime.
func (m *Monitor) RecordRequest(endpoint, method string, responseTime time.Duration, status int, reqSize, respSize int64) Sample {
	s := Sample{
		Endpoint:     endpoint,
		Method:       method,
		ResponseTime: math.Round(float64(responseTime) / float64(time.Millisecond)),
		StatusCode:   status,
		RequestSize:  reqSize,
		ResponseSize: respSize,
	}
	m.Record(s)
	return s
}

// Record appends s, evicting the oldest sample when full. A zero Timestamp is
// set from the monitor clock.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}

	m.mu.Lock()
	idx := (m.start + m.count) % len(m.ring)
	m.ring[idx] = s
	if m.count < len(m.ring) {
		m.count++
	} else {
		m.start = (m.start + 1) % len(m.ring)
	}
	m.mu.Unlock()

	if s.ResponseTime > m.slowThreshold {
		logger.WithComponent("perf").Warn("Slow request",
			"method", s.Method, "endpoint", s.Endpoint, "response_ms", s.ResponseTime)
		metrics.SlowRequestsTotal.WithLabelValues(s.Endpoint).Inc()
	}
}

// Len returns the number of retained samples.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// snapshot copies retained samples oldest first, keeping those accepted by keep.
func (m *Monitor) snapshot(keep func(Sample) bool) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, 0, m.count)
	for i := 0; i < m.count; i++ {
		s := m.ring[(m.start+i)%len(m.ring)]
		if keep == nil || keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Stats summarizes samples recorded in the last lastNMinutes minutes.
func (m *Monitor) Stats(lastNMinutes int) Stats {
	window := int64(lastNMinutes)
	if window > maxWindowMinutes {
		window = maxWindowMinutes
	}
	cutoff := m.now().Add(-time.Duration(window) * time.Minute)
	recent := m.snapshot(func(s Sample) bool { return s.Timestamp.After(cutoff) })
	if len(recent) == 0 {
		return Stats{NoData: true, Message: noDataMessage}
	}

	n := float64(len(recent))
	times := make([]float64, len(recent))
	var sumTime, sumReq, sumResp float64
	errs := 0
	byEndpoint := make(map[string]*EndpointStats)
	for i, s := range recent {
		times[i] = s.ResponseTime
		sumTime += s.ResponseTime
		sumReq += float64(s.RequestSize)
		sumResp += float64(s.ResponseSize)

		ep, ok := byEndpoint[s.Endpoint]
		if !ok {
			ep = &EndpointStats{Endpoint: s.Endpoint}
			byEndpoint[s.Endpoint] = ep
		}
		ep.TotalRequests++
		ep.totalTime += s.ResponseTime
		if s.StatusCode >= 400 {
			ep.Errors++
			errs++
		}
	}
	sort.Float64s(times)

	top := make([]EndpointStats, 0, len(byEndpoint))
	for _, ep := range byEndpoint {
		ep.AvgTime = fmt.Sprintf("%.2f", ep.totalTime/float64(ep.TotalRequests))
		top = append(top, *ep)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].totalTime != top[j].totalTime {
			return top[i].totalTime > top[j].totalTime
		}
		return top[i].Endpoint < top[j].Endpoint
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return Stats{
		TimeRange:       fmt.Sprintf("%d minutes", lastNMinutes),
		TotalRequests:   len(recent),
		AvgResponseTime: fmt.Sprintf("%.2f", sumTime/n),
		MinResponseTime: times[0],
		MaxResponseTime: times[len(times)-1],
		P95ResponseTime: fmt.Sprintf("%.2f", Percentile(times, 0.95)),
		P99ResponseTime: fmt.Sprintf("%.2f", Percentile(times, 0.99)),
		AvgRequestSize:  fmt.Sprintf("%.0f", sumReq/n),
		AvgResponseSize: fmt.Sprintf("%.0f", sumResp/n),
		ErrorRate:       fmt.Sprintf("%.2f%%", float64(errs)/n*100),
		TopEndpoints:    top,
	}
}

// Percentile returns the p-th percentile of an ascending slice using the
// nearest-rank index ceil(n*p)-1.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SlowQueries returns up to limit of the slowest samples above the slow
// threshold across the whole buffer. limit <= 0 means 20.
func (m *Monitor) SlowQueries(limit int) []Sample {
	if limit <= 0 {
		limit = 20
	}
	slow := m.snapshot(func(s Sample) bool { return s.ResponseTime > m.slowThreshold })
	sort.SliceStable(slow, func(i, j int) bool { return slow[i].ResponseTime > slow[j].ResponseTime })
	if len(slow) > limit {
		slow = slow[:limit]
	}
	return slow
}

// Reset drops every sample.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.start, m.count = 0, 0
	clear(m.ring)
	m.mu.Unlock()
}
