package handlers

import (
	"net/http"
	"strconv"

	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/perf"
)

const (
	defaultWindowMinutes = 60
	slowQueryLimit       = 10
)

// PerformanceReport is the payload of the performance endpoint and stream.
type PerformanceReport struct {
	Metrics         perf.Stats              `json:"metrics"`
	Cache           cache.Stats             `json:"cache"`
	SlowQueries     []perf.Sample           `json:"slowQueries"`
	CircuitBreakers []circuitbreaker.Status `json:"circuitBreakers"`
}

// PerformanceHandler reports request timings, cache usage and breaker state.
type PerformanceHandler struct {
	monitor  *perf.Monitor
	cache    *cache.Manager
	breakers *circuitbreaker.Registry
}

func NewPerformanceHandler(m *perf.Monitor, c *cache.Manager, b *circuitbreaker.Registry) *PerformanceHandler {
	return &PerformanceHandler{monitor: m, cache: c, breakers: b}
}

// Report builds the snapshot for the trailing window.
func (h *PerformanceHandler) Report(minutes int) PerformanceReport {
	return PerformanceReport{
		Metrics:         h.monitor.Stats(minutes),
		Cache:           h.cache.Stats(),
		SlowQueries:     h.monitor.SlowQueries(slowQueryLimit),
		CircuitBreakers: h.breakers.Statuses(),
	}
}

// Get returns the report.
// GET /api/performance?minutes=N
func (h *PerformanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	minutes := parsePositiveInt(r.URL.Query().Get("minutes"), defaultWindowMinutes)
	writeJSON(w, r, http.StatusOK, h.Report(minutes))
}

// parsePositiveInt returns def unless s is a positive integer.
func parsePositiveInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
