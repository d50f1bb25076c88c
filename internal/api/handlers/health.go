package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/health"
)

// HealthHandler reports probe status, cache usage and process stats.
type HealthHandler struct {
	checker     *health.Checker
	cache       *cache.Manager
	environment string
	started     time.Time
	now         func() time.Time
}

func NewHealthHandler(checker *health.Checker, c *cache.Manager, environment string, started time.Time) *HealthHandler {
	return &HealthHandler{checker: checker, cache: c, environment: environment, started: started, now: time.Now}
}

func megabytes(b uint64) string {
	return fmt.Sprintf("%.2f MB", float64(b)/1024/1024)
}

// Health answers 503 only when a probe is unhealthy; UNKNOWN before the
// first run still answers 200 so the process can come up.
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	overall := h.checker.Overall()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	now := h.now()
	writeJSON(w, r, status, map[string]any{
		"status":      overall,
		"timestamp":   now.UTC().Format(time.RFC3339),
		"environment": h.environment,
		"checks":      h.checker.Status(),
		"cache":       h.cache.Stats(),
		"uptime":      now.Sub(h.started).Seconds(),
		"memory": map[string]string{
			"heapUsed":  megabytes(ms.HeapAlloc),
			"heapTotal": megabytes(ms.HeapSys),
		},
		"goroutines": runtime.NumGoroutine(),
	})
}
