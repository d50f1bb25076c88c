package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/perf"
)

// headerOverhead approximates request header bytes, which net/http does not expose.
const headerOverhead = 200

// statusRecorder counts response bytes and remembers the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Hijack lets the performance stream upgrade to a WebSocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeName returns the mux path template so /api/select/{id} is one endpoint.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// Instrument records one performance sample and the Prometheus request
// metrics per request. Recording never fails the request.
func Instrument(monitor *perf.Monitor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			record(monitor, r, rec, time.Since(start))
		})
	}
}

func record(monitor *perf.Monitor, r *http.Request, rec *statusRecorder, elapsed time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			logger.WarnContext(r.Context(), "Performance recording failed", "panic", p)
		}
	}()

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	reqSize := int64(len(r.URL.String()) + headerOverhead)
	if r.ContentLength > 0 {
		reqSize += r.ContentLength
	}
	endpoint := routeName(r)

	monitor.RecordRequest(endpoint, r.Method, elapsed, status, reqSize, rec.bytes)

	code := strconv.Itoa(status)
	metrics.APIRequestDuration.WithLabelValues(endpoint, r.Method, code).Observe(elapsed.Seconds())
	metrics.APIRequestsTotal.WithLabelValues(endpoint, r.Method, code).Inc()
}
