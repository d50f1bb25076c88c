package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

// CacheHeader reports HIT or MISS for cacheable responses.
const CacheHeader = "X-Cache"

// KeyFunc derives the cache key of a request.
type KeyFunc func(r *http.Request) string

// DefaultCacheKey is METHOD:path plus the raw query, so filtered listings are
// cached separately.
func DefaultCacheKey(r *http.Request) string {
	key := r.Method + ":" + r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	return key
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// ResponseCache serves GET responses from manager. A hit skips the handler
// and returns the stored JSON with "_cached": true; a miss stores successful
// JSON object responses for ttl. keyFunc may be nil.
func ResponseCache(manager *cache.Manager, ttl time.Duration, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = DefaultCacheKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			endpoint := routeName(r)

			if v, ok := manager.Get(key); ok {
				if body, ok := v.(json.RawMessage); ok {
					if out, err := markCached(body); err == nil {
						metrics.APICacheHits.WithLabelValues(endpoint).Inc()
						w.Header().Set("Content-Type", "application/json; charset=UTF-8")
						w.Header().Set(CacheHeader, "HIT")
						w.Header().Set("Content-Length", strconv.Itoa(len(out)))
						w.WriteHeader(http.StatusOK)
						_, _ = w.Write(out)
						return
					}
				}
				manager.Delete(key)
			}

			metrics.APICacheMisses.WithLabelValues(endpoint).Inc()
			w.Header().Set(CacheHeader, "MISS")
			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)

			if cw.status == http.StatusOK && cacheable(cw.buf.Bytes()) {
				body := json.RawMessage(bytes.Clone(cw.buf.Bytes()))
				if !manager.Set(key, body, ttl) {
					logger.DebugContext(r.Context(), "Response not cached", "key", key)
				}
			}
		})
	}
}

// cacheable accepts JSON objects that do not report "success": false.
func cacheable(body []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	if raw, ok := obj["success"]; ok && string(bytes.TrimSpace(raw)) == "false" {
		return false
	}
	return true
}

func markCached(body json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	obj["_cached"] = json.RawMessage("true")
	return json.Marshal(obj)
}
