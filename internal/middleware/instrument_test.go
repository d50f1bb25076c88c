package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/onnwee/committee-portal/internal/perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument_RecordsRouteTemplate(t *testing.T) {
	monitor := perf.NewMonitor(100, 0)
	r := mux.NewRouter()
	r.Use(Instrument(monitor))
	r.HandleFunc("/api/select/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"RESOURCE_NOT_FOUND"}}`))
	}).Methods(http.MethodDelete)

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/select/"+id, nil))
	}

	stats := monitor.Stats(1)
	require.False(t, stats.NoData)
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Equal(t, "100.00%", stats.ErrorRate)
	require.Len(t, stats.TopEndpoints, 1)
	assert.Equal(t, "/api/select/{id}", stats.TopEndpoints[0].Endpoint)
	assert.Equal(t, 2, stats.TopEndpoints[0].Errors)
}

func TestInstrument_Sizes(t *testing.T) {
	monitor := perf.NewMonitor(100, 0)
	handler := Instrument(monitor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))

	body := strings.Repeat("y", 100)
	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	stats := monitor.Stats(1)
	require.False(t, stats.NoData)
	// 100 byte body + len("/api/register") + header overhead.
	assert.Equal(t, "313", stats.AvgRequestSize)
	assert.Equal(t, "500", stats.AvgResponseSize)
	assert.Equal(t, "0.00%", stats.ErrorRate)
	assert.Equal(t, "/api/register", stats.TopEndpoints[0].Endpoint)
}

func TestInstrument_DefaultStatus(t *testing.T) {
	monitor := perf.NewMonitor(100, 0)
	handler := Instrument(monitor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, monitor.Len())
	assert.Equal(t, "0.00%", monitor.Stats(1).ErrorRate)
}
