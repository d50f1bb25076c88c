package perf

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMonitor(max int) (*Monitor, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMonitor(max, 100*time.Millisecond).WithClock(clk.Now), clk
}

func TestStatsNoData(t *testing.T) {
	m, _ := newMonitor(10)
	st := m.Stats(60)
	assert.True(t, st.NoData)

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"No metrics available"}`, string(b))
}

func TestStatsSingleSample(t *testing.T) {
	m, _ := newMonitor(10)
	m.RecordRequest("/api/students", "GET", 50*time.Millisecond, 200, 300, 900)

	st := m.Stats(1)
	require.False(t, st.NoData)
	assert.Equal(t, "1 minutes", st.TimeRange)
	assert.Equal(t, "50.00", st.AvgResponseTime)
	assert.Equal(t, "50.00", st.P95ResponseTime)
	assert.Equal(t, "0.00%", st.ErrorRate)

	m.RecordRequest("/api/students", "GET", 50*time.Millisecond, 500, 300, 100)
	assert.Equal(t, "50.00%", m.Stats(1).ErrorRate)
}

func TestStatsEndToEnd(t *testing.T) {
	m, _ := newMonitor(10)
	m.RecordRequest("/api/students", "GET", 40*time.Millisecond, 200, 100, 500)

	st := m.Stats(60)
	assert.Equal(t, 1, st.TotalRequests)
	assert.Equal(t, "40.00", st.AvgResponseTime)
	assert.Equal(t, "100", st.AvgRequestSize)
	assert.Equal(t, "500", st.AvgResponseSize)
	assert.Equal(t, float64(40), st.MinResponseTime)
	assert.Equal(t, float64(40), st.MaxResponseTime)
}

func TestStatsWindowExcludesOldSamples(t *testing.T) {
	m, clk := newMonitor(10)
	m.RecordRequest("/old", "GET", 10*time.Millisecond, 200, 0, 0)
	clk.Advance(5 * time.Minute)
	m.RecordRequest("/new", "GET", 20*time.Millisecond, 200, 0, 0)

	st := m.Stats(1)
	assert.Equal(t, 1, st.TotalRequests)
	require.Len(t, st.TopEndpoints, 1)
	assert.Equal(t, "/new", st.TopEndpoints[0].Endpoint)
	assert.Equal(t, 2, m.Stats(10).TotalRequests)
}

func TestStatsHugeWindowKeepsRecentSamples(t *testing.T) {
	m, _ := newMonitor(10)
	m.RecordRequest("/api/students", "GET", 10*time.Millisecond, 200, 0, 0)

	for _, minutes := range []int{200000000, math.MaxInt} {
		st := m.Stats(minutes)
		require.False(t, st.NoData, "minutes=%d", minutes)
		assert.Equal(t, 1, st.TotalRequests)
	}
}

func TestTopEndpointsOrderedByTotalTime(t *testing.T) {
	m, _ := newMonitor(100)
	for i := 0; i < 3; i++ {
		m.RecordRequest("/api/register", "POST", 30*time.Millisecond, 201, 0, 0)
	}
	m.RecordRequest("/api/students", "GET", 80*time.Millisecond, 200, 0, 0)
	m.RecordRequest("/api/students", "GET", 20*time.Millisecond, 404, 0, 0)
	for i := 0; i < 12; i++ {
		m.RecordRequest(fmt.Sprintf("/x/%d", i), "GET", time.Millisecond, 200, 0, 0)
	}

	top := m.Stats(60).TopEndpoints
	require.Len(t, top, 10)
	assert.Equal(t, "/api/students", top[0].Endpoint)
	assert.Equal(t, "50.00", top[0].AvgTime)
	assert.Equal(t, 2, top[0].TotalRequests)
	assert.Equal(t, 1, top[0].Errors)
	assert.Equal(t, "/api/register", top[1].Endpoint)
}

func TestPercentile(t *testing.T) {
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = float64(i + 1)
	}
	assert.Equal(t, float64(95), Percentile(vals, 0.95))
	assert.Equal(t, float64(99), Percentile(vals, 0.99))
	assert.Equal(t, float64(1), Percentile(vals, 0))
	assert.Zero(t, Percentile(nil, 0.95))
}

func TestRingEvictsOldest(t *testing.T) {
	m, _ := newMonitor(3)
	for i := 1; i <= 5; i++ {
		m.RecordRequest(fmt.Sprintf("/%d", i), "GET", time.Duration(i)*time.Millisecond, 200, 0, 0)
	}
	assert.Equal(t, 3, m.Len())

	got := m.snapshot(nil)
	assert.Equal(t, "/3", got[0].Endpoint)
	assert.Equal(t, "/5", got[2].Endpoint)
}

func TestSlowQueries(t *testing.T) {
	m, clk := newMonitor(100)
	m.RecordRequest("/a", "GET", 150*time.Millisecond, 200, 0, 0)
	clk.Advance(2 * time.Hour)
	m.RecordRequest("/b", "GET", 90*time.Millisecond, 200, 0, 0)
	m.RecordRequest("/c", "GET", 300*time.Millisecond, 200, 0, 0)
	m.RecordRequest("/d", "GET", 101*time.Millisecond, 200, 0, 0)

	slow := m.SlowQueries(2)
	require.Len(t, slow, 2)
	assert.Equal(t, "/c", slow[0].Endpoint)
	assert.Equal(t, "/a", slow[1].Endpoint)
	assert.Len(t, m.SlowQueries(0), 3)
}

func TestReset(t *testing.T) {
	m, _ := newMonitor(5)
	m.RecordRequest("/a", "GET", time.Millisecond, 200, 0, 0)
	m.Reset()
	assert.Zero(t, m.Len())
	assert.True(t, m.Stats(60).NoData)
}

func TestResponseTimeRoundedToMillis(t *testing.T) {
	m, _ := newMonitor(5)
	s := m.RecordRequest("/a", "GET", 1500*time.Microsecond, 200, 0, 0)
	assert.Equal(t, float64(2), s.ResponseTime)
}
