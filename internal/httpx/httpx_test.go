package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, name string, failureThreshold int) (*Client, *retry.FakeSleeper) {
	t.Helper()
	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:             name,
		FailureThreshold: failureThreshold,
		CallTimeout:      time.Second,
		ResetTimeout:     time.Minute,
		IsSuccessful:     IsSuccessful,
	})
	fs := &retry.FakeSleeper{}
	rm := retry.New(3, 10*time.Millisecond)
	rm.Sleeper = fs
	return New(name, &http.Client{Timeout: time.Second}, cb, rm), fs
}

func getBuilder(url string) Builder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDo_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<abc@smtp>"}`))
	}))
	defer ts.Close()

	c, fs := newClient(t, "ok", 5)
	resp, err := c.Do(context.Background(), getBuilder(ts.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"messageId":"<abc@smtp>"}`, string(resp.Body))
	assert.Zero(t, fs.CallCount())
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, fs := newClient(t, "flaky", 5)
	_, err := c.Do(context.Background(), getBuilder(ts.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, fs.CallCount())
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"too_many_requests"}`))
	}))
	defer ts.Close()

	c, _ := newClient(t, "client-error", 1)
	_, err := c.Do(context.Background(), getBuilder(ts.URL))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode())
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State(), "4xx must not trip the breaker")
}

func TestDo_OpenBreakerStopsRetries(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c, _ := newClient(t, "tripping", 2)
	_, err := c.Do(context.Background(), getBuilder(ts.URL))

	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().State())

	_, err = c.Do(context.Background(), getBuilder(ts.URL))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDo_BuildErrorIsPermanent(t *testing.T) {
	c, fs := newClient(t, "bad-build", 5)
	boom := errors.New("bad payload")
	_, err := c.Do(context.Background(), func(context.Context) (*http.Request, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, fs.CallCount())
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	err := &StatusError{Code: 500, Body: strings.Repeat("x", 300)}
	assert.Less(t, len(err.Error()), 250)
	assert.True(t, strings.HasSuffix(err.Error(), "..."))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 59*time.Minute)
}
