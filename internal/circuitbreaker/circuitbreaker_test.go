package circuitbreaker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

func newTestBreaker(name string) *CircuitBreaker {
	return New(Config{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		CallTimeout:      200 * time.Millisecond,
		ResetTimeout:     50 * time.Millisecond,
	})
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestClosedAllowsCalls(t *testing.T) {
	cb := newTestBreaker("closed")
	require.NoError(t, cb.Call(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker("opens")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	st := cb.Status()
	assert.Equal(t, 3, st.FailureCount)
	require.NotNil(t, st.LastFailureTime)
}

func TestOpenDoesNotInvokeOperation(t *testing.T) {
	cb := newTestBreaker("short-circuit")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}

	var calls atomic.Int32
	err := cb.Call(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls.Load())
}

func TestOpenUsesFallback(t *testing.T) {
	cb := newTestBreaker("fallback")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}

	got, err := Execute(ctx, cb,
		func(context.Context) (string, error) { return "live", nil },
		func(_ context.Context, cause error) (string, error) {
			assert.ErrorIs(t, cause, ErrCircuitOpen)
			return "cached", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "cached", got)
}

func TestFailureThatTripsReturnsFallback(t *testing.T) {
	cb := newTestBreaker("trip-fallback")
	ctx := context.Background()
	fallback := func(context.Context, error) (int, error) { return -1, nil }
	op := func(context.Context) (int, error) { return 0, errUpstream }

	// Still closed after the first two failures: original error surfaces.
	for i := 0; i < 2; i++ {
		_, err := Execute(ctx, cb, op, fallback)
		assert.ErrorIs(t, err, errUpstream)
	}

	got, err := Execute(ctx, cb, op, fallback)
	require.NoError(t, err)
	assert.Equal(t, -1, got)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := newTestBreaker("recover")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, 1, cb.Status().SuccessCount)

	require.NoError(t, cb.Call(ctx, succeed))
	st := cb.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker("reopen")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	first := *cb.Status().LastFailureTime

	time.Sleep(70 * time.Millisecond)
	assert.ErrorIs(t, cb.Call(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.Status().LastFailureTime.After(first))
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	cb := newTestBreaker("single-probe")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	time.Sleep(70 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var calls atomic.Int32
	err := cb.Call(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls.Load())

	close(release)
	wg.Wait()
}

func TestTrialCallsNeverOverlapAcrossResets(t *testing.T) {
	cb := New(Config{
		Name:             "trial-overlap",
		FailureThreshold: 1,
		SuccessThreshold: 5,
		CallTimeout:      200 * time.Millisecond,
		ResetTimeout:     10 * time.Millisecond,
	})
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	var inflight, maxInflight, trials atomic.Int32
	trial := func(context.Context) error {
		trials.Add(1)
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return errUpstream
	}

	deadline := time.Now().Add(150 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				_ = cb.Call(ctx, trial)
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, trials.Load())
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cb := New(Config{Name: "slow", FailureThreshold: 1, CallTimeout: 20 * time.Millisecond, ResetTimeout: time.Minute})

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker("reset-count")
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	require.NoError(t, cb.Call(ctx, succeed))
	assert.Zero(t, cb.Status().FailureCount)

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsSuccessfulExcludesErrors(t *testing.T) {
	errClient := errors.New("bad request")
	cb := New(Config{
		Name:             "client-errors",
		FailureThreshold: 1,
		IsSuccessful:     func(err error) bool { return err == nil || errors.Is(err, errClient) },
	})

	err := cb.Call(context.Background(), func(context.Context) error { return errClient })
	assert.ErrorIs(t, err, errClient)
	assert.Equal(t, StateClosed, cb.State())
}

func TestReset(t *testing.T) {
	cb := newTestBreaker("manual-reset")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	st := cb.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Nil(t, st.LastFailureTime)
	assert.NoError(t, cb.Call(ctx, succeed))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	mail := r.Get("mail")
	assert.Same(t, mail, r.Get("mail"))

	_ = r.Get("cloudinary").Call(context.Background(), fail)

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cloudinary", statuses[0].Name)
	assert.Equal(t, StateOpen, statuses[0].State)
	assert.Equal(t, "mail", statuses[1].Name)
	assert.Equal(t, StateClosed, statuses[1].State)
}

func TestStateText(t *testing.T) {
	b, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(b))
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
