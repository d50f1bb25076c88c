// Package httpx sends outbound HTTP requests through a circuit breaker and
// the retry manager.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/retry"
	"github.com/onnwee/committee-portal/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// maxBody bounds how much of a response is buffered.
const maxBody = 1 << 20

// StatusError is a non-2xx response. 4xx statuses are not retried and do not
// count against the breaker.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, body)
}

// StatusCode implements retry.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Builder creates a fresh request per attempt so bodies can be replayed.
type Builder func(ctx context.Context) (*http.Request, error)

// Client guards one upstream service.
type Client struct {
	name    string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Manager
}

// New returns a client. A nil http.Client uses a 15s timeout.
func New(name string, hc *http.Client, breaker *circuitbreaker.CircuitBreaker, retrier *retry.Manager) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{name: name, http: hc, breaker: breaker, retrier: retrier}
}

// Name returns the upstream name used in logs and metrics.
func (c *Client) Name() string { return c.name }

// Breaker exposes the client's breaker for health probes.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// IsSuccessful is the breaker predicate for HTTP clients: caller mistakes
// (4xx) and cancellations do not trip the breaker.
func IsSuccessful(err error) bool {
	return err == nil || retry.IsClientError(err) || errors.Is(err, context.Canceled)
}

// Do sends the request built by build. Each attempt passes through the
// breaker; an open breaker ends the retries immediately.
func (c *Client) Do(ctx context.Context, build Builder) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "httpx."+c.name, attribute.String("peer.service", c.name))
	resp, err := retry.Execute(ctx, c.retrier, c.name, func(ctx context.Context) (*Response, error) {
		resp, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (*Response, error) {
			return c.attempt(ctx, build)
		}, nil)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			metrics.OutboundRequests.WithLabelValues(c.name, "rejected").Inc()
			return nil, retry.Permanent(err)
		}
		return resp, err
	})
	tracing.End(span, err)
	if err != nil {
		metrics.OutboundRequests.WithLabelValues(c.name, "failure").Inc()
		return nil, err
	}
	metrics.OutboundRequests.WithLabelValues(c.name, "success").Inc()
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, build Builder) (*Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		logger.DebugContext(ctx, "Upstream returned error status",
			"client", c.name, "status", res.StatusCode)
		return nil, &StatusError{
			Code:       res.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
