package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"marketlake/config"
	"marketlake/logger"
)

// Client composes the rate limiter, circuit breaker and retry policy
// around plain HTTP. One Client is typically scoped per venue.
type Client struct {
	http    *http.Client
	retry   *Policy
	breaker *Breaker
	limiter *Limiter
	timeout time.Duration
	log     *logger.Log
}

func NewClient(name string, cfg config.TransportConfig, log *logger.Log) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{},
		retry:   NewPolicy(cfg.Retry, log),
		breaker: NewBreaker(name, cfg.CircuitBreaker, log),
		limiter: NewLimiter(cfg.RateLimit),
		timeout: timeout,
		log:     log,
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Limiter exposes the client's rate limiter for health reporting.
func (c *Client) Limiter() *Limiter { return c.limiter }

// Execute runs one logical call whose HTTP round trip is owned by an
// exchange SDK. The call still passes the limiter, the breaker and the
// retry policy; untyped errors from fn are classified as network faults.
func (c *Client) Execute(ctx context.Context, op string, cost int, fn func(ctx context.Context) error) error {
	if err := c.limiter.Acquire(cost); err != nil {
		return err
	}
	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			err := fn(attemptCtx)
			if err == nil {
				return nil
			}
			var te *Error
			if errors.As(err, &te) {
				return te
			}
			return ClassifyNetErr(err)
		})
	})
}

// Do executes one logical call: acquire budget, pass the breaker, then
// retry retryable faults per policy. build is invoked per attempt so the
// request body is fresh each time.
func (c *Client) Do(ctx context.Context, op string, cost int, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	if err := c.limiter.Acquire(cost); err != nil {
		return 0, nil, err
	}

	var status int
	var body []byte
	err := c.retry.Do(ctx, op, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			req, err := build(attemptCtx)
			if err != nil {
				return &Error{Kind: KindClient, Err: err}
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return ClassifyNetErr(err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return ClassifyNetErr(err)
			}

			if terr := classifyStatus(resp); terr != nil {
				return terr
			}
			status = resp.StatusCode
			body = data
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

// classifyStatus maps HTTP responses onto the error taxonomy. 2xx is
// success; 429 and 5xx are retryable; everything else is terminal.
func classifyStatus(resp *http.Response) *Error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode}
	default:
		return &Error{Kind: KindClient, StatusCode: resp.StatusCode}
	}
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
