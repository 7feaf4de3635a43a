package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a transport failure. Only the retryable kinds are
// retried by the policy; everything else propagates immediately.
type Kind string

const (
	KindTimeout     Kind = "TIMEOUT"
	KindNetwork     Kind = "NETWORK"
	KindServer      Kind = "SERVER_ERROR"
	KindRateLimited Kind = "RATE_LIMITED"
	KindClient      Kind = "CLIENT_ERROR"
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	KindExhausted   Kind = "RETRY_EXHAUSTED"
)

// Error is the typed transport fault surfaced to callers.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter carries the server's retry delay hint for rate-limit
	// responses, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("transport %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable reason code callers branch on.
func (e *Error) Code() string { return string(e.Kind) }

// Retryable reports whether the retry policy may re-attempt this failure.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindServer, KindRateLimited:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable transport error.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// RetryAfterHint extracts the server retry hint from err, if any.
func RetryAfterHint(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// ClassifyNetErr maps low-level request errors onto the taxonomy.
func ClassifyNetErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}
