package ucel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"marketlake/internal/transport"
	"marketlake/logger"
)

// RequestBuilder creates the HTTP request for one attempt. cred is the
// zero value for public operations.
type RequestBuilder func(ctx context.Context, cred ResolvedCredential) (*http.Request, error)

// Adapter dispatches gated operations for one venue over the resilient
// transport.
type Adapter struct {
	venue  string
	gate   *Gate
	client *transport.Client
	log    *logger.Log
}

func NewAdapter(venue string, gate *Gate, client *transport.Client, log *logger.Log) *Adapter {
	return &Adapter{venue: venue, gate: gate, client: client, log: log}
}

// Venue returns the venue this adapter serves.
func (a *Adapter) Venue() string { return a.venue }

// Client exposes the underlying transport for health reporting.
func (a *Adapter) Client() *transport.Client { return a.client }

// Invoke runs one operation: gate first, then (for private operations)
// credential failover, then the transport stack. Rejections happen
// before any network call.
func (a *Adapter) Invoke(ctx context.Context, op, scope string, cost int, build RequestBuilder) (int, []byte, error) {
	if err := a.gate.Check(a.venue, op); err != nil {
		return 0, nil, err
	}

	if !opRequiresAuth[op] {
		return a.client.Do(ctx, op, cost, func(ctx context.Context) (*http.Request, error) {
			return build(ctx, ResolvedCredential{})
		})
	}

	pool := a.gate.Pool(a.venue)
	var status int
	var body []byte
	err := pool.WithCredential(scope, func(cred ResolvedCredential) error {
		s, b, err := a.client.Do(ctx, op, cost, func(ctx context.Context) (*http.Request, error) {
			return build(ctx, cred)
		})
		if err != nil {
			a.log.WithComponent("ucel").WithFields(logger.Fields{
				"venue":          a.venue,
				"operation":      op,
				"credential_ref": cred.Ref,
			}).WithError(err).Warn("private operation failed")
			return err
		}
		status, body = s, b
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func isRateLimitErr(err error) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Kind == transport.KindRateLimited
}

func retryHint(err error) time.Duration {
	return transport.RetryAfterHint(err)
}
