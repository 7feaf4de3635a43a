package transport

import (
	"context"
	"math"
	"math/rand"
	"time"

	"marketlake/config"
	"marketlake/logger"
)

// Policy retries an operation a bounded number of times with capped
// exponential backoff and jitter. A server retry hint replaces the
// computed backoff when it is longer.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	log *logger.Log
	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func NewPolicy(cfg config.RetryConfig, log *logger.Log) *Policy {
	p := &Policy{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		JitterFraction:    cfg.JitterFraction,
		log:               log,
		sleep:             sleepCtx,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff computes the delay before the given retry (attempt is 1-based,
// counting the attempt that just failed).
func (p *Policy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		d *= 1 + p.JitterFraction*(2*p.rng.Float64()-1)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is wrapped as RETRY_EXHAUSTED.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		if hint := RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}

		if p.log != nil {
			p.log.WithComponent("transport").WithFields(logger.Fields{
				"operation": op,
				"attempt":   attempt,
				"delay_ms":  delay.Milliseconds(),
			}).WithError(lastErr).Warn("retrying after transport fault")
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &Error{Kind: KindExhausted, Err: lastErr}
}
