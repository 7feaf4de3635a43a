package transport

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"marketlake/config"
)

// Limiter enforces a cost budget per time window. Acquire fails fast
// instead of blocking so callers can surface a typed RATE_LIMITED error
// and let the retry policy schedule the next attempt.
type Limiter struct {
	lim          *rate.Limiter
	limitedCount int64
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	cps := cfg.CostPerSecond
	if cps <= 0 {
		cps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cps
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(cps), burst)}
}

// Acquire reserves cost units, failing fast when the window budget would
// be exceeded.
func (l *Limiter) Acquire(cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if !l.lim.AllowN(time.Now(), cost) {
		atomic.AddInt64(&l.limitedCount, 1)
		return &Error{Kind: KindRateLimited}
	}
	return nil
}

// LimitedCount reports how many acquisitions were rejected.
func (l *Limiter) LimitedCount() int64 {
	return atomic.LoadInt64(&l.limitedCount)
}
