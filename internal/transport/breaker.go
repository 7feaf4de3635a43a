package transport

import (
	"sync"
	"time"

	"marketlake/config"
	"marketlake/logger"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens after a run of consecutive failures, blocks calls until
// the recovery timeout elapses, then lets one trial call through.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	log              *logger.Log

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	trialPending bool
	now          func() time.Time
}

func NewBreaker(name string, cfg config.CircuitBreakerConfig, log *logger.Log) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		log:              log,
		now:              time.Now,
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.recoveryTimeout <= 0 {
		b.recoveryTimeout = 30 * time.Second
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it remains
// false until the recovery timeout, at which point exactly one caller is
// admitted as the half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.trialPending = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.trialPending {
			return false
		}
		// State transitions happen in Success/Failure; a second caller
		// arriving mid-trial is rejected.
		return false
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.log != nil {
		b.log.WithComponent("breaker").WithFields(logger.Fields{"name": b.name}).Info("circuit closed after successful trial")
	}
	b.state = StateClosed
	b.failures = 0
	b.trialPending = false
}

// Failure records a failed call and may open the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.trialPending = false
	if b.log != nil {
		b.log.WithComponent("breaker").WithFields(logger.Fields{
			"name":             b.name,
			"recovery_timeout": b.recoveryTimeout.String(),
		}).Warn("circuit opened")
	}
}

// Execute wraps a call with breaker accounting. Blocked calls return a
// typed CIRCUIT_OPEN error without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return &Error{Kind: KindCircuitOpen}
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialPending = false
	}
	b.mu.Unlock()

	err := fn()
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
