package ucel

import (
	"fmt"
	"os"
	"sync"
	"time"

	"marketlake/config"
	"marketlake/internal/model"
)

// ResolvedCredential is a credential with its secret material resolved.
// Only Ref may appear in logs or error payloads.
type ResolvedCredential struct {
	Ref    string
	Key    string
	Secret string
}

// PoolError is returned when no usable credential remains for a scope.
type PoolError struct {
	Code  string
	Scope string
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("credential pool: %s for scope %q", e.Code, e.Scope)
}

type keyHealth struct {
	cooldownUntil       time.Time
	rateLimitedUntil    time.Time
	consecutiveFailures int
	exhausted           bool
}

// KeyPool holds interchangeable credentials per scope with independent
// health tracking. All methods are atomic with respect to each other.
type KeyPool struct {
	mu     sync.Mutex
	creds  []config.CredentialConfig
	health map[string]*keyHealth

	cooldown        time.Duration
	maxFailures     int
	maxAttempts     int
	rateLimitWindow time.Duration
	now             func() time.Time
}

func NewKeyPool(creds []config.CredentialConfig, policy config.PolicyConfig) *KeyPool {
	p := &KeyPool{
		creds:           creds,
		health:          make(map[string]*keyHealth, len(creds)),
		cooldown:        policy.KeyCooldown,
		maxFailures:     policy.KeyMaxFailures,
		maxAttempts:     policy.KeyMaxAttempts,
		rateLimitWindow: policy.KeyRateLimitWindow,
		now:             time.Now,
	}
	if p.cooldown <= 0 {
		p.cooldown = 30 * time.Second
	}
	if p.maxFailures <= 0 {
		p.maxFailures = 5
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.rateLimitWindow <= 0 {
		p.rateLimitWindow = time.Minute
	}
	for _, c := range creds {
		p.health[c.Ref] = &keyHealth{}
	}
	return p
}

func (p *KeyPool) HasCredentials() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds) > 0
}

func credHasScope(c config.CredentialConfig, scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Select returns the next usable credential for a scope, skipping
// credentials that are cooling down, rate-limited or exhausted. skip
// lists refs already tried within the current operation.
func (p *KeyPool) Select(scope string, skip map[string]bool) (config.CredentialConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.creds {
		if !credHasScope(c, scope) || skip[c.Ref] {
			continue
		}
		h := p.health[c.Ref]
		if h.exhausted || now.Before(h.cooldownUntil) || now.Before(h.rateLimitedUntil) {
			continue
		}
		return c, nil
	}
	return config.CredentialConfig{}, &PoolError{Code: model.ReasonPoolExhausted, Scope: scope}
}

// MarkSuccess clears the failure streak for a credential.
func (p *KeyPool) MarkSuccess(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[ref]; ok {
		h.consecutiveFailures = 0
	}
}

// MarkFailure applies the cooldown window, extends it with the server's
// retry hint on rate-limit faults, and marks the credential exhausted
// after too many consecutive failures.
func (p *KeyPool) MarkFailure(ref string, rateLimited bool, retryHint time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[ref]
	if !ok {
		return
	}
	now := p.now()
	h.consecutiveFailures++
	h.cooldownUntil = now.Add(p.cooldown)
	if rateLimited {
		window := p.rateLimitWindow
		if retryHint > window {
			window = retryHint
		}
		h.rateLimitedUntil = now.Add(window)
	}
	if h.consecutiveFailures >= p.maxFailures {
		h.exhausted = true
	}
}

// Reset manually restores an exhausted credential.
func (p *KeyPool) Reset(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[ref]; ok {
		*h = keyHealth{}
	}
}

// Exhausted reports whether a credential is excluded pending manual reset.
func (p *KeyPool) Exhausted(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[ref]
	return ok && h.exhausted
}

// Resolve loads the secret material for a credential from the
// environment references in its config.
func Resolve(c config.CredentialConfig) (ResolvedCredential, error) {
	key := os.Getenv(c.KeyEnv)
	secret := os.Getenv(c.SecretEnv)
	if key == "" || secret == "" {
		return ResolvedCredential{}, fmt.Errorf("credential %s: secret material not resolvable", c.Ref)
	}
	return ResolvedCredential{Ref: c.Ref, Key: key, Secret: secret}, nil
}

// WithCredential runs fn with successive credentials for scope until one
// succeeds, retrying across at most maxAttempts distinct credentials.
// A secret-resolution failure counts as one failure for that credential
// but never marks it exhausted on its own.
func (p *KeyPool) WithCredential(scope string, fn func(cred ResolvedCredential) error) error {
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		c, err := p.Select(scope, tried)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		tried[c.Ref] = true

		resolved, err := Resolve(c)
		if err != nil {
			lastErr = err
			p.MarkFailure(c.Ref, false, 0)
			continue
		}

		err = fn(resolved)
		if err == nil {
			p.MarkSuccess(c.Ref)
			return nil
		}
		lastErr = err
		p.MarkFailure(c.Ref, isRateLimitErr(err), retryHint(err))
	}
	return lastErr
}
