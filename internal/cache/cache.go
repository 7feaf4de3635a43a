// Package cache is an in-process TTL cache with jittered expiry and a
// per-key single-flight loader. Entries are never authoritative; the
// relational store is.
package cache

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Loader produces the value for a missing key.
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	value    interface{}
	expiresAt time.Time
}

// keyLock is a per-key load mutex. refs counts the callers holding or
// waiting on it; the map entry is dropped when refs reaches zero.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Cache holds TTL entries. A global mutex guards the maps; each key gets
// its own mutex so concurrent misses trigger exactly one load.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	keyLocks   map[string]*keyLock
	defaultTTL time.Duration
	jitter     float64
	now        func() time.Time
	rng        *rand.Rand
}

func New(defaultTTL time.Duration, jitter float64) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Second
	}
	return &Cache{
		entries:    make(map[string]entry),
		keyLocks:   make(map[string]*keyLock),
		defaultTTL: defaultTTL,
		jitter:     jitter,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// jitteredTTL spreads expiries so keys written together do not all expire
// together.
func (c *Cache) jitteredTTL(ttl time.Duration) time.Duration {
	if c.jitter <= 0 {
		return ttl
	}
	// Uniform in [1-jitter, 1+jitter).
	factor := 1 + c.jitter*(2*c.rng.Float64()-1)
	return time.Duration(float64(ttl) * factor)
}

func (c *Cache) lockFor(key string) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &keyLock{}
		c.keyLocks[key] = l
	}
	l.refs++
	return l
}

// releaseLock drops the caller's reference and removes the map entry once
// nobody holds or waits on the lock, so the map stays bounded by the
// number of in-flight loads.
func (c *Cache) releaseLock(key string, l *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.keyLocks, key)
	}
}

// get returns the live value for key; expired entries count as misses and
// are removed.
func (c *Cache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value under a jittered TTL. A zero ttl uses the default.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ttl = c.jitteredTTL(ttl)
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the cached value without loading.
func (c *Cache) Get(key string) (interface{}, bool) {
	return c.get(key)
}

// GetOrLoad returns the cached value, or invokes loader exactly once for
// concurrent callers missing on the same key.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) (interface{}, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	l := c.lockFor(key)
	l.mu.Lock()
	defer c.releaseLock(key, l)
	defer l.mu.Unlock()

	// Another caller may have populated the key while we waited.
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Invalidate removes a key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including not-yet-pruned
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
