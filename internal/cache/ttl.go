// Package cache provides the process-local evaluation cache.
package cache

import (
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Second

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache memoises values for a fixed time-to-live. Expired entries are
// removed by the Get that finds them; there is no capacity bound and no
// background sweep.
type TTLCache[K comparable, V any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[K]entry[V]
}

type Option[K comparable, V any] func(*TTLCache[K, V])

// WithClock replaces time.Now, mainly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTLCache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a cache whose entries live for ttl. A non-positive ttl falls
// back to DefaultTTL.
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TTLCache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &TTLCache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TTLCache[K, V]) TTL() time.Duration {
	return c.ttl
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().After(e.expiresAt) {
		return e.value, true
	}

	c.mu.Lock()
	// A concurrent Set may have refreshed the entry since the read lock.
	if current, ok := c.entries[key]; ok && c.now().After(current.expiresAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return zero, false
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet read.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
