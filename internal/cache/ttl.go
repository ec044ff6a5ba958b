package cache

import (
	"context"
	"sync"
	"time"
)

// TTL expires entries a fixed duration after they were set. Expiry is lazy:
// reads drop stale entries, and Cleanup sweeps the rest.
type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value      V
	insertedAt time.Time
}

func NewTTL[K comparable, V any](ttl time.Duration, now func() time.Time) *TTL[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{ttl: ttl, now: now, items: make(map[K]ttlEntry[V])}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(entry.insertedAt) >= c.ttl {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value and restarts its expiry timer.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = ttlEntry[V]{value: value, insertedAt: c.now()}
}

func (c *TTL[K, V]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]ttlEntry[V])
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Cleanup removes every expired entry and reports how many were dropped.
func (c *TTL[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.items {
		if now.Sub(entry.insertedAt) >= c.ttl {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps on every interval until ctx is done.
func (c *TTL[K, V]) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
