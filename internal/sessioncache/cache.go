// Package sessioncache is a small expiring map keyed by session id.
//
// Entries expire a fixed TTL after they were written. Expired entries are
// evicted lazily on access and by an optional background sweeper.
package sessioncache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an expiring map safe for concurrent use
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache whose entries live for ttl
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[V]),
		stopCh:  make(chan struct{}),
	}
}

// Set stores value under id, replacing any previous entry and restarting its TTL
func (c *Cache[V]) Set(id string, value V) {
	c.mu.Lock()
	c.entries[id] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Get returns the live value for id. An expired entry is removed and reported missing.
func (c *Cache[V]) Get(id string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, id)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes id
func (c *Cache[V]) Delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many were removed
func (c *Cache[V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close is called.
// Calling it more than once has no effect.
func (c *Cache[V]) StartSweeper(interval time.Duration) {
	c.mu.Lock()
	if c.doneCh != nil {
		c.mu.Unlock()
		return
	}
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the sweeper, if running, and waits for it to exit
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
