// SPDX-License-Identifier: MIT

// Package cache provides a byte-valued TTL cache with in-memory and
// Redis backends. Values are opaque bytes at this layer; Typed gives
// callers a JSON-encoded view so both backends return the same shapes.
package cache

import (
	"sync"
	"time"
)

// Cache is a thread-safe key/value store with per-entry TTL.
type Cache interface {
	// Get returns the stored bytes, or false when missing or expired.
	Get(key string) ([]byte, bool)
	// Set stores value under key for ttl.
	Set(key string, value []byte, ttl time.Duration)
	// Delete removes key.
	Delete(key string)
	// Clear removes every entry.
	Clear()
	// Stats returns counters since construction.
	Stats() Stats
	// Close releases backend resources.
	Close() error
}

// Stats holds cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value   []byte
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expires)
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemory builds an in-memory cache. When cleanupInterval > 0 a
// janitor goroutine evicts expired entries on that cadence; Close stops
// it.
func NewMemory(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expires: time.Now().Add(ttl)}
	c.stats.Sets++
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *memoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

type noopCache struct{}

// NewNoop builds a cache that stores nothing.
func NewNoop() Cache { return noopCache{} }

func (noopCache) Get(string) ([]byte, bool)            { return nil, false }
func (noopCache) Set(string, []byte, time.Duration)    {}
func (noopCache) Delete(string)                        {}
func (noopCache) Clear()                               {}
func (noopCache) Stats() Stats                         { return Stats{} }
func (noopCache) Close() error                         { return nil }
