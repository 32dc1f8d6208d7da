// SPDX-License-Identifier: MIT

package cache

import (
	"encoding/json"
	"time"
)

// Typed is a single-key JSON view over a Cache. Both backends hand back
// identical decoded values, which keeps callers indifferent to whether
// they run against memory or Redis.
type Typed[T any] struct {
	cache Cache
	key   string
	ttl   time.Duration
}

// NewTyped binds key with ttl on c.
func NewTyped[T any](c Cache, key string, ttl time.Duration) Typed[T] {
	return Typed[T]{cache: c, key: key, ttl: ttl}
}

// Get decodes the cached value. A decode failure counts as a miss; the
// stale entry is dropped so the next Set rewrites it.
func (t Typed[T]) Get() (T, bool) {
	var v T
	raw, ok := t.cache.Get(t.key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.cache.Delete(t.key)
		var zero T
		return zero, false
	}
	return v, true
}

// Set encodes and stores v. Unencodable values are dropped silently;
// the cache is advisory.
func (t Typed[T]) Set(v T) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	t.cache.Set(t.key, raw, t.ttl)
}

// Invalidate removes the value.
func (t Typed[T]) Invalidate() {
	t.cache.Delete(t.key)
}
