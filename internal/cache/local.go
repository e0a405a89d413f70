package cache

import (
	"sync"
	"time"
)

// Local is an in-memory cache with per-item TTL and least recently used
// eviction once maxSize items are held. Expired items are dropped lazily.
type Local[V any] struct {
	mu      sync.Mutex
	items   map[string]*localItem[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	stats   LocalStats
}

type localItem[V any] struct {
	value      V
	expiresAt  time.Time
	accessedAt time.Time
}

// LocalStats tracks local cache statistics.
type LocalStats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Size      int64
}

// NewLocal creates a cache holding at most maxSize items (0 means unbounded)
// with defaultTTL applied when Set is called with a zero TTL.
func NewLocal[V any](maxSize int, defaultTTL time.Duration) *Local[V] {
	return &Local[V]{
		items:   make(map[string]*localItem[V]),
		maxSize: maxSize,
		ttl:     defaultTTL,
		now:     time.Now,
	}
}

// WithClock replaces the time source; it is meant for tests.
func (lc *Local[V]) WithClock(now func() time.Time) *Local[V] {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if now != nil {
		lc.now = now
	}
	return lc
}

// Get returns an unexpired item.
func (lc *Local[V]) Get(key string) (V, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var zero V
	item, ok := lc.items[key]
	if !ok {
		lc.stats.Misses++
		return zero, false
	}
	now := lc.now()
	if !now.Before(item.expiresAt) {
		delete(lc.items, key)
		lc.stats.Misses++
		lc.stats.Evictions++
		return zero, false
	}
	item.accessedAt = now
	lc.stats.Hits++
	return item.value, true
}

// Set stores value for ttl, or the default TTL when ttl is zero.
func (lc *Local[V]) Set(key string, value V, ttl time.Duration) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if ttl <= 0 {
		ttl = lc.ttl
	}
	if _, exists := lc.items[key]; !exists && lc.maxSize > 0 && len(lc.items) >= lc.maxSize {
		lc.evictLRU()
	}
	now := lc.now()
	lc.items[key] = &localItem[V]{value: value, expiresAt: now.Add(ttl), accessedAt: now}
	lc.stats.Sets++
}

// SetNX stores value only when key is absent or expired and reports whether it did.
func (lc *Local[V]) SetNX(key string, value V, ttl time.Duration) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := lc.now()
	if item, ok := lc.items[key]; ok && now.Before(item.expiresAt) {
		return false
	}
	if ttl <= 0 {
		ttl = lc.ttl
	}
	lc.items[key] = &localItem[V]{value: value, expiresAt: now.Add(ttl), accessedAt: now}
	lc.stats.Sets++
	return true
}

// Delete removes key.
func (lc *Local[V]) Delete(key string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, exists := lc.items[key]; exists {
		delete(lc.items, key)
		lc.stats.Deletes++
	}
}

// Clear removes every item.
func (lc *Local[V]) Clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.items = make(map[string]*localItem[V])
}

// Stats returns a snapshot of cache statistics.
func (lc *Local[V]) Stats() LocalStats {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	s := lc.stats
	s.Size = int64(len(lc.items))
	return s
}

func (lc *Local[V]) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range lc.items {
		if oldestKey == "" || item.accessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessedAt
		}
	}
	if oldestKey != "" {
		delete(lc.items, oldestKey)
		lc.stats.Evictions++
	}
}
