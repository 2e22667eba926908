package defense

import (
	"sync"
	"sync/atomic"
	"time"
)

// NegativeCache remembers query-shape signatures that produced empty
// results, so repeated probing for absent data is answered from cache
// without touching a single segment.
//
// Entries carry the manifest generation they were observed at and are
// dropped once the store mutates, since an ingest can make a
// previously empty query non-empty. The cache is LRU with TTL
// expiration on top of that.
type NegativeCache struct {
	mu      sync.RWMutex
	entries map[uint64]*negativeEntry
	order   []uint64 // oldest first
	maxSize int
	ttl     time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type negativeEntry struct {
	expireAt   time.Time
	generation uint64
}

// NegativeCacheConfig configures the negative result cache.
type NegativeCacheConfig struct {
	// MaxSize is the maximum number of cached signatures. Default: 1024.
	MaxSize int

	// TTL bounds how long an empty result is trusted. Default: 5 minutes.
	TTL time.Duration
}

// DefaultNegativeCacheConfig returns the default configuration.
func DefaultNegativeCacheConfig() NegativeCacheConfig {
	return NegativeCacheConfig{
		MaxSize: 1024,
		TTL:     5 * time.Minute,
	}
}

// NewNegativeCache creates an empty cache.
func NewNegativeCache(cfg NegativeCacheConfig) *NegativeCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &NegativeCache{
		entries: make(map[uint64]*negativeEntry, cfg.MaxSize),
		order:   make([]uint64, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
	}
}

// CheckEmpty reports whether sig is cached as empty at the given
// manifest generation.
func (nc *NegativeCache) CheckEmpty(sig, generation uint64) bool {
	if sig == 0 {
		nc.misses.Add(1)
		return false
	}

	nc.mu.RLock()
	entry, ok := nc.entries[sig]
	nc.mu.RUnlock()

	if !ok || entry.generation != generation || time.Now().After(entry.expireAt) {
		// Stale entries are swept during RecordEmpty, not here, to
		// keep the hot path free of write locking.
		nc.misses.Add(1)
		return false
	}

	nc.hits.Add(1)
	return true
}

// RecordEmpty caches that sig produced no results at generation.
func (nc *NegativeCache) RecordEmpty(sig, generation uint64) {
	if sig == 0 {
		return
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if entry, ok := nc.entries[sig]; ok {
		entry.expireAt = time.Now().Add(nc.ttl)
		entry.generation = generation
		nc.moveToEndLocked(sig)
		return
	}

	nc.evictExpiredLocked()
	if len(nc.entries) >= nc.maxSize {
		nc.evictOldestLocked()
	}

	nc.entries[sig] = &negativeEntry{
		expireAt:   time.Now().Add(nc.ttl),
		generation: generation,
	}
	nc.order = append(nc.order, sig)
}

// InvalidateAll clears the cache. Called on every mutation commit.
func (nc *NegativeCache) InvalidateAll() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.entries = make(map[uint64]*negativeEntry, nc.maxSize)
	nc.order = nc.order[:0]
}

// Stats returns hit/miss counters and current size.
func (nc *NegativeCache) Stats() NegativeCacheStats {
	nc.mu.RLock()
	size := len(nc.entries)
	nc.mu.RUnlock()
	return NegativeCacheStats{
		Size:   size,
		Hits:   nc.hits.Load(),
		Misses: nc.misses.Load(),
	}
}

// NegativeCacheStats contains cache counters.
type NegativeCacheStats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// HitRate returns the hit rate in [0,1].
func (s NegativeCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (nc *NegativeCache) evictExpiredLocked() {
	now := time.Now()
	for sig, entry := range nc.entries {
		if now.After(entry.expireAt) {
			delete(nc.entries, sig)
			nc.removeFromOrderLocked(sig)
		}
	}
}

func (nc *NegativeCache) evictOldestLocked() {
	if len(nc.order) == 0 {
		return
	}
	oldest := nc.order[0]
	nc.order = nc.order[1:]
	delete(nc.entries, oldest)
}

func (nc *NegativeCache) moveToEndLocked(sig uint64) {
	nc.removeFromOrderLocked(sig)
	nc.order = append(nc.order, sig)
}

func (nc *NegativeCache) removeFromOrderLocked(sig uint64) {
	for i, s := range nc.order {
		if s == sig {
			nc.order = append(nc.order[:i], nc.order[i+1:]...)
			return
		}
	}
}
