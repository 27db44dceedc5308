package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/intentgate/intentgate/core"
)

// CacheStats tracks cache performance metrics. Hit/miss counters are
// monotonic across the process lifetime and reset by Clear.
type CacheStats struct {
	Entries int   `json:"entries"`
	Size    int64 `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	value       interface{}
	size        int64
	expiresAt   time.Time
	cachedAt    time.Time
	accessCount int64
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a TTL cache bounded by entry count and total byte size. On
// overflow, the entry with the lowest access count is evicted (ties broken
// by oldest cachedAt); a byte-limit overflow evicts the lowest-scored ~10%
// of entries in one pass. Used for plans keyed by intent fingerprint and
// optionally for results keyed by plan id.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	maxBytes   int64
	size       int64
	hits       int64
	misses     int64
	defaultTTL time.Duration
	logger     core.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a bounded TTL cache and starts its background sweeper.
func NewCache(maxEntries int, maxBytes int64, defaultTTL time.Duration, logger core.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go c.sweepRoutine()
	return c
}

// PlanKey fingerprints an intent for a user. Truncated sha256 keeps keys
// short without meaningful collision risk at cache scale.
func PlanKey(intent, userID string) string {
	sum := sha256.Sum256([]byte(intent + ":" + userID))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached value, or nil/false for missing or expired keys.
// Expired entries are removed on access.
func (c *Cache) Get(key string) (interface{}, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.expired(now) {
		c.removeLocked(key, entry)
		c.misses++
		return nil, false
	}
	entry.accessCount++
	c.hits++
	return entry.value, true
}

// Set stores a value with the given TTL. ttl <= 0 uses the cache default;
// a zero default never expires.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	entry := &cacheEntry{
		value:    value,
		size:     core.ByteSize(value),
		cachedAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.size -= old.size
	}
	c.entries[key] = entry
	c.size += entry.size

	if len(c.entries) > c.maxEntries {
		c.evictLocked(1)
	}
	if c.size > c.maxBytes {
		// Shed roughly a tenth of the entries in one pass
		n := len(c.entries) / 10
		if n < 1 {
			n = 1
		}
		c.evictLocked(n)
	}
}

// Remove deletes a key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// Clear removes all entries and resets the stats counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.size = 0
	c.hits = 0
	c.misses = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Entries: len(c.entries),
		Size:    c.size,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.size -= entry.size
	delete(c.entries, key)
}

// evictLocked removes the n entries with the lowest access count, oldest
// first on ties. Caller holds c.mu.
func (c *Cache) evictLocked(n int) {
	type scored struct {
		key   string
		entry *cacheEntry
	}
	candidates := make([]scored, 0, len(c.entries))
	for key, entry := range c.entries {
		candidates = append(candidates, scored{key, entry})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].entry, candidates[j].entry
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.cachedAt.Before(b.cachedAt)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, victim := range candidates[:n] {
		c.removeLocked(victim.key, victim.entry)
	}
	if n > 0 {
		c.logger.Debug("Cache eviction", map[string]interface{}{
			"operation": "cache_evict",
			"evicted":   n,
			"entries":   len(c.entries),
			"size":      c.size,
		})
	}
}

// sweepRoutine removes expired entries periodically so memory is not held
// until the next access.
func (c *Cache) sweepRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					c.removeLocked(key, entry)
				}
			}
			c.mu.Unlock()
		}
	}
}
