// Package ratecache is the two-tier context cache in front of the rate store:
// a short-lived per-request scope over a process-wide TTL cache.
package ratecache

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Key identifies a cached answer: the classification code plus the business
// context it was asked in (origin, program, and so on).
type Key struct {
	Code    string
	Context string
}

func (k Key) String() string {
	return k.Code + "|" + k.Context
}

// Stats contains cache performance statistics.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
}

// ProcessCache is the process-wide tier.
type ProcessCache interface {
	Get(key Key) (*model.TariffRateRecord, bool)
	Set(key Key, rec *model.TariffRateRecord)
	Evict(key Key)
	// Invalidate drops every entry for code regardless of context.
	Invalidate(code string)
	Stats() Stats
}

// MemoryCache is a concurrent-safe TTL cache. When an insert pushes it past
// maxEntries it evicts the oldest evictFraction of entries by write time in
// one pass.
type MemoryCache struct {
	mu            sync.RWMutex
	entries       map[string]*cacheEntry
	maxEntries    int
	ttl           time.Duration
	evictFraction float64
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	now           func() time.Time
}

type cacheEntry struct {
	rec       *model.TariffRateRecord
	code      string
	createdAt time.Time
}

// NewMemoryCache creates a MemoryCache. evictFraction outside (0, 1] falls
// back to 0.1.
func NewMemoryCache(maxEntries int, ttl time.Duration, evictFraction float64) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.1
	}
	return &MemoryCache{
		entries:       make(map[string]*cacheEntry),
		maxEntries:    maxEntries,
		ttl:           ttl,
		evictFraction: evictFraction,
		now:           time.Now,
	}
}

// Get returns a copy of the cached record. Expired entries are removed and
// count as misses.
func (c *MemoryCache) Get(key Key) (*model.TariffRateRecord, bool) {
	k := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[k]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, k)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.rec.Clone(), true
}

// Set stores a copy of rec.
func (c *MemoryCache) Set(key Key, rec *model.TariffRateRecord) {
	if rec == nil {
		return
	}
	k := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = &cacheEntry{rec: rec.Clone(), code: key.Code, createdAt: c.now()}
	if len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
}

// evictOldest removes the oldest evictFraction of entries. Caller holds mu.
func (c *MemoryCache) evictOldest() {
	n := int(math.Ceil(float64(c.maxEntries) * c.evictFraction))
	n = max(n, len(c.entries)-c.maxEntries)

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].createdAt.Before(c.entries[keys[j]].createdAt)
	})
	for _, k := range keys[:min(n, len(keys))] {
		delete(c.entries, k)
	}
	c.evictions.Add(int64(min(n, len(keys))))
}

// Evict removes one entry.
func (c *MemoryCache) Evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
}

// Invalidate removes all entries for code.
func (c *MemoryCache) Invalidate(code string) {
	prefix := code + "|"

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.code == code || strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Stats returns cache performance statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	maxEntries := c.maxEntries
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Entries:    entries,
		MaxEntries: maxEntries,
		Hits:       hits,
		Misses:     misses,
		Evictions:  c.evictions.Load(),
		HitRate:    hitRate,
	}
}
