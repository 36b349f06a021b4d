package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tflow/attachstore/pkg/types"
)

// MemoryConfig represents memory tier configuration
type MemoryConfig struct {
	// MaxEntries bounds the number of entries held.
	MaxEntries int `yaml:"max_entries"`

	// MaxItemSize is the largest payload kept in memory. Larger entries only
	// remember where the disk tier stored them.
	MaxItemSize int64 `yaml:"max_item_size"`

	TTL time.Duration `yaml:"ttl"`
}

// DefaultMemoryConfig returns the default memory tier configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries:  1000,
		MaxItemSize: 1 << 20,
		TTL:         time.Hour,
	}
}

// MemoryCache is an entry-bounded LRU with per-entry expiry.
type MemoryCache struct {
	lru    *expirable.LRU[string, *Entry]
	config MemoryConfig

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemoryCache creates a memory tier.
func NewMemoryCache(config MemoryConfig) *MemoryCache {
	defaults := DefaultMemoryConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.MaxItemSize <= 0 {
		config.MaxItemSize = defaults.MaxItemSize
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}

	m := &MemoryCache{config: config}
	m.lru = expirable.NewLRU[string, *Entry](config.MaxEntries, func(string, *Entry) {
		m.evictions.Add(1)
	}, config.TTL)
	return m
}

// Get returns the entry for key. An entry without Data refers to the disk tier.
// Entries older than the TTL, counted from when the payload was first stored,
// are misses even if they were added to this tier later.
func (m *MemoryCache) Get(key string) (*Entry, bool) {
	e, ok := m.lru.Get(key)
	if ok && !m.expired(e) {
		m.hits.Add(1)
		return e, true
	}
	if ok {
		m.lru.Remove(key)
	}
	m.misses.Add(1)
	return nil, false
}

func (m *MemoryCache) expired(e *Entry) bool {
	return !e.StoredAt.IsZero() && time.Since(e.StoredAt) > m.config.TTL
}

// Set stores e, dropping its payload when it is larger than MaxItemSize.
func (m *MemoryCache) Set(e *Entry) {
	stored := *e
	if int64(len(stored.Data)) > m.config.MaxItemSize {
		stored.Data = nil
	}
	m.lru.Add(e.Key, &stored)
}

// Delete removes key.
func (m *MemoryCache) Delete(key string) {
	m.lru.Remove(key)
}

// Stats returns cache statistics
func (m *MemoryCache) Stats() types.CacheStats {
	var size int64
	for _, e := range m.lru.Values() {
		size += int64(len(e.Data))
	}

	stats := types.CacheStats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Entries:   m.lru.Len(),
		Size:      size,
		Capacity:  int64(m.config.MaxEntries),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(stats.Entries) / float64(m.config.MaxEntries)
	return stats
}
