package cache

import (
	"log/slog"
	"time"

	"github.com/tflow/attachstore/pkg/types"
)

// Tier names reported by Get and to the observer.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Meta is the descriptive data stored alongside a payload.
type Meta struct {
	ContentType string
	DisplayName string
}

// Entry is a cached attachment.
type Entry struct {
	Key         string
	Data        []byte
	ContentType string
	DisplayName string
	Size        int64
	StoredAt    time.Time

	// DiskPath is set when the payload lives in the disk tier.
	DiskPath string
}

// Observer receives cache lookups.
type Observer interface {
	RecordCacheLookup(tier string, hit bool)
}

// Config represents overlay configuration
type Config struct {
	Enabled bool         `yaml:"enabled"`
	Memory  MemoryConfig `yaml:"memory"`
	Disk    DiskConfig   `yaml:"disk"`
}

// DefaultConfig returns the default overlay configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Memory:  DefaultMemoryConfig(),
		Disk:    DefaultDiskConfig(),
	}
}

// Stats holds per-tier statistics.
type Stats struct {
	Memory types.CacheStats `json:"memory"`
	Disk   types.CacheStats `json:"disk"`
}

// Overlay is a memory tier in front of a disk tier. It is never the source
// of truth: a miss is always answered by the remote store.
type Overlay struct {
	memory   *MemoryCache
	disk     *DiskCache
	observer Observer
	logger   *slog.Logger
}

// New creates an overlay. The memory and disk tiers share the TTL unless
// configured separately.
func New(config Config, observer Observer, logger *slog.Logger) (*Overlay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Memory.TTL <= 0 {
		config.Memory.TTL = config.Disk.TTL
	}

	disk, err := NewDiskCache(config.Disk, logger)
	if err != nil {
		return nil, err
	}

	return &Overlay{
		memory:   NewMemoryCache(config.Memory),
		disk:     disk,
		observer: observer,
		logger:   logger.With("component", "cache"),
	}, nil
}

// Get looks key up in memory, then on disk. revalidate skips the memory tier
// so a stale in-process entry cannot be served. Disk hits are promoted to
// memory.
func (o *Overlay) Get(key string, revalidate bool) (*Entry, string, bool) {
	if !revalidate {
		if e, ok := o.memory.Get(key); ok {
			if e.Data != nil || e.Size == 0 {
				o.record(TierMemory, true)
				return e, TierMemory, true
			}
		}
		// absent, or held on disk only
		o.record(TierMemory, false)
	}

	e, ok := o.disk.Get(key)
	o.record(TierDisk, ok)
	if !ok {
		o.memory.Delete(key)
		return nil, "", false
	}

	o.memory.Set(e)
	return e, TierDisk, true
}

// Put writes data to the disk tier and records it in memory. Callers on the
// request path run it in the background.
func (o *Overlay) Put(key string, data []byte, meta Meta) error {
	if err := o.disk.Put(key, data, meta); err != nil {
		o.logger.Warn("Failed to write cache entry", "key", key, "error", err)
		return err
	}

	path, _ := o.disk.Path(key)
	o.memory.Set(&Entry{
		Key:         key,
		Data:        data,
		ContentType: meta.ContentType,
		DisplayName: meta.DisplayName,
		Size:        int64(len(data)),
		StoredAt:    time.Now(),
		DiskPath:    path,
	})
	return nil
}

// Invalidate removes key from both tiers.
func (o *Overlay) Invalidate(key string) {
	o.memory.Delete(key)
	o.disk.Delete(key)
}

// Stats returns per-tier statistics.
func (o *Overlay) Stats() Stats {
	return Stats{
		Memory: o.memory.Stats(),
		Disk:   o.disk.Stats(),
	}
}

// Close drops expired disk entries and flushes the disk index.
func (o *Overlay) Close() error {
	if err := o.disk.Optimize(); err != nil {
		o.logger.Warn("Failed to optimize disk cache", "error", err)
	}
	return o.disk.Close()
}

func (o *Overlay) record(tier string, hit bool) {
	if o.observer != nil {
		o.observer.RecordCacheLookup(tier, hit)
	}
}
