package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tflow/attachstore/pkg/types"
)

// DiskConfig represents disk tier configuration
type DiskConfig struct {
	Directory       string        `yaml:"directory"`
	MaxSize         int64         `yaml:"max_size"`
	TTL             time.Duration `yaml:"ttl"`
	Compression     bool          `yaml:"compression"`
	IndexFile       string        `yaml:"index_file"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// DefaultDiskConfig returns the default disk tier configuration.
func DefaultDiskConfig() DiskConfig {
	return DiskConfig{
		Directory:       filepath.Join(os.TempDir(), "attachstore-cache"),
		MaxSize:         1 << 30,
		TTL:             time.Hour,
		IndexFile:       "cache-index.json",
		CleanupInterval: 10 * time.Minute,
		SyncInterval:    time.Minute,
	}
}

// diskItem is one cached object in the index
type diskItem struct {
	Key         string    `json:"key"`
	FilePath    string    `json:"file_path"`
	Size        int64     `json:"size"`
	StoredSize  int64     `json:"stored_size"`
	ContentType string    `json:"content_type"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
	AccessTime  time.Time `json:"access_time"`
	Compressed  bool      `json:"compressed"`
	Checksum    string    `json:"checksum"`
}

// DiskCache keeps whole objects as files with a JSON index. Entries expire
// after the TTL, and the least recently accessed entries are evicted when the
// total exceeds MaxSize.
type DiskCache struct {
	mu          sync.RWMutex
	directory   string
	maxSize     int64
	currentSize int64
	index       map[string]*diskItem
	config      DiskConfig
	stats       types.CacheStats
	logger      *slog.Logger

	stopCh chan struct{}
	closed bool
}

// NewDiskCache creates the cache directory, loads an existing index and
// starts the cleanup and index sync loops.
func NewDiskCache(config DiskConfig, logger *slog.Logger) (*DiskCache, error) {
	defaults := DefaultDiskConfig()
	if config.Directory == "" {
		config.Directory = defaults.Directory
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.IndexFile == "" {
		config.IndexFile = defaults.IndexFile
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		directory: config.Directory,
		maxSize:   config.MaxSize,
		index:     make(map[string]*diskItem),
		config:    config,
		stats:     types.CacheStats{Capacity: config.MaxSize},
		logger:    logger.With("component", "disk-cache"),
		stopCh:    make(chan struct{}),
	}

	if err := c.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	go c.cleanupExpired()
	go c.syncIndex()

	return c, nil
}

// Get returns the cached object for key.
func (c *DiskCache) Get(key string) (*Entry, bool) {
	c.mu.RLock()
	item, exists := c.index[key]
	c.mu.RUnlock()

	if !exists {
		c.miss()
		return nil, false
	}

	if c.isExpired(item) {
		if c.removeIfCurrent(item) {
			c.mu.Lock()
			c.stats.Evictions++
			c.mu.Unlock()
		}
		c.miss()
		return nil, false
	}

	data, err := c.readFromFile(item)
	if err != nil {
		c.logger.Debug("Dropping unreadable cache entry", "key", key, "error", err)
		c.removeIfCurrent(item)
		c.miss()
		return nil, false
	}

	c.mu.Lock()
	item.AccessTime = time.Now()
	c.stats.Hits++
	c.updateHitRate()
	entry := item.entry(data)
	c.mu.Unlock()

	return entry, true
}

// Put stores data under key, replacing any previous entry. Concurrent writers
// of the same key race; the last one to finish wins.
func (c *DiskCache) Put(key string, data []byte, meta Meta) error {
	if key == "" {
		return fmt.Errorf("cache key cannot be empty")
	}

	now := time.Now()
	item := &diskItem{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		DisplayName: meta.DisplayName,
		Timestamp:   now,
		AccessTime:  now,
		Compressed:  c.config.Compression,
		Checksum:    checksum(data),
	}

	// write outside the lock into a unique temp file, then rename into place
	stored, tmp, err := c.writeToFile(data, item.Compressed)
	if err != nil {
		return err
	}
	item.StoredSize = stored
	item.FilePath = c.generateFilePath(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk cache closed")
	}
	if err := os.Rename(tmp, item.FilePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if existing, ok := c.index[key]; ok {
		c.currentSize -= existing.StoredSize
	}
	c.index[key] = item
	c.currentSize += item.StoredSize

	c.evictIfNeeded(key)
	return nil
}

// Delete removes key from the cache.
func (c *DiskCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.index[key]; ok {
		c.removeLocked(item)
		c.stats.Evictions++
	}
}

// Path returns the file holding key, if cached.
func (c *DiskCache) Path(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.index[key]
	if !ok {
		return "", false
	}
	return item.FilePath, true
}

// Size returns the bytes used on disk
func (c *DiskCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Stats returns cache statistics
func (c *DiskCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Size = c.currentSize
	stats.Entries = len(c.index)
	stats.Utilization = float64(c.currentSize) / float64(c.maxSize)
	return stats
}

// Close stops background goroutines and syncs the index
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.stopCh)

	return c.saveIndex()
}

// Optimize removes expired entries and writes the index.
func (c *DiskCache) Optimize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if n := c.removeExpiredLocked(); n > 0 {
		c.stats.Evictions += uint64(n)
		c.logger.Debug("Removed expired cache entries", "count", n)
	}
	return c.saveIndex()
}

func (c *DiskCache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.updateHitRate()
	c.mu.Unlock()
}

// removeIfCurrent drops item unless a concurrent Put has replaced it since
// it was read from the index.
func (c *DiskCache) removeIfCurrent(item *diskItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.index[item.Key]; ok && current == item {
		c.removeLocked(item)
		return true
	}
	return false
}

func (c *DiskCache) removeLocked(item *diskItem) {
	_ = os.Remove(item.FilePath)
	delete(c.index, item.Key)
	c.currentSize -= item.StoredSize
}

func (c *DiskCache) isExpired(item *diskItem) bool {
	if c.config.TTL == 0 {
		return false
	}
	return time.Since(item.Timestamp) > c.config.TTL
}

func (c *DiskCache) generateFilePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(c.directory, hex.EncodeToString(hash[:16])+".cache")
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (c *DiskCache) writeToFile(data []byte, compressed bool) (int64, string, error) {
	file, err := os.CreateTemp(c.directory, "put-*.tmp")
	if err != nil {
		return 0, "", err
	}
	tmp := file.Name()

	fail := func(err error) (int64, string, error) {
		_ = file.Close()
		_ = os.Remove(tmp)
		return 0, "", err
	}

	if compressed {
		gz := gzip.NewWriter(file)
		if _, err := gz.Write(data); err != nil {
			return fail(err)
		}
		if err := gz.Close(); err != nil {
			return fail(err)
		}
	} else if _, err := file.Write(data); err != nil {
		return fail(err)
	}

	stat, err := file.Stat()
	if err != nil {
		return fail(err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}
	return stat.Size(), tmp, nil
}

func (c *DiskCache) readFromFile(item *diskItem) ([]byte, error) {
	file, err := os.Open(item.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if item.Compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if checksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for cached file")
	}
	return data, nil
}

func (c *DiskCache) indexPath() (string, error) {
	indexPath := filepath.Join(c.directory, c.config.IndexFile)
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(c.directory)) {
		return "", fmt.Errorf("invalid index file path: %s", indexPath)
	}
	return indexPath, nil
}

func (c *DiskCache) loadIndex() error {
	indexPath, err := c.indexPath()
	if err != nil {
		return err
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*diskItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	c.currentSize = 0
	for key, item := range items {
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		c.index[key] = item
		c.currentSize += item.StoredSize
	}
	return nil
}

// saveIndex writes the index atomically. Caller holds c.mu.
func (c *DiskCache) saveIndex() error {
	indexPath, err := c.indexPath()
	if err != nil {
		return err
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(c.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, indexPath)
}

// evictIfNeeded drops least recently accessed entries until the cache fits,
// never evicting keep. Caller holds c.mu.
func (c *DiskCache) evictIfNeeded(keep string) {
	if c.currentSize <= c.maxSize {
		return
	}

	items := make([]*diskItem, 0, len(c.index))
	for _, item := range c.index {
		if item.Key != keep {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccessTime.Before(items[j].AccessTime)
	})

	for _, item := range items {
		if c.currentSize <= c.maxSize {
			break
		}
		c.removeLocked(item)
		c.stats.Evictions++
	}
}

func (c *DiskCache) removeExpiredLocked() int {
	var expired []*diskItem
	for _, item := range c.index {
		if c.isExpired(item) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		c.removeLocked(item)
	}
	return len(expired)
}

func (c *DiskCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *DiskCache) cleanupExpired() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if n := c.removeExpiredLocked(); n > 0 {
				c.logger.Debug("Removed expired cache entries", "count", n)
			}
			c.mu.Unlock()
		}
	}
}

func (c *DiskCache) syncIndex() {
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if err := c.saveIndex(); err != nil {
				c.logger.Warn("Failed to save cache index", "error", err)
			}
			c.mu.Unlock()
		}
	}
}

func (item *diskItem) entry(data []byte) *Entry {
	return &Entry{
		Key:         item.Key,
		Data:        data,
		ContentType: item.ContentType,
		DisplayName: item.DisplayName,
		Size:        item.Size,
		StoredAt:    item.Timestamp,
		DiskPath:    item.FilePath,
	}
}
