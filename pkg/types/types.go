package types

import (
	"fmt"
	"time"
)

// Tier identifies where the bytes of an attachment live.
type Tier string

const (
	TierRemote        Tier = "remote"
	TierLocalFallback Tier = "local-fallback"
)

// ParseTier parses a stored tier value. An empty value means remote.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierRemote:
		return TierRemote, nil
	case TierLocalFallback:
		return TierLocalFallback, nil
	default:
		return "", fmt.Errorf("unknown storage tier %q", s)
	}
}

// ObjectInfo represents metadata about a remote object
type ObjectInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// PoolStats represents session pool statistics
type PoolStats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	Waiting     int       `json:"waiting"`
	MaxSize     int       `json:"max_size"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Timeouts    uint64    `json:"timeouts"`
	Errors      uint64    `json:"errors"`
	Created     uint64    `json:"created"`
	Discarded   uint64    `json:"discarded"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
}
