/*
Package cache provides the two-tier attachment cache that sits in front of the
remote store.

# Tiers

	┌──────────────────────────────┐
	│ Overlay.Get(key, revalidate) │
	└──────────────────────────────┘
	               │
	┌──────────────────────────────┐
	│ MemoryCache                  │  expirable LRU, entry bounded
	│ small payloads inline        │  skipped on revalidate
	└──────────────────────────────┘
	               │ miss
	┌──────────────────────────────┐
	│ DiskCache                    │  one file per key, JSON index
	│ size bounded, LRU eviction   │  TTL cleanup loop
	└──────────────────────────────┘
	               │ miss
	         remote store

The overlay is never the source of truth. A miss means the caller reads the
remote store and, once the full payload is known, calls Put in the background.
Deleting an attachment must call Invalidate so neither tier serves it again.

# Disk Layout

Cached files are named after the SHA-256 of their key and written through a
temporary file and rename, so readers never see a partial payload. Each entry
records a checksum which is verified on read; a corrupt file is dropped and
reported as a miss. The index is flushed periodically and on Close, and is
reloaded on start so the disk tier survives restarts.

# Usage

	overlay, err := cache.New(cache.DefaultConfig(), metrics, logger)
	if err != nil {
		return err
	}
	defer overlay.Close()

	if e, tier, ok := overlay.Get(id, false); ok {
		serve(e.Data, tier)
	}
*/
package cache
