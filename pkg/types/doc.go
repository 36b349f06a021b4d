/*
Package types provides the shared data structures used across attachstore.

The types here sit below every other package so that the remote drivers,
the cache overlay and the attachment service can exchange object metadata,
storage tiers and statistics without importing one another.

# Storage tiers

Every attachment lives in exactly one tier:

	TierRemote         the remote file host reached through the session pool
	TierLocalFallback  the local fallback directory used when the remote upload failed

# Statistics

PoolStats and CacheStats are snapshot values. They are safe to copy and are
what the metrics collector and the health endpoint report.
*/
package types
