// Package cache holds the in-process caches: Manager, a TTL cache for JSON
// payloads, and Cache, a byte cache used to dedupe photo uploads.
package cache

import "time"

// Cache stores opaque byte values with a TTL.
type Cache interface {
	// Get returns the value and true if present and not expired.
	Get(key string) ([]byte, bool)

	// Set stores value under key. A ttl of 0 uses the cache default.
	Set(key string, value []byte, ttl time.Duration)

	// Delete removes a value from the cache.
	Delete(key string)

	// Clear removes all values from the cache.
	Clear()

	// Stats returns cache statistics.
	Stats() BlobStats
}

// BlobStats represents byte cache statistics.
type BlobStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeysAdded uint64 `json:"keysAdded"`
	Evictions uint64 `json:"evictions"`
	Size      int64  `json:"size"`  // approximate bytes
	Items     int64  `json:"items"` // approximate entries
}
