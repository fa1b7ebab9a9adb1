package models

import (
	"net/http"
	"time"
)

// ResourceClass groups outbound reads by caching policy.
type ResourceClass string

const (
	ClassNone       ResourceClass = "none"
	ClassAPI        ResourceClass = "api"
	ClassStatic     ResourceClass = "static"
	ClassImage      ResourceClass = "image"
	ClassNavigation ResourceClass = "navigation"
)

// Strategy names how a cached response was served and stored.
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// CachedResponse is one stored response in a named, versioned partition.
type CachedResponse struct {
	Partition string
	Key       string
	URL       string
	Method    string
	Status    int
	Header    http.Header
	Body      []byte
	Digest    []byte
	Strategy  Strategy
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry is still within its class TTL at now.
func (c *CachedResponse) Fresh(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// PartitionInfo is what the admin surface lists per partition.
type PartitionInfo struct {
	Name       string `json:"name"`
	EntryCount int    `json:"entryCount"`
	ByteSize   int64  `json:"byteSize"`
}

// CacheStats aggregates all partitions.
type CacheStats struct {
	Partitions int   `json:"partitions"`
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
}
