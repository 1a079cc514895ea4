package domain

import (
	"context"
	"time"
)

// Cache stores serialized calculation results by key. Get returns nil, nil
// on a miss. A ttl of zero or less stores without expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheStats are the counters of an in-process cache level.
type CacheStats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// CacheStatsReporter is implemented by caches that keep counters.
type CacheStatsReporter interface {
	Stats() CacheStats
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is "memory", "redis" or "none".
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RedisKeyPrefix namespaces keys in a shared Redis. Defaults to "vatcalc:".
	RedisKeyPrefix string

	// RedisTimeout bounds dial, read and write. Defaults to 5s.
	RedisTimeout time.Duration

	// EnableTwoPhase puts a local LRU in front of Redis.
	EnableTwoPhase bool
}
