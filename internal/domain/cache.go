package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with expiry.
// Backed by a local LRU (community), Redis (pro), or both (two-phase).
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" koanf:"type"`

	// Local LRU settings
	LocalMaxSize int           `json:"localMaxSize" koanf:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" koanf:"local_ttl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" koanf:"redis_addr"`
	RedisPassword string `json:"-" koanf:"redis_password"`
	RedisDB       int    `json:"redisDb" koanf:"redis_db"`

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool `json:"enableTwoPhase" koanf:"enable_two_phase"`
}
