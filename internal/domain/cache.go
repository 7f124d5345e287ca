package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (community) + Redis (pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores the value only if the key is absent or expired.
	// Returns true when the value was stored. Used for short-lived locks.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if it still holds value.
	// Returns true when the key was removed. Used to release locks.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type" toml:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize" toml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl" toml:"local_ttl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr" toml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"-" toml:"-"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb" toml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase" toml:"enable_two_phase"` // If true, check local first, then Redis

	// ProfileTTL bounds how long a cached profile may be served.
	ProfileTTL time.Duration `json:"profileTtl" yaml:"profileTtl" toml:"profile_ttl"`
}
