package domain

import (
	"context"
	"time"
)

// Cache fronts the repository for hot reads. The evaluator uses it for
// identity records, the limiter for windowed deny counters; both treat a
// miss as "go to the store", never as an error.
type Cache interface {
	// Get returns the value under key, or nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// GetIdentity returns a cached identity record, or nil on a miss.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// SetIdentity caches an identity record for the evaluation pipeline.
	SetIdentity(ctx context.Context, id string, identity *Identity, ttl time.Duration) error

	// IncrementCounter atomically bumps a windowed counter and returns the
	// new value. The limiter uses it to deny obvious floods without a
	// store round trip.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache implementation.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// Local LRU settings; also the local layer when two-phase is on.
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase layers the local LRU over redis.
	EnableTwoPhase bool
}
