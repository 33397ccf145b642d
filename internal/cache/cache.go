package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// New builds the cache the configuration asks for: plain LRU for a single
// node, redis for a shared deployment, or the layered combination when
// two-phase is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache layers a local LRU over redis. Identity records get read
// on every action an identity takes, so a visit burst hammers the same few
// keys; the local layer absorbs that while redis keeps instances
// consistent. The local TTL is deliberately short so a score update on
// another node becomes visible quickly.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache builds the layered cache.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  NewLRUCache(cfg.LocalMaxSize),
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get reads the local layer first and falls through to redis, warming the
// local layer on a remote hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes both layers. The local copy never outlives the remote one.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// GetIdentity reads the local layer first and falls through to redis.
func (c *TwoPhaseCache) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	identity, err := c.local.GetIdentity(ctx, id)
	if err != nil || identity != nil {
		return identity, err
	}

	identity, err = c.remote.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		_ = c.local.SetIdentity(ctx, id, identity, c.l1TTL)
	}
	return identity, nil
}

// SetIdentity caches an identity record in both layers.
func (c *TwoPhaseCache) SetIdentity(ctx context.Context, id string, identity *domain.Identity, ttl time.Duration) error {
	if err := c.local.SetIdentity(ctx, id, identity, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.SetIdentity(ctx, id, identity, ttl)
}

// IncrementCounter always goes to redis. Rate limit counters must be
// shared across nodes; a locally cached count would undercount.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping checks both layers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local cache ping: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local layer's entry count and capacity.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
