package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache backs multi-node deployments where identity records and rate
// limit counters must be visible to every instance. Keys are namespaced
// under "kestrel:" so the database can be shared with the shortener.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redis and verifies the connection before
// returning.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns the value under key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores value under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// GetIdentity returns a cached identity record, or nil on a miss.
func (c *RedisCache) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	data, err := c.Get(ctx, "identity:"+id)
	if err != nil || data == nil {
		return nil, err
	}

	var identity domain.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// SetIdentity caches an identity record.
func (c *RedisCache) SetIdentity(ctx context.Context, id string, identity *domain.Identity, ttl time.Duration) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return c.Set(ctx, "identity:"+id, data, ttl)
}

// incrScript bumps a counter and starts its expiry window on first use,
// atomically, so concurrent instances agree on the window boundary.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// IncrementCounter bumps the windowed counter for key and returns the new
// count.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := c.key("counter:" + key)
	return incrScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
}

// Ping checks redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(key string) string {
	return "kestrel:" + key
}
