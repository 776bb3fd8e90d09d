package promptcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "ragchat:cache:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number.
	DB int `yaml:"db,omitempty"`
	// Prefix is the key prefix for cache entries (default: "ragchat:cache:").
	Prefix string `yaml:"prefix,omitempty"`
	// TTL is the entry expiry duration (0 = never expire).
	TTL time.Duration `yaml:"ttl,omitempty"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size,omitempty"`
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache and verifies connectivity.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisCache(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisCacheFromClient creates a cache from an existing client. This
// is useful for testing with miniredis.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return newRedisCache(client, prefix, ttl)
}

func newRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(prompt string) string {
	return c.prefix + promptKey(prompt)
}

// Lookup returns the cached completion for the prompt, or "" on a miss.
func (c *RedisCache) Lookup(ctx context.Context, prompt string) (string, error) {
	val, err := c.client.Get(ctx, c.key(prompt)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// Store records a prompt/completion pair under the cache TTL.
func (c *RedisCache) Store(ctx context.Context, prompt, completion string) error {
	if err := c.client.Set(ctx, c.key(prompt), completion, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Clear removes every entry under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
