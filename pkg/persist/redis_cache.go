package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/convo/pkg/session"
)

// RedisCache implements LocalCache in Redis. It suits deployments where the
// engine runs on hosts without durable local disk.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Key holds the session set (default: "convo:sessions").
	Key string
	// TTL is the cache expiry (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisKey = "convo:sessions"

// NewRedisCache connects to Redis and returns a cache.
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

	return NewRedisCacheFromClient(client, cfg.Key, cfg.TTL), nil
}

// NewRedisCacheFromClient creates a cache from an existing client.
// This is useful for testing with miniredis.
func NewRedisCacheFromClient(client *redis.Client, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisCache{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// Store replaces the cached session set.
func (c *RedisCache) Store(ctx context.Context, sessions []session.Snapshot) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrCacheClosed
	}
	c.mu.RUnlock()

	data, err := encodeCache(sessions)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Load returns the cached session set, or ErrCacheEmpty if the key is absent.
func (c *RedisCache) Load(ctx context.Context) ([]session.Snapshot, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrCacheClosed
	}
	c.mu.RUnlock()

	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheEmpty
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeCache(data)
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
