package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

// Redis stores entries in a Redis instance, namespaced by cache id and keyed
// by the cache key's canonical rendering. Values are JSON-encoded, so what
// comes back from Get is the json.Unmarshal shape of what went in, not the
// original Go type.
type Redis struct {
	id        string
	client    redis.UniversalClient
	ttl       time.Duration
	opTimeout time.Duration
}

// RedisOptions configure a Redis cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL expires entries; zero keeps them until evicted by Redis itself.
	TTL time.Duration

	// OpTimeout bounds each round trip. Default 3s.
	OpTimeout time.Duration
}

// NewRedis connects a cache to Redis. The connection is verified eagerly so a
// dead Redis surfaces at startup, not on the first lookup.
func NewRedis(id string, opts RedisOptions) (*Redis, error) {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Printf("[cache] %s: redis connected: %s", id, opts.Addr)

	return &Redis{
		id:        id,
		client:    client,
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
	}, nil
}

func (c *Redis) ID() string {
	return c.id
}

func (c *Redis) redisKey(key *cachekey.Key) string {
	return fmt.Sprintf("dbpool:cache:%s:%s", c.id, key.String())
}

func (c *Redis) keyPattern() string {
	return fmt.Sprintf("dbpool:cache:%s:*", c.id)
}

func (c *Redis) Put(key *cachekey.Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Redis) Get(key *cachekey.Key) (any, bool, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err == redis.Nil {
		metrics.CacheOperationsTotal.WithLabelValues(c.id, "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("decoding cache value: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(c.id, "hit").Inc()
	return value, true, nil
}

func (c *Redis) Remove(key *cachekey.Key) error {
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Size counts this cache's keys with an iterating scan; it is a diagnostic,
// not a fast path.
func (c *Redis) Size() int {
	ctx, cancel := c.opContext()
	defer cancel()
	var count int
	iter := c.client.Scan(ctx, 0, c.keyPattern(), 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		log.Printf("[cache] %s: scan failed: %v", c.id, err)
	}
	return count
}

func (c *Redis) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.keyPattern(), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del during clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan during clear: %w", err)
	}
	return nil
}

// CloseClient releases the underlying Redis connection.
func (c *Redis) CloseClient() error {
	return c.client.Close()
}

func (c *Redis) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opTimeout)
}
