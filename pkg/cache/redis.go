package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// RedisCache stores JSON values under a namespace prefix. Entries are grouped
// by a generation counter, so bumping the generation invalidates every key
// written before it without scanning the keyspace.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisCache(url, password string, db int, namespace string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisCacheFromClient(client, namespace), nil
}

func NewRedisCacheFromClient(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{client: client, namespace: namespace}
}

// Client exposes the underlying connection for rate limiting and health checks.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) generationKey() string {
	return c.namespace + ":generation"
}

// key builds the generation-scoped key for name.
func (c *RedisCache) key(ctx context.Context, name string) (string, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%s", c.namespace, gen, name), nil
}

func (c *RedisCache) Set(ctx context.Context, name string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key, err := c.key(ctx, name)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, name string, dest interface{}) error {
	key, err := c.key(ctx, name)
	if err != nil {
		return err
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Invalidate starts a new generation. Old keys expire on their own TTL.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.generationKey()).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
