package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegion stores JSON encoded entries in Redis so that several service
// instances share one view.
type RedisRegion[V any] struct {
	rdb    *redis.Client
	name   string
	prefix string
	ttl    time.Duration
}

// NewRedisRegion creates a region whose keys live under prefix:name:.
func NewRedisRegion[V any](rdb *redis.Client, prefix, name string, ttl time.Duration) *RedisRegion[V] {
	return &RedisRegion[V]{rdb: rdb, name: name, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisRegion[V]) Name() string { return r.name }

func (r *RedisRegion[V]) key(k Key) string {
	return r.prefix + ":" + r.name + ":" + k.String()
}

func (r *RedisRegion[V]) Get(ctx context.Context, key Key) (Lookup[V], error) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Miss[V](), nil
	}
	if err != nil {
		return Miss[V](), err
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return Miss[V](), fmt.Errorf("cache %s: decode %s: %w", r.name, key, err)
	}
	return Hit(v), nil
}

func (r *RedisRegion[V]) Put(ctx context.Context, key Key, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache %s: encode %s: %w", r.name, key, err)
	}
	return r.rdb.Set(ctx, r.key(key), data, r.ttl).Err()
}

func (r *RedisRegion[V]) Remove(ctx context.Context, key Key) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}
