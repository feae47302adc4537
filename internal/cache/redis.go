// Package cache keeps blob metadata in Redis so metadata reads skip the blob store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"photostore/internal/blobstore"
)

const keyPrefix = "photostore:meta:"

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	const op = "cache.NewRedis"

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// Get reports false without error on a cache miss.
func (c *Redis) Get(ctx context.Context, bucket blobstore.Bucket, id string) (*blobstore.Metadata, bool, error) {
	const op = "cache.Redis.Get"

	data, err := c.client.Get(ctx, key(bucket, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	var meta blobstore.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &meta, true, nil
}

// Add stores meta unless an entry already exists.
func (c *Redis) Add(ctx context.Context, bucket blobstore.Bucket, meta *blobstore.Metadata) error {
	const op = "cache.Redis.Add"

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.client.SetNX(ctx, key(bucket, meta.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Redis) Set(ctx context.Context, bucket blobstore.Bucket, meta *blobstore.Metadata) error {
	const op = "cache.Redis.Set"

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.client.Set(ctx, key(bucket, meta.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, bucket blobstore.Bucket, id string) error {
	const op = "cache.Redis.Invalidate"

	if err := c.client.Del(ctx, key(bucket, id)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func key(bucket blobstore.Bucket, id string) string {
	return keyPrefix + string(bucket) + ":" + id
}
