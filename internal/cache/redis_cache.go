package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ledgerpos/backend/internal/domain"
)

const keyPrefix = "salectx:"

// RedisCache backs SaleContextCache with a Redis instance. Values are stored
// as JSON under a per-bill key; corrupt payloads are treated as misses.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, billNumber string) (*domain.SaleContext, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+billNumber).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	var sc domain.SaleContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		// A corrupt entry must never poison reads. Drop it and miss.
		_ = c.client.Del(ctx, keyPrefix+billNumber).Err()
		return nil, false, nil
	}
	return &sc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, billNumber string, sc *domain.SaleContext, ttl time.Duration) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+billNumber, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, billNumber string) error {
	if err := c.client.Del(ctx, keyPrefix+billNumber).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
