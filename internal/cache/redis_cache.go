package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"botica/backend/internal/domain"
)

type RedisCatalogCache struct {
	client *redis.Client
}

func NewRedisCatalogCache(addr string, password string, db int) *RedisCatalogCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCatalogCache{client: client}
}

func (c *RedisCatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCatalogCache) Close() error {
	return c.client.Close()
}

func (c *RedisCatalogCache) GetProducts(ctx context.Context, key string) ([]domain.Product, bool, error) {
	var products []domain.Product
	found, err := c.get(ctx, key, &products)
	return products, found, err
}

func (c *RedisCatalogCache) SetProducts(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error {
	return c.set(ctx, key, products, ttl)
}

func (c *RedisCatalogCache) GetDebtors(ctx context.Context, key string) ([]domain.Client, bool, error) {
	var debtors []domain.Client
	found, err := c.get(ctx, key, &debtors)
	return debtors, found, err
}

func (c *RedisCatalogCache) SetDebtors(ctx context.Context, key string, debtors []domain.Client, ttl time.Duration) error {
	return c.set(ctx, key, debtors, ttl)
}

func (c *RedisCatalogCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCatalogCache) get(ctx context.Context, key string, target any) (bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCatalogCache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
