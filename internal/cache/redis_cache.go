package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tawarin/backend/internal/domain"
)

type RedisPolicyCache struct {
	client *redis.Client
}

func NewRedisPolicyCache(addr string, password string, db int) *RedisPolicyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPolicyCache{client: client}
}

func (c *RedisPolicyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPolicyCache) Close() error {
	return c.client.Close()
}

func policyKey(sku string) string {
	return "tawarin:policy:" + sku
}

func (c *RedisPolicyCache) Get(ctx context.Context, sku string) (*domain.PricingPolicy, bool, error) {
	val, err := c.client.Get(ctx, policyKey(sku)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var policy domain.PricingPolicy
	if err := json.Unmarshal([]byte(val), &policy); err != nil {
		return nil, false, err
	}
	return &policy, true, nil
}

func (c *RedisPolicyCache) Set(ctx context.Context, sku string, policy *domain.PricingPolicy, ttl time.Duration) error {
	if policy == nil {
		return nil
	}
	payload, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, policyKey(sku), payload, ttl).Err()
}

func (c *RedisPolicyCache) Invalidate(ctx context.Context, sku string) error {
	return c.client.Del(ctx, policyKey(sku)).Err()
}
