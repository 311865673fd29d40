package cache

import (
	"context"
	"time"

	"tawarin/backend/internal/domain"
)

type PolicyCache interface {
	Get(ctx context.Context, sku string) (*domain.PricingPolicy, bool, error)
	Set(ctx context.Context, sku string, policy *domain.PricingPolicy, ttl time.Duration) error
	Invalidate(ctx context.Context, sku string) error
}

type NoopPolicyCache struct{}

func (NoopPolicyCache) Get(_ context.Context, _ string) (*domain.PricingPolicy, bool, error) {
	return nil, false, nil
}

func (NoopPolicyCache) Set(_ context.Context, _ string, _ *domain.PricingPolicy, _ time.Duration) error {
	return nil
}

func (NoopPolicyCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
