package cache

import (
	"context"
	"time"

	"swiftpos/backend/internal/domain"
)

type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.CatalogResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.CatalogResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.CatalogResponse, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.CatalogResponse, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
