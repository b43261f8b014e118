package cache

import (
	"context"
	"time"

	"botica/backend/internal/domain"
)

const (
	ProductListKey = "catalog:products"
	DebtorListKey  = "credit:debtors"
)

// CatalogCache holds the two hot read paths, the product catalog and the
// debtor list. Both are invalidated whenever a sale, cancellation, intake,
// or payment changes what they would return.
type CatalogCache interface {
	GetProducts(ctx context.Context, key string) ([]domain.Product, bool, error)
	SetProducts(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	GetDebtors(ctx context.Context, key string) ([]domain.Client, bool, error)
	SetDebtors(ctx context.Context, key string, debtors []domain.Client, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) GetProducts(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetProducts(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) GetDebtors(_ context.Context, _ string) ([]domain.Client, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetDebtors(_ context.Context, _ string, _ []domain.Client, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
