package fetcher

import (
	"context"

	"engwewatch/internal/catalog"
)

// CatalogFetcher captures the storefront's current product catalog.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context) (*catalog.Snapshot, error)
}

// Func adapts a plain function to CatalogFetcher.
type Func func(ctx context.Context) (*catalog.Snapshot, error)

// FetchCatalog calls f.
func (f Func) FetchCatalog(ctx context.Context) (*catalog.Snapshot, error) {
	return f(ctx)
}
