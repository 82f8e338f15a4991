package port

import (
	"context"
	"errors"

	"github.com/rl1809/cart-store/internal/core/domain"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrStockNotFound   = errors.New("stock record not found")
)

type CatalogClient interface {
	// GetProduct fetches the catalog record for a product
	GetProduct(ctx context.Context, productID int64) (domain.Product, error)

	// GetStock fetches the currently available quantity, never cached
	GetStock(ctx context.Context, productID int64) (domain.Stock, error)
}
