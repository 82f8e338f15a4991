package port

import (
	"context"
	"errors"

	"github.com/rl1809/cart-store/internal/core/domain"
)

var (
	ErrVersionConflict = errors.New("cart snapshot version conflict")
	ErrCorruptSnapshot = errors.New("cart snapshot cannot be decoded")
)

type CartRepository interface {
	// Load returns the snapshot stored under key, or an empty cart with version 0
	Load(ctx context.Context, key string) (domain.Cart, error)

	// Save stores cart.Items only if the stored version equals cart.Version.
	// Returns the new version, or ErrVersionConflict
	Save(ctx context.Context, key string, cart domain.Cart) (int64, error)

	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error
}
