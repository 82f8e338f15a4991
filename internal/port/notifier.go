package port

import (
	"context"

	"github.com/rl1809/cart-store/internal/core/domain"
)

type Notifier interface {
	// Notify surfaces a user-facing notice
	Notify(ctx context.Context, notice domain.Notice)
}

type EventPublisher interface {
	// Publish announces a committed cart mutation
	Publish(ctx context.Context, event domain.CartEvent) error
}
