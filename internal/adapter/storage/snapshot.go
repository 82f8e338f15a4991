package storage

import (
	"encoding/json"
	"fmt"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

// Snapshots are stored as the bare JSON array of line items; the version is
// kept next to it by each adapter.

func encodeSnapshot(cart domain.Cart) ([]byte, error) {
	items := cart.Items
	if items == nil {
		items = []domain.LineItem{}
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal cart: %w", err)
	}
	return payload, nil
}

func decodeSnapshot(payload []byte, version int64) (domain.Cart, error) {
	cart := domain.Cart{Version: version}
	if len(payload) == 0 {
		return cart, nil
	}

	if err := json.Unmarshal(payload, &cart.Items); err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", port.ErrCorruptSnapshot, err)
	}
	return cart, nil
}
