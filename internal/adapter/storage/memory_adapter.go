package storage

import (
	"context"
	"sync"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

type memorySnapshot struct {
	payload []byte
	version int64
}

// MemoryAdapter keeps serialized snapshots in process memory.
type MemoryAdapter struct {
	mu        sync.RWMutex
	snapshots map[string]memorySnapshot
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{snapshots: make(map[string]memorySnapshot)}
}

func (m *MemoryAdapter) Load(ctx context.Context, key string) (domain.Cart, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[key]
	m.mu.RUnlock()

	if !ok {
		return domain.Cart{}, nil
	}
	return decodeSnapshot(snap.payload, snap.version)
}

func (m *MemoryAdapter) Save(ctx context.Context, key string, cart domain.Cart) (int64, error) {
	payload, err := encodeSnapshot(cart)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshots[key].version != cart.Version {
		return 0, port.ErrVersionConflict
	}
	next := memorySnapshot{payload: payload, version: cart.Version + 1}
	m.snapshots[key] = next
	return next.version, nil
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return nil
}
