package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rl1809/cart-store/internal/core/domain"
)

// Factory builds the store for a cart key.
type Factory func(ctx context.Context, key string) (*CartService, error)

type ProviderOption func(*Provider)

// WithIdleTimeout closes stores that have not been opened or used for d.
// Zero keeps stores until Close.
func WithIdleTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.idleTimeout = d }
}

type entry struct {
	store    *CartService
	lastUsed time.Time
}

// Provider hands out one CartService per cart key.
type Provider struct {
	open        Factory
	group       singleflight.Group
	idleTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	stores map[string]*entry
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProvider(open Factory, opts ...ProviderOption) *Provider {
	p := &Provider{
		open:   open,
		now:    time.Now,
		stores: make(map[string]*entry),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.idleTimeout > 0 {
		p.wg.Add(1)
		go p.evictLoop()
	}
	return p
}

// Open returns the live store for key, loading it on first use. Concurrent
// opens of the same key share a single load.
func (p *Provider) Open(ctx context.Context, key string) (*CartService, error) {
	if key == "" {
		key = domain.DefaultCartKey
	}
	if s, err := p.lookup(key); s != nil || err != nil {
		return s, err
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if s, err := p.lookup(key); s != nil || err != nil {
			return s, err
		}

		s, err := p.open(ctx, key)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			s.Close()
			return nil, ErrClosed
		}
		p.stores[key] = &entry{store: s, lastUsed: p.now()}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*CartService), nil
}

// Len reports the number of open stores.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stores)
}

// EvictIdle closes every store idle for longer than the idle timeout and
// returns how many were closed. Stores with operations in flight are kept.
func (p *Provider) EvictIdle() int {
	if p.idleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	now := p.now()
	var idle []*CartService
	for key, e := range p.stores {
		if e.store.Pending() > 0 {
			e.lastUsed = now
			continue
		}
		if now.Sub(e.lastUsed) > p.idleTimeout {
			idle = append(idle, e.store)
			delete(p.stores, key)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

func (p *Provider) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	stores := p.stores
	p.stores = make(map[string]*entry)
	p.closed = true
	p.mu.Unlock()

	for _, e := range stores {
		e.store.Close()
	}
}

func (p *Provider) evictLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EvictIdle()
		case <-p.stop:
			return
		}
	}
}

// lookup returns the cached store for key and marks it used.
func (p *Provider) lookup(key string) (*CartService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	e, ok := p.stores[key]
	if !ok {
		return nil, nil
	}
	e.lastUsed = p.now()
	return e.store, nil
}
