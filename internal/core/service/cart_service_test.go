package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

// Mock CartRepository keeping the serialized payload like a real store would
type mockRepo struct {
	mu       sync.Mutex
	payload  []byte
	version  int64
	saves    int
	saveErr  error
	conflict bool
}

func newMockRepo(items ...domain.LineItem) *mockRepo {
	r := &mockRepo{}
	if len(items) > 0 {
		r.payload, _ = json.Marshal(items)
		r.version = 1
	}
	return r
}

func (m *mockRepo) Load(ctx context.Context, key string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart := domain.Cart{Version: m.version}
	if m.payload == nil {
		return cart, nil
	}
	if err := json.Unmarshal(m.payload, &cart.Items); err != nil {
		return domain.Cart{}, port.ErrCorruptSnapshot
	}
	return cart, nil
}

func (m *mockRepo) Save(ctx context.Context, key string, cart domain.Cart) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return 0, m.saveErr
	}
	if m.conflict || cart.Version != m.version {
		return 0, port.ErrVersionConflict
	}
	m.payload, _ = json.Marshal(cart.Items)
	m.version++
	m.saves++
	return m.version, nil
}

func (m *mockRepo) Ping(ctx context.Context) error { return nil }

func (m *mockRepo) stored(t *testing.T) []domain.LineItem {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []domain.LineItem
	if err := json.Unmarshal(m.payload, &items); err != nil {
		t.Fatalf("stored payload is not valid: %v", err)
	}
	return items
}

// Mock CatalogClient
type mockCatalog struct {
	mu         sync.Mutex
	products   map[int64]domain.Product
	stock      map[int64]int
	stockErr   error
	stockCalls int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		products: map[int64]domain.Product{
			1: {ID: 1, Title: "Running shoe", Price: 179.9, Image: "https://img/1.jpg"},
			2: {ID: 2, Title: "Trail shoe", Price: 139.9, Image: "https://img/2.jpg"},
		},
		stock: map[int64]int{1: 5, 2: 3},
	}
}

func (m *mockCatalog) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return domain.Product{}, port.ErrProductNotFound
	}
	return p, nil
}

func (m *mockCatalog) GetStock(ctx context.Context, productID int64) (domain.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stockCalls++
	if m.stockErr != nil {
		return domain.Stock{}, m.stockErr
	}
	amount, ok := m.stock[productID]
	if !ok {
		return domain.Stock{}, port.ErrStockNotFound
	}
	return domain.Stock{ID: productID, Amount: amount}, nil
}

// Mock Notifier
type mockNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (m *mockNotifier) Notify(ctx context.Context, n domain.Notice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, n)
}

func (m *mockNotifier) kinds() []domain.NoticeKind {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make([]domain.NoticeKind, 0, len(m.notices))
	for _, n := range m.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.CartEvent
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, e domain.CartEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

// Mock EventPublisher that holds every Publish until released
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	events  []domain.CartEvent
}

func (m *blockingPublisher) Publish(ctx context.Context, e domain.CartEvent) error {
	<-m.release
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type fixture struct {
	svc       *CartService
	repo      *mockRepo
	catalog   *mockCatalog
	notifier  *mockNotifier
	publisher *mockPublisher
}

func newFixture(t *testing.T, repo *mockRepo) *fixture {
	t.Helper()

	f := &fixture{
		repo:      repo,
		catalog:   newMockCatalog(),
		notifier:  &mockNotifier{},
		publisher: &mockPublisher{},
	}
	svc, err := NewCartService(context.Background(), "", f.repo, f.catalog, f.notifier, WithEventPublisher(f.publisher))
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	t.Cleanup(svc.Close)
	f.svc = svc
	return f
}

func item(id int64, amount int) domain.LineItem {
	return domain.LineItem{Product: domain.Product{ID: id, Title: "stored"}, Amount: amount}
}

func TestAddProduct_NewProduct(t *testing.T) {
	f := newFixture(t, newMockRepo())

	if err := f.svc.AddProduct(context.Background(), 1); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	cart := f.svc.Cart()
	if len(cart.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(cart.Items))
	}
	got := cart.Items[0]
	want := domain.LineItem{Product: f.catalog.products[1], Amount: 1}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if cart.Version != 1 {
		t.Errorf("expected version 1, got %d", cart.Version)
	}

	// New products are not stock checked
	if f.catalog.stockCalls != 0 {
		t.Errorf("expected no stock calls, got %d", f.catalog.stockCalls)
	}
}

func TestAddProduct_ExistingIncrements(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))

	if err := f.svc.AddProduct(context.Background(), 1); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	cart := f.svc.Cart()
	if len(cart.Items) != 1 || cart.Items[0].Amount != 2 {
		t.Fatalf("expected [{id:1 amount:2}], got %+v", cart.Items)
	}
	if cart.Items[0].Title != "stored" {
		t.Errorf("existing fields must be kept, got title %q", cart.Items[0].Title)
	}
}

func TestAddProduct_OutOfStock(t *testing.T) {
	f := newFixture(t, newMockRepo(item(2, 3)))

	err := f.svc.AddProduct(context.Background(), 2)
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got: %v", err)
	}

	if amount := f.svc.Cart().Items[0].Amount; amount != 3 {
		t.Errorf("expected amount 3, got %d", amount)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != domain.NoticeOutOfStock {
		t.Errorf("expected a single out_of_stock notice, got %v", kinds)
	}
	if f.repo.saves != 0 {
		t.Errorf("expected no saves, got %d", f.repo.saves)
	}
}

func TestAddProduct_UnknownProduct(t *testing.T) {
	f := newFixture(t, newMockRepo())

	err := f.svc.AddProduct(context.Background(), 99)
	if !errors.Is(err, ErrAddProduct) {
		t.Fatalf("expected ErrAddProduct, got: %v", err)
	}
	if !errors.Is(err, port.ErrProductNotFound) {
		t.Errorf("expected cause ErrProductNotFound, got: %v", err)
	}
	if len(f.svc.Cart().Items) != 0 {
		t.Error("expected empty cart")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != domain.NoticeAddFailed {
		t.Errorf("expected add_failed notice, got %v", kinds)
	}
}

func TestAddProduct_StockCheckFails(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))
	f.catalog.stockErr = errors.New("connection refused")

	err := f.svc.AddProduct(context.Background(), 1)
	if !errors.Is(err, ErrAddProduct) {
		t.Fatalf("expected ErrAddProduct, got: %v", err)
	}
	if amount := f.svc.Cart().Items[0].Amount; amount != 1 {
		t.Errorf("expected amount 1, got %d", amount)
	}
}

func TestAddProduct_SaveFails(t *testing.T) {
	f := newFixture(t, newMockRepo())
	f.repo.saveErr = errors.New("disk full")

	err := f.svc.AddProduct(context.Background(), 1)
	if !errors.Is(err, ErrAddProduct) {
		t.Fatalf("expected ErrAddProduct, got: %v", err)
	}
	if len(f.svc.Cart().Items) != 0 {
		t.Error("memory must not change when the save fails")
	}
}

func TestRemoveProduct_Present(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 2), item(2, 1)))

	if err := f.svc.RemoveProduct(context.Background(), 1); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	cart := f.svc.Cart()
	if len(cart.Items) != 1 || cart.Items[0].ID != 2 {
		t.Fatalf("expected only product 2, got %+v", cart.Items)
	}
}

func TestRemoveProduct_Absent(t *testing.T) {
	f := newFixture(t, newMockRepo())

	err := f.svc.RemoveProduct(context.Background(), 5)
	if !errors.Is(err, ErrRemoveProduct) || !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrRemoveProduct wrapping ErrItemNotFound, got: %v", err)
	}
	if len(f.svc.Cart().Items) != 0 {
		t.Error("expected cart unchanged")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != domain.NoticeRemoveFailed {
		t.Errorf("expected remove_failed notice, got %v", kinds)
	}
}

func TestUpdateProductAmount_BelowOne(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 2)))

	for _, amount := range []int{0, -3} {
		err := f.svc.UpdateProductAmount(context.Background(), UpdateAmount{ProductID: 1, Amount: amount})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %d: expected ErrInvalidAmount, got: %v", amount, err)
		}
	}

	if amount := f.svc.Cart().Items[0].Amount; amount != 2 {
		t.Errorf("expected amount 2, got %d", amount)
	}
	if f.catalog.stockCalls != 0 || f.repo.saves != 0 {
		t.Error("expected no stock calls and no saves")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 0 {
		t.Errorf("expected no notices, got %v", kinds)
	}
}

func TestUpdateProductAmount_Sufficient(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))

	err := f.svc.UpdateProductAmount(context.Background(), UpdateAmount{ProductID: 1, Amount: 5})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if amount := f.svc.Cart().Items[0].Amount; amount != 5 {
		t.Errorf("expected amount 5, got %d", amount)
	}
}

func TestUpdateProductAmount_ExceedsStock(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))

	err := f.svc.UpdateProductAmount(context.Background(), UpdateAmount{ProductID: 1, Amount: 6})
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got: %v", err)
	}
	if amount := f.svc.Cart().Items[0].Amount; amount != 1 {
		t.Errorf("expected amount 1, got %d", amount)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != domain.NoticeOutOfStock {
		t.Errorf("expected out_of_stock notice, got %v", kinds)
	}
}

func TestUpdateProductAmount_Absent(t *testing.T) {
	f := newFixture(t, newMockRepo())

	err := f.svc.UpdateProductAmount(context.Background(), UpdateAmount{ProductID: 1, Amount: 2})
	if !errors.Is(err, ErrUpdateAmount) {
		t.Fatalf("expected ErrUpdateAmount, got: %v", err)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != domain.NoticeUpdateFailed {
		t.Errorf("expected update_failed notice, got %v", kinds)
	}
}

func TestPersistedSnapshotMatchesMemory(t *testing.T) {
	f := newFixture(t, newMockRepo())
	ctx := context.Background()

	steps := []func() error{
		func() error { return f.svc.AddProduct(ctx, 1) },
		func() error { return f.svc.AddProduct(ctx, 2) },
		func() error { return f.svc.AddProduct(ctx, 1) },
		func() error { return f.svc.UpdateProductAmount(ctx, UpdateAmount{ProductID: 2, Amount: 3}) },
		func() error { return f.svc.RemoveProduct(ctx, 1) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}

		stored := f.repo.stored(t)
		mem := f.svc.Cart().Items
		if len(stored) != len(mem) {
			t.Fatalf("step %d: stored %d items, memory %d", i, len(stored), len(mem))
		}
		for j := range mem {
			if stored[j] != mem[j] {
				t.Errorf("step %d: item %d stored %+v, memory %+v", i, j, stored[j], mem[j])
			}
		}
	}
}

func TestVersionConflict_Resyncs(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))

	// Another process commits version 2 behind our back
	f.repo.mu.Lock()
	f.repo.payload, _ = json.Marshal([]domain.LineItem{item(1, 4)})
	f.repo.version = 2
	f.repo.mu.Unlock()

	err := f.svc.RemoveProduct(context.Background(), 1)
	if !errors.Is(err, ErrRemoveProduct) || !errors.Is(err, port.ErrVersionConflict) {
		t.Fatalf("expected ErrRemoveProduct wrapping ErrVersionConflict, got: %v", err)
	}

	cart := f.svc.Cart()
	if cart.Version != 2 || cart.Items[0].Amount != 4 {
		t.Errorf("expected reloaded snapshot at version 2, got %+v", cart)
	}

	// The next attempt starts from the fresh snapshot and succeeds
	if err := f.svc.RemoveProduct(context.Background(), 1); err != nil {
		t.Fatalf("expected success after resync, got: %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, newMockRepo())
	ctx := context.Background()

	_ = f.svc.AddProduct(ctx, 1)
	_ = f.svc.UpdateProductAmount(ctx, UpdateAmount{ProductID: 1, Amount: 3})
	_ = f.svc.RemoveProduct(ctx, 1)
	_ = f.svc.RemoveProduct(ctx, 1) // fails, no event
	f.svc.Close()                   // waits for the publisher to drain

	want := []domain.EventType{domain.EventProductAdded, domain.EventAmountUpdated, domain.EventProductRemoved}
	if len(f.publisher.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(f.publisher.events))
	}
	for i, e := range f.publisher.events {
		if e.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], e.Type)
		}
		if e.CartKey != domain.DefaultCartKey {
			t.Errorf("event %d: unexpected cart key %q", i, e.CartKey)
		}
		if e.Version != int64(i+1) {
			t.Errorf("event %d: expected version %d, got %d", i, i+1, e.Version)
		}
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, newMockRepo())
	f.publisher.err = errors.New("broker down")

	if err := f.svc.AddProduct(context.Background(), 1); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.svc.Cart().Items) != 1 {
		t.Error("expected product in cart")
	}
}

func TestAddProduct_Concurrent(t *testing.T) {
	f := newFixture(t, newMockRepo(item(1, 1)))
	f.catalog.stock[1] = 1000

	totalRequests := 50
	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.AddProduct(context.Background(), 1); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != int32(totalRequests) {
		t.Fatalf("expected %d successes, got %d", totalRequests, successCount.Load())
	}
	// No lost updates: every increment is visible
	if amount := f.svc.Cart().Items[0].Amount; amount != totalRequests+1 {
		t.Errorf("expected amount %d, got %d", totalRequests+1, amount)
	}
	if stored := f.repo.stored(t); stored[0].Amount != totalRequests+1 {
		t.Errorf("expected stored amount %d, got %d", totalRequests+1, stored[0].Amount)
	}
}

func TestClosedService(t *testing.T) {
	f := newFixture(t, newMockRepo())
	f.svc.Close()

	if err := f.svc.AddProduct(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}

func TestNewCartService_LoadFails(t *testing.T) {
	repo := &mockRepo{payload: []byte("{not json"), version: 1}

	_, err := NewCartService(context.Background(), "k", repo, newMockCatalog(), &mockNotifier{})
	if !errors.Is(err, port.ErrCorruptSnapshot) {
		t.Errorf("expected ErrCorruptSnapshot, got: %v", err)
	}
}

func TestAddProduct_CanceledContext(t *testing.T) {
	f := newFixture(t, newMockRepo())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.svc.AddProduct(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	// Flush the queue so a command that slipped in has been handled
	if err := f.svc.AddProduct(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cart := f.svc.Cart()
	if len(cart.Items) != 1 || cart.Items[0].ID != 2 {
		t.Errorf("expected only product 2 in cart, got: %+v", cart.Items)
	}
}

func TestSlowPublisherDoesNotBlockWriter(t *testing.T) {
	repo := newMockRepo()
	publisher := &blockingPublisher{release: make(chan struct{})}
	svc, err := NewCartService(context.Background(), "", repo, newMockCatalog(), &mockNotifier{}, WithEventPublisher(publisher))
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// both mutations commit while the first event is still stuck in Publish
	if err := svc.AddProduct(ctx, 1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := svc.AddProduct(ctx, 2); err != nil {
		t.Fatalf("second add: %v", err)
	}

	close(publisher.release)
	svc.Close()

	if len(publisher.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(publisher.events))
	}
	if publisher.events[0].ProductID != 1 || publisher.events[1].ProductID != 2 {
		t.Errorf("events out of order: %+v", publisher.events)
	}
}
