package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

const (
	defaultQueueSize = 64
	publishTimeout   = 5 * time.Second
)

var tracer = otel.Tracer("github.com/rl1809/cart-store/internal/core/service")

type UpdateAmount struct {
	ProductID int64
	Amount    int
}

type pendingEvent struct {
	ctx   context.Context
	event domain.CartEvent
}

type command struct {
	ctx    context.Context
	run    func(ctx context.Context) error
	result chan error
}

// CartService holds one cart in memory and mirrors it to a repository.
// Mutations are executed one at a time by a single writer goroutine, so every
// operation starts from the snapshot committed by the previous one.
type CartService struct {
	key       string
	repo      port.CartRepository
	catalog   port.CatalogClient
	notifier  port.Notifier
	publisher port.EventPublisher
	log       logrus.FieldLogger
	queueSize int
	now       func() time.Time

	mu   sync.RWMutex
	cart domain.Cart

	commands  chan command
	events    chan pendingEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	pending   atomic.Int32
}

type Option func(*CartService)

func WithEventPublisher(p port.EventPublisher) Option {
	return func(s *CartService) { s.publisher = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *CartService) { s.log = l }
}

func WithQueueSize(n int) Option {
	return func(s *CartService) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewCartService loads the snapshot stored under key and starts the writer.
func NewCartService(ctx context.Context, key string, repo port.CartRepository, catalog port.CatalogClient, notifier port.Notifier, opts ...Option) (*CartService, error) {
	if key == "" {
		key = domain.DefaultCartKey
	}

	s := &CartService{
		key:       key,
		repo:      repo,
		catalog:   catalog,
		notifier:  notifier,
		log:       logrus.StandardLogger(),
		queueSize: defaultQueueSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	cart, err := repo.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load cart %q: %w", key, err)
	}
	s.cart = cart
	s.log = s.log.WithField("cart_key", key)

	s.commands = make(chan command, s.queueSize)
	s.done = make(chan struct{})
	if s.publisher != nil {
		s.events = make(chan pendingEvent, s.queueSize)
		s.wg.Add(1)
		go s.publisherLoop()
	}
	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

func (s *CartService) Key() string {
	return s.key
}

// Pending reports the number of operations submitted and not yet returned.
func (s *CartService) Pending() int {
	return int(s.pending.Load())
}

// Cart returns a copy of the last committed snapshot.
func (s *CartService) Cart() domain.Cart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Clone()
}

// AddProduct adds one unit of the product. An existing line item is
// incremented after a stock check; a new one is fetched from the catalog.
func (s *CartService) AddProduct(ctx context.Context, productID int64) error {
	ctx, span := tracer.Start(ctx, "CartService.AddProduct",
		trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer span.End()

	err := s.submit(ctx, func(ctx context.Context) error {
		return s.addProduct(ctx, productID)
	})
	recordError(span, err)
	return err
}

func (s *CartService) RemoveProduct(ctx context.Context, productID int64) error {
	ctx, span := tracer.Start(ctx, "CartService.RemoveProduct",
		trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer span.End()

	err := s.submit(ctx, func(ctx context.Context) error {
		return s.removeProduct(ctx, productID)
	})
	recordError(span, err)
	return err
}

// UpdateProductAmount sets the amount of a product already in the cart.
// Amounts below 1 are rejected without touching the cart; use RemoveProduct.
func (s *CartService) UpdateProductAmount(ctx context.Context, req UpdateAmount) error {
	ctx, span := tracer.Start(ctx, "CartService.UpdateProductAmount",
		trace.WithAttributes(
			attribute.Int64("product.id", req.ProductID),
			attribute.Int("amount", req.Amount),
		))
	defer span.End()

	if req.Amount < 1 {
		recordError(span, ErrInvalidAmount)
		return ErrInvalidAmount
	}

	err := s.submit(ctx, func(ctx context.Context) error {
		return s.updateProductAmount(ctx, req)
	})
	recordError(span, err)
	return err
}

// Close stops the writer and waits for events already committed to be
// published. Commands still queued fail with ErrClosed.
func (s *CartService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *CartService) addProduct(ctx context.Context, productID int64) error {
	next := s.Cart()

	var amount int
	if idx := next.Find(productID); idx >= 0 {
		amount = next.Items[idx].Amount + 1
		ok, err := s.checkStock(ctx, productID, amount)
		if err != nil {
			return s.fail(ctx, domain.NoticeAddFailed, ErrAddProduct, err)
		}
		if !ok {
			return ErrOutOfStock
		}
		next.Items[idx].Amount = amount
	} else {
		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			return s.fail(ctx, domain.NoticeAddFailed, ErrAddProduct, err)
		}
		amount = 1
		next.Items = append(next.Items, domain.LineItem{Product: product, Amount: amount})
	}

	if err := s.persist(ctx, next); err != nil {
		return s.fail(ctx, domain.NoticeAddFailed, ErrAddProduct, err)
	}
	s.publish(ctx, domain.EventProductAdded, productID, amount)
	return nil
}

func (s *CartService) removeProduct(ctx context.Context, productID int64) error {
	next := s.Cart()

	idx := next.Find(productID)
	if idx < 0 {
		return s.fail(ctx, domain.NoticeRemoveFailed, ErrRemoveProduct, ErrItemNotFound)
	}
	next.Items = append(next.Items[:idx], next.Items[idx+1:]...)

	if err := s.persist(ctx, next); err != nil {
		return s.fail(ctx, domain.NoticeRemoveFailed, ErrRemoveProduct, err)
	}
	s.publish(ctx, domain.EventProductRemoved, productID, 0)
	return nil
}

func (s *CartService) updateProductAmount(ctx context.Context, req UpdateAmount) error {
	next := s.Cart()

	idx := next.Find(req.ProductID)
	if idx < 0 {
		return s.fail(ctx, domain.NoticeUpdateFailed, ErrUpdateAmount, ErrItemNotFound)
	}

	ok, err := s.checkStock(ctx, req.ProductID, req.Amount)
	if err != nil {
		return s.fail(ctx, domain.NoticeUpdateFailed, ErrUpdateAmount, err)
	}
	if !ok {
		return ErrOutOfStock
	}
	next.Items[idx].Amount = req.Amount

	if err := s.persist(ctx, next); err != nil {
		return s.fail(ctx, domain.NoticeUpdateFailed, ErrUpdateAmount, err)
	}
	s.publish(ctx, domain.EventAmountUpdated, req.ProductID, req.Amount)
	return nil
}

// checkStock raises the out-of-stock notice itself when the amount is not covered.
func (s *CartService) checkStock(ctx context.Context, productID int64, amount int) (bool, error) {
	stock, err := s.catalog.GetStock(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("stock check failed: %w", err)
	}
	if stock.Covers(amount) {
		return true, nil
	}

	s.notifier.Notify(ctx, domain.NewNotice(domain.NoticeOutOfStock))
	s.log.WithFields(logrus.Fields{
		"product_id": productID,
		"requested":  amount,
		"available":  stock.Amount,
	}).Info("stock check rejected amount")
	return false, nil
}

// persist saves next against the version it was copied from, then replaces
// the in-memory snapshot. On a version conflict the snapshot is reloaded so
// memory matches what another writer committed.
func (s *CartService) persist(ctx context.Context, next domain.Cart) error {
	version, err := s.repo.Save(ctx, s.key, next)
	if errors.Is(err, port.ErrVersionConflict) {
		s.resync(ctx)
		return err
	}
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}

	next.Version = version
	s.mu.Lock()
	s.cart = next
	s.mu.Unlock()
	return nil
}

func (s *CartService) resync(ctx context.Context) {
	cart, err := s.repo.Load(context.WithoutCancel(ctx), s.key)
	if err != nil {
		s.log.WithError(err).Error("reload after version conflict failed")
		return
	}

	s.mu.Lock()
	s.cart = cart
	s.mu.Unlock()
	s.log.WithField("version", cart.Version).Warn("cart reloaded after version conflict")
}

func (s *CartService) fail(ctx context.Context, kind domain.NoticeKind, category, cause error) error {
	s.notifier.Notify(ctx, domain.NewNotice(kind))
	s.log.WithError(cause).Warn(category.Error())
	return fmt.Errorf("%w: %w", category, cause)
}

// publish hands the event of a committed mutation to the publisher goroutine,
// so a slow broker never holds up the writer.
func (s *CartService) publish(ctx context.Context, eventType domain.EventType, productID int64, amount int) {
	if s.events == nil {
		return
	}

	s.events <- pendingEvent{
		ctx: context.WithoutCancel(ctx),
		event: domain.CartEvent{
			CartKey:    s.key,
			Type:       eventType,
			ProductID:  productID,
			Amount:     amount,
			Version:    s.Cart().Version,
			OccurredAt: s.now().UTC(),
		},
	}
}

func (s *CartService) publisherLoop() {
	defer s.wg.Done()

	for pe := range s.events {
		ctx, cancel := context.WithTimeout(pe.ctx, publishTimeout)
		err := s.publisher.Publish(ctx, pe.event)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("event_type", pe.event.Type).Warn("publish cart event failed")
		}
	}
}

func (s *CartService) writerLoop() {
	defer s.wg.Done()
	if s.events != nil {
		defer close(s.events)
	}

	for {
		select {
		case cmd := <-s.commands:
			// the caller stopped waiting before its turn came up
			if err := cmd.ctx.Err(); err != nil {
				cmd.result <- err
				continue
			}
			cmd.result <- cmd.run(cmd.ctx)
		case <-s.done:
			return
		}
	}
}

func (s *CartService) submit(ctx context.Context, run func(ctx context.Context) error) error {
	s.pending.Add(1)
	defer s.pending.Add(-1)

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	cmd := command{ctx: ctx, run: run, result: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// the writer may have finished this command right before stopping
		select {
		case err := <-cmd.result:
			return err
		default:
			return ErrClosed
		}
	}
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
