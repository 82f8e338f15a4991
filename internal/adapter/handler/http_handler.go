package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/core/service"
	"github.com/rl1809/cart-store/internal/port"
)

const (
	cartIDHeader    = "X-Cart-ID"
	cartIDCookie    = "cart_id"
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 16
)

type ctxKey int

const requestIDKey ctxKey = iota

type HTTPHandler struct {
	provider *service.Provider
	health   *HealthReporter
	log      logrus.FieldLogger
	timeout  time.Duration
}

type AddProductHTTPRequest struct {
	ProductID int64 `json:"product_id"`
}

type UpdateAmountHTTPRequest struct {
	Amount int `json:"amount"`
}

type CartView struct {
	Key         string            `json:"key"`
	Items       []domain.LineItem `json:"items"`
	Version     int64             `json:"version"`
	TotalAmount int               `json:"total_amount"`
}

type CartHTTPResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Notice  *domain.Notice `json:"notice,omitempty"`
	Cart    *CartView      `json:"cart,omitempty"`
}

func NewHTTPHandler(provider *service.Provider, health *HealthReporter, log logrus.FieldLogger, timeout time.Duration) *HTTPHandler {
	return &HTTPHandler{provider: provider, health: health, log: log, timeout: timeout}
}

// Routes builds the chi router serving the cart API.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDMiddleware)
	r.Use(h.logMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Route("/api/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Post("/items", h.AddProduct)
		r.Put("/items/{product_id}", h.UpdateProductAmount)
		r.Delete("/items/{product_id}", h.RemoveProduct)
	})

	return otelhttp.NewHandler(r, "cart-api")
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	// a freshly issued key has nothing stored yet, so no store is opened for it
	key, issued := cartKey(w, r)
	if issued {
		writeJSON(w, http.StatusOK, CartHTTPResponse{
			Success: true,
			Message: "ok",
			Cart:    &CartView{Key: key, Items: []domain.LineItem{}},
		})
		return
	}

	store, ok := h.open(w, r, key)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, CartHTTPResponse{
		Success: true,
		Message: "ok",
		Cart:    cartView(store),
	})
}

func (h *HTTPHandler) AddProduct(w http.ResponseWriter, r *http.Request) {
	var req AddProductHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CartHTTPResponse{Message: "invalid request body"})
		return
	}
	if req.ProductID <= 0 {
		writeJSON(w, http.StatusBadRequest, CartHTTPResponse{Message: "product_id must be positive"})
		return
	}

	store, ok := h.openStore(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := store.AddProduct(ctx, req.ProductID)
	h.respond(w, r, store, err, "product added")
}

func (h *HTTPHandler) UpdateProductAmount(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateAmountHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CartHTTPResponse{Message: "invalid request body"})
		return
	}

	store, ok := h.openStore(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := store.UpdateProductAmount(ctx, service.UpdateAmount{ProductID: productID, Amount: req.Amount})
	h.respond(w, r, store, err, "amount updated")
}

func (h *HTTPHandler) RemoveProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	store, ok := h.openStore(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := store.RemoveProduct(ctx, productID)
	h.respond(w, r, store, err, "product removed")
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil && !h.health.Serving() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) openStore(w http.ResponseWriter, r *http.Request) (*service.CartService, bool) {
	key, _ := cartKey(w, r)
	return h.open(w, r, key)
}

func (h *HTTPHandler) open(w http.ResponseWriter, r *http.Request, key string) (*service.CartService, bool) {
	store, err := h.provider.Open(r.Context(), key)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"cart_key":   key,
			"request_id": RequestID(r.Context()),
		}).Error("open cart failed")
		writeJSON(w, http.StatusServiceUnavailable, CartHTTPResponse{Message: "cart unavailable"})
		return nil, false
	}
	return store, true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, store *service.CartService, err error, okMessage string) {
	if err == nil {
		writeJSON(w, http.StatusOK, CartHTTPResponse{
			Success: true,
			Message: okMessage,
			Cart:    cartView(store),
		})
		return
	}

	status, notice := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"cart_key":   store.Key(),
			"request_id": RequestID(r.Context()),
		}).Error("cart operation failed")
	}

	resp := CartHTTPResponse{
		Success: false,
		Message: errorMessage(err),
		Cart:    cartView(store),
	}
	if notice != "" {
		n := domain.NewNotice(notice)
		resp.Notice = &n
	}
	writeJSON(w, status, resp)
}

// classify maps an operation error to an HTTP status and the notice the
// store raised for it.
func classify(err error) (int, domain.NoticeKind) {
	var notice domain.NoticeKind
	switch {
	case errors.Is(err, service.ErrAddProduct):
		notice = domain.NoticeAddFailed
	case errors.Is(err, service.ErrRemoveProduct):
		notice = domain.NoticeRemoveFailed
	case errors.Is(err, service.ErrUpdateAmount):
		notice = domain.NoticeUpdateFailed
	}

	switch {
	case errors.Is(err, service.ErrOutOfStock):
		return http.StatusConflict, domain.NoticeOutOfStock
	case errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest, ""
	case errors.Is(err, service.ErrItemNotFound), errors.Is(err, port.ErrProductNotFound):
		return http.StatusNotFound, notice
	case errors.Is(err, port.ErrVersionConflict):
		return http.StatusConflict, notice
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable, notice
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, notice
	default:
		return http.StatusInternalServerError, notice
	}
}

func errorMessage(err error) string {
	for _, category := range []error{
		service.ErrOutOfStock,
		service.ErrInvalidAmount,
		service.ErrAddProduct,
		service.ErrRemoveProduct,
		service.ErrUpdateAmount,
		service.ErrClosed,
	} {
		if errors.Is(err, category) {
			return category.Error()
		}
	}
	return "internal error"
}

func cartView(store *service.CartService) *CartView {
	cart := store.Cart()
	items := cart.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	return &CartView{
		Key:         store.Key(),
		Items:       items,
		Version:     cart.Version,
		TotalAmount: cart.TotalAmount(),
	}
}

// cartKey picks the cart from the X-Cart-ID header or cart_id cookie, and
// issues a new cart id cookie when neither is present.
func cartKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.Header.Get(cartIDHeader); id != "" {
		return id, false
	}
	if c, err := r.Cookie(cartIDCookie); err == nil && c.Value != "" {
		return c.Value, false
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     cartIDCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, CartHTTPResponse{Message: "invalid product id"})
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  RequestID(r.Context()),
		}).Debug("request served")
	})
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
