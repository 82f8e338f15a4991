// Package catalog reads product and stock records from the storefront API.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

const maxErrorBody = 512

// HTTPClient implements port.CatalogClient over GET /products/{id} and
// GET /stock/{id}. Identical in-flight requests share one round trip; nothing
// is cached.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	sfg     singleflight.Group
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPClient) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	var product domain.Product
	if err := c.get(ctx, fmt.Sprintf("/products/%d", productID), port.ErrProductNotFound, &product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (c *HTTPClient) GetStock(ctx context.Context, productID int64) (domain.Stock, error) {
	var stock domain.Stock
	if err := c.get(ctx, fmt.Sprintf("/stock/%d", productID), port.ErrStockNotFound, &stock); err != nil {
		return domain.Stock{}, err
	}
	return stock, nil
}

// get shares one round trip between identical in-flight requests. The shared
// fetch is bounded by the client timeout rather than by any single caller, and
// each caller stops waiting when its own ctx is done.
func (c *HTTPClient) get(ctx context.Context, path string, notFound error, out interface{}) error {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.sfg.DoChan(path, func() (interface{}, error) {
		return c.fetch(fetchCtx, path, notFound)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("get %s: %w", path, ctx.Err())
	}
	if res.Err != nil {
		return res.Err
	}

	if err := json.Unmarshal(res.Val.([]byte), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) fetch(ctx context.Context, path string, notFound error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("get %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}
