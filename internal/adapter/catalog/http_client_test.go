package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"title":"Running shoe","price":179.9,"image":"https://img/1.jpg"}`))
	})
	mux.HandleFunc("/stock/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"id":1,"amount":5}`))
	})
	mux.HandleFunc("/stock/2", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/stock/3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetProduct(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL+"/", time.Second)

	product, err := client.GetProduct(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Product{ID: 1, Title: "Running shoe", Price: 179.9, Image: "https://img/1.jpg"}, product)
}

func TestGetProduct_NotFound(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL, time.Second)

	_, err := client.GetProduct(context.Background(), 42)
	assert.ErrorIs(t, err, port.ErrProductNotFound)
}

func TestGetStock(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL, time.Second)

	stock, err := client.GetStock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Stock{ID: 1, Amount: 5}, stock)

	_, err = client.GetStock(context.Background(), 9)
	assert.ErrorIs(t, err, port.ErrStockNotFound)
}

func TestGetStock_Failures(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL, time.Second)

	_, err := client.GetStock(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.False(t, errors.Is(err, port.ErrStockNotFound))

	_, err = client.GetStock(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode /stock/3")
}

func TestGetStock_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(url, time.Second)
	_, err := client.GetStock(context.Background(), 1)
	assert.Error(t, err)
}

func TestGetStock_NotCached(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL, time.Second)

	for i := 0; i < 3; i++ {
		_, err := client.GetStock(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetStock_ConcurrentCallersDecodeIndependently(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	client := NewHTTPClient(srv.URL, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stock, err := client.GetStock(context.Background(), 1)
			assert.NoError(t, err)
			assert.Equal(t, 5, stock.Amount)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, hits.Load(), int32(10))
}

func TestGetStock_SharedFetchSurvivesCanceledCaller(t *testing.T) {
	started := make(chan struct{}, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/stock/1", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"id":1,"amount":5}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewHTTPClient(srv.URL, 2*time.Second)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := client.GetStock(ctxA, 1)
		errA <- err
	}()
	<-started

	type result struct {
		stock domain.Stock
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		stock, err := client.GetStock(context.Background(), 1)
		resB <- result{stock, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelA()

	assert.ErrorIs(t, <-errA, context.Canceled)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, 5, b.stock.Amount)
}
