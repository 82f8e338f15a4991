package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/cart-store/internal/adapter/catalog"
	"github.com/rl1809/cart-store/internal/adapter/notify"
	"github.com/rl1809/cart-store/internal/adapter/storage"
	"github.com/rl1809/cart-store/internal/core/service"
	"github.com/rl1809/cart-store/internal/port"
)

const (
	cartKey       = "stress-test-cart"
	productID     = 1
	stockAmount   = 20
	totalRequests = 50
	storeCount    = 2
)

func main() {
	ctx := context.Background()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	repo := storage.NewRedisAdapter(rdb)
	if err := repo.Delete(ctx, cartKey); err != nil {
		logrus.Fatalf("failed to clear cart: %v", err)
	}

	catalogSrv := httptest.NewServer(stubCatalog())
	defer catalogSrv.Close()
	catalogClient := catalog.NewHTTPClient(catalogSrv.URL, 2*time.Second)

	log := logrus.New()
	log.SetOutput(io.Discard)
	notifier := notify.NewLogNotifier(log)

	// Two stores on one key stand in for two processes sharing the cart.
	stores := make([]*service.CartService, storeCount)
	for i := range stores {
		svc, err := service.NewCartService(ctx, cartKey, repo, catalogClient, notifier, service.WithLogger(log))
		if err != nil {
			logrus.Fatalf("failed to open cart: %v", err)
		}
		defer svc.Close()
		stores[i] = svc
	}

	var successCount, outOfStockCount, conflictCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			err := stores[n%storeCount].AddProduct(ctx, productID)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrOutOfStock):
				outOfStockCount.Add(1)
			case errors.Is(err, port.ErrVersionConflict):
				conflictCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Stock:            %d\n", stockAmount)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Stores:           %d\n", storeCount)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", outOfStockCount.Load())
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	cart, err := repo.Load(ctx, cartKey)
	if err != nil {
		logrus.Fatalf("failed to load cart: %v", err)
	}

	amount := 0
	if i := cart.Find(productID); i >= 0 {
		amount = cart.Items[i].Amount
	}
	fmt.Printf("Stored Amount:    %d (version %d)\n", amount, cart.Version)

	if amount == int(success) {
		fmt.Println("PASS: stored amount matches successful adds")
	} else {
		fmt.Printf("FAIL: stored amount %d, successful adds %d\n", amount, success)
	}

	if amount <= stockAmount {
		fmt.Println("PASS: stock never exceeded")
	} else {
		fmt.Printf("FAIL: amount %d exceeds stock %d\n", amount, stockAmount)
	}
}

func stubCatalog() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/products/%d", productID), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%d,"title":"Stress shoe","price":99.9,"image":"https://img/stress.jpg"}`, productID)
	})
	mux.HandleFunc(fmt.Sprintf("/stock/%d", productID), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%d,"amount":%d}`, productID, stockAmount)
	})
	return mux
}
