package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rl1809/cart-store/internal/adapter/catalog"
	"github.com/rl1809/cart-store/internal/adapter/events"
	"github.com/rl1809/cart-store/internal/adapter/handler"
	"github.com/rl1809/cart-store/internal/adapter/notify"
	"github.com/rl1809/cart-store/internal/adapter/storage"
	"github.com/rl1809/cart-store/internal/config"
	"github.com/rl1809/cart-store/internal/core/service"
	"github.com/rl1809/cart-store/internal/logger"
	"github.com/rl1809/cart-store/internal/port"
	"github.com/rl1809/cart-store/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := logger.New(os.Stdout, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	// Initialize cart storage
	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatalf("failed to open %s storage: %v", cfg.StorageBackend, err)
	}
	log.WithField("backend", cfg.StorageBackend).Info("cart storage ready")

	catalogClient := catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogTimeout)
	notifier := notify.NewLogNotifier(log)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithQueueSize(cfg.QueueSize),
	}
	var publisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		opts = append(opts, service.WithEventPublisher(publisher))
		log.WithField("topic", cfg.KafkaTopic).Info("publishing cart events to kafka")
	}

	provider := service.NewProvider(func(ctx context.Context, key string) (*service.CartService, error) {
		return service.NewCartService(ctx, key, repo, catalogClient, notifier, opts...)
	}, service.WithIdleTimeout(cfg.CartIdleTimeout))

	// Initialize gRPC health server
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	reporter := handler.NewHealthReporter(healthServer, repo, cfg.HealthInterval, log)
	go reporter.Run(ctx)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	go func() {
		log.Infof("gRPC health server listening on :%s", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(provider, reporter, log, cfg.RequestTimeout)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	log.Info("HTTP server stopped")

	cancel()
	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// Drain cart writers before closing their dependencies
	provider.Close()
	log.Info("cart stores closed")

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warnf("kafka writer close: %v", err)
		}
	}
	if err := closeRepo(); err != nil {
		log.Warnf("storage close: %v", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnf("tracer shutdown: %v", err)
	}
	log.Info("connections closed")
}

func openRepository(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (port.CartRepository, func() error, error) {
	switch cfg.StorageBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return storage.NewRedisAdapter(rdb), rdb.Close, nil

	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		if err := storage.MigrateMySQL(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("mysql migrations applied")
		return storage.NewMySQLAdapter(db), db.Close, nil

	case config.BackendMongo:
		db, err := storage.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewMongoAdapter(db), func() error {
			return db.Client().Disconnect(context.Background())
		}, nil

	default:
		return storage.NewMemoryAdapter(), func() error { return nil }, nil
	}
}
