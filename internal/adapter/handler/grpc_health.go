package handler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported on the gRPC health endpoint next to the
// overall "" entry.
const ServiceName = "cartstore.CartService"

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter pings the cart repository and mirrors the result into the
// gRPC health server.
type HealthReporter struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger
	serving  atomic.Bool
}

func NewHealthReporter(server *health.Server, pinger Pinger, interval time.Duration, log logrus.FieldLogger) *HealthReporter {
	return &HealthReporter{
		server:   server,
		pinger:   pinger,
		interval: interval,
		timeout:  2 * time.Second,
		log:      log,
	}
}

// Check pings once and publishes the status. It returns whether the
// repository answered.
func (h *HealthReporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.pinger.Ping(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)

	serving := err == nil
	if previous := h.serving.Swap(serving); previous != serving {
		entry := h.log.WithField("status", status.String())
		if err != nil {
			entry.WithError(err).Warn("cart repository unreachable")
		} else {
			entry.Info("cart repository reachable")
		}
	}
	return serving
}

// Run checks on every tick until ctx is done, then marks the service as
// shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.server.Shutdown()
			return
		}
	}
}

func (h *HealthReporter) Serving() bool {
	return h.serving.Load()
}
