package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"userdir.org/internal/obs"
)

// GRPCHealth serves grpc.health.v1.Health with a status driven by the
// readiness probe.
type GRPCHealth struct {
	srv       *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewGRPCHealth creates the health service. The status starts as NOT_SERVING
// until the first Refresh.
func NewGRPCHealth(r readinessChecker, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &GRPCHealth{srv: health.NewServer(), readiness: r, interval: interval}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

func (h *GRPCHealth) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(serviceName, st)
}

// Refresh runs the readiness probe once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes the status until ctx is done, then marks the service as
// shutting down.
func (h *GRPCHealth) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Refresh(ctx); err != nil {
			obs.Logger().WarnContext(ctx, "readiness check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
