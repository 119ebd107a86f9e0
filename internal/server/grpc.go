package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC service name reported for the scheduler.
const HealthService = "batchd.Scheduler"

// HealthServer serves the standard gRPC health protocol. The scheduler
// service is SERVING while the engine runs and has completed a tick.
type HealthServer struct {
	address string
	engine  ReportSource
	server  *grpc.Server
	health  *health.Server
	logger  *zap.Logger
}

// NewHealthServer creates a gRPC health server.
func NewHealthServer(address string, engine ReportSource, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		address: address,
		engine:  engine,
		server:  srv,
		health:  hs,
		logger:  logger.With(zap.String("component", "grpc-health")),
	}
}

// Health returns the underlying health service, mainly for tests.
func (h *HealthServer) Health() healthpb.HealthServer {
	return h.health
}

// Refresh updates the serving status from the engine state.
func (h *HealthServer) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.engine.IsRunning() && h.engine.LastReport() != nil {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
}

// Run serves until ctx is done, refreshing the status every interval.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) error {
	lis, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}

	h.logger.Info("Starting gRPC health server", zap.String("address", h.address))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			h.server.GracefulStop()
			<-errCh
			h.logger.Info("gRPC health server stopped")
			return nil
		case err := <-errCh:
			return fmt.Errorf("gRPC server error: %w", err)
		case <-ticker.C:
			h.Refresh()
		}
	}
}
