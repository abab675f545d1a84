// ============================================================================
// fork-scorer gRPC Health Service
// ============================================================================
//
// Package: internal/server
// File: health.go
// Purpose: Exposes the fork manager health over the standard gRPC health
//          protocol (grpc.health.v1.Health)
//
// Status mapping:
//   healthy   → SERVING
//   degraded  → SERVING      (cap saturated, new forks are rejected)
//   unhealthy → NOT_SERVING  (primary store unreachable)
//
// The status is refreshed on a fixed interval by Run and is reported both
// for the empty service name and for ServiceName.
//
// ============================================================================

package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fork-scorer/internal/fork"
)

// ServiceName is the health service name of the scorer.
const ServiceName = "forkscorer.v1.Scorer"

// DefaultHealthInterval is used when NewHealthServer gets a non-positive interval.
const DefaultHealthInterval = 15 * time.Second

// HealthChecker reports the fork manager health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) fork.HealthReport
}

// HealthServer is a gRPC server carrying the health service.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	checker  HealthChecker
	interval time.Duration
	log      *slog.Logger
}

// NewHealthServer creates the gRPC server and registers the health service.
// The initial status is NOT_SERVING until the first check.
func NewHealthServer(checker HealthChecker, interval time.Duration, log *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if log == nil {
		log = slog.Default()
	}
	s := &HealthServer{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		checker:  checker,
		interval: interval,
		log:      log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check runs one health check and publishes the resulting status.
func (s *HealthServer) Check(ctx context.Context) fork.HealthReport {
	report := s.checker.HealthCheck(ctx)
	status := ServingStatus(report)
	s.setStatus(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		s.log.Warn("Health check failing", "status", report.Status, "error", report.Error)
	}
	return report
}

// Run refreshes the status every interval until ctx is done.
func (s *HealthServer) Run(ctx context.Context) {
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Serve accepts connections on lis. It returns when Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains the server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// ServingStatus maps a fork manager report to a gRPC serving status.
func ServingStatus(report fork.HealthReport) healthpb.HealthCheckResponse_ServingStatus {
	if report.Status == fork.Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
