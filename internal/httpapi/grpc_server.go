package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agora.app/internal/obs"
)

// GRPCServer publishes the standard gRPC health service. Serving status
// follows the readiness probe for both the overall service ("") and the
// named gate service.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(reg, s.health)
}

// Probe runs the readiness check once and publishes the result.
func (s *GRPCServer) Probe(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("grpc readiness check failed", zap.String("version", s.version), zap.Error(err))
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	obs.SetReady(err == nil)
	return err == nil
}

// Watch probes every interval until ctx ends, then marks the server as
// shutting down so clients drain.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.Probe(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Probe(ctx)
		}
	}
}
