package server

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker probes one dependency; a nil error means it is serving.
type Checker func(ctx context.Context) error

// HealthServer publishes dependency status over the standard gRPC health
// protocol. Each check is exposed as its own service name and the empty
// service name reports SERVING only when every check passes.
type HealthServer struct {
	*health.Server
	checks  map[string]Checker
	timeout time.Duration
}

func NewHealthServer(checks map[string]Checker) *HealthServer {
	s := &HealthServer{
		Server:  health.NewServer(),
		checks:  checks,
		timeout: 2 * time.Second,
	}
	s.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to a gRPC server.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.Server)
}

// Probe runs every check once and updates the published statuses.
func (s *HealthServer) Probe(ctx context.Context) bool {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checks[name](checkCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
		}
		s.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.SetServingStatus("", overall)
	return healthy
}

// Run probes on every tick until ctx is cancelled, then marks everything
// NOT_SERVING so that in-flight watchers see the shutdown.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}
