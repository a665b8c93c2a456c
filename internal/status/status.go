// Package status exposes relayer health over the standard gRPC health
// protocol. Each route has its own service, aerorelay.ingest.<route>, that
// reports NOT_SERVING while ingestion for that route is paused.
package status

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes the per-route service names.
const ServicePrefix = "aerorelay.ingest."

// ServiceName returns the health service name for route.
func ServiceName(route string) string { return ServicePrefix + route }

// Server serves gRPC health checks.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu     sync.Mutex
	paused map[string]bool
}

// New returns a server with every route serving.
func New(routes []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logger.With("component", "status"),
		paused: make(map[string]bool, len(routes)),
	}
	for _, r := range routes {
		s.paused[r] = false
		s.health.SetServingStatus(ServiceName(r), healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetIngesting records whether route is ingesting. The overall service is
// NOT_SERVING only while every route is paused.
func (s *Server) SetIngesting(route string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[route] = !ok
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(route), st)

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	for _, p := range s.paused {
		if !p {
			overall = healthpb.HealthCheckResponse_SERVING
			break
		}
	}
	s.health.SetServingStatus("", overall)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("status server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
