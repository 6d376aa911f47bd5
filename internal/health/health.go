// Package health projects startup component readiness onto the standard gRPC
// health service.
//
// Each registered component is reported as "<service>/<component>". The
// service itself turns SERVING once the coordinator is idle.
package health

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/anvil-platform/startorder/internal/startup"
)

// Reporter is a startup.Observer backed by a gRPC health server.
type Reporter struct {
	service string
	server  *health.Server
}

var _ startup.Observer = (*Reporter)(nil)

// NewReporter returns a Reporter whose overall service starts NOT_SERVING.
func NewReporter(service string) *Reporter {
	r := &Reporter{service: service, server: health.NewServer()}
	r.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// ComponentService returns the health service name of a component.
func (r *Reporter) ComponentService(component string) string {
	return r.service + "/" + component
}

func (r *Reporter) ComponentRegistered(name string) {
	r.server.SetServingStatus(r.ComponentService(name), healthpb.HealthCheckResponse_NOT_SERVING)
}

func (r *Reporter) ComponentSatisfied(name string) {
	r.server.SetServingStatus(r.ComponentService(name), healthpb.HealthCheckResponse_SERVING)
}

func (r *Reporter) Idle() {
	r.server.SetServingStatus(r.service, healthpb.HealthCheckResponse_SERVING)
}

// HealthServer exposes the underlying health implementation.
func (r *Reporter) HealthServer() healthpb.HealthServer {
	return r.server
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

// Server serves the health service until its context is done. It implements
// controller-runtime's manager.Runnable.
type Server struct {
	Addr     string
	Reporter *Reporter
	Log      logr.Logger
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	s.Reporter.Register(grpcServer)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()
	s.Log.Info("serving gRPC health", "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.Reporter.server.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	}
}

// NeedLeaderElection is false: every replica reports its own health.
func (s *Server) NeedLeaderElection() bool { return false }
