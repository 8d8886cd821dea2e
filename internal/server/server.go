// Package server hosts the sync service over gRPC together with the
// standard health and reflection services.
package server

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/internal/transport/grpcpeer"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	service    *syncService
	log        *logging.Logger
}

// New listens on addr and registers the sync service backed by manager.
// The server reports NOT_SERVING until SetServingStatus is called.
func New(addr string, obs *observability.Observability, enableReflection bool, manager *protocol.SyncManager, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	log := logging.Discard()
	if obs != nil {
		metrics = obs.Metrics
		if obs.Logger != nil {
			log = obs.Logger
		}
	}
	log = log.WithComponent("server")

	serverOpts := []grpc.ServerOption{
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics)),
	}
	serverOpts = append(serverOpts, opts...)

	grpcServer := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(grpcpeer.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	svc := newSyncService(manager, metrics, log)
	grpcpeer.Register(grpcServer, svc)

	if enableReflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		grpcServer: grpcServer,
		listener:   lis,
		health:     hs,
		service:    svc,
		log:        log,
	}, nil
}

func (s *Server) SetServingStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if s.health != nil {
		s.health.SetServingStatus("", status)
		s.health.SetServingStatus(grpcpeer.ServiceName, status)
	}
}

func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop closes open sync streams, then drains the server. If ctx ends
// first the server is stopped hard.
func (s *Server) Stop(ctx context.Context) {
	s.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.service.closeAll()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-done
	}
}

func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}
