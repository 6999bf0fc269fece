package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	grpctls "github.com/liblocker/liblocker/internal/grpc/tls"
	"github.com/liblocker/liblocker/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type Server struct {
	health        *health.Server
	registry      *Registry
	streamHandler *StreamHandler
	port          int
	tlsConfig     *TLSConfig

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
}

func NewServer(port int, tlsConfig *TLSConfig, registry *Registry, events AgentEvents) *Server {
	return &Server{
		registry:      registry,
		streamHandler: NewStreamHandler(registry, events),
		health:        health.NewServer(),
		port:          port,
		tlsConfig:     tlsConfig,
	}
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		// Dead transports are reaped by keepalive so their streams end and the
		// registry sees the disconnect.
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
		if err != nil {
			return nil, err
		}
		creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC server using TLS", "client_auth", s.tlsConfig.ClientAuth)
	} else {
		slog.Warn("gRPC server using insecure connection (TLS disabled)")
	}

	return opts, nil
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve accepts agent streams on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	opts, err := s.serverOptions()
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer(opts...)
	protocol.RegisterCoordinatorServer(grpcServer, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(protocol.ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.mu.Lock()
	s.listener = lis
	s.grpcServer = grpcServer
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String())

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	s.health.Shutdown()
	// Cancel agent streams first so GracefulStop is not held open by them.
	s.registry.Stop()

	s.mu.Lock()
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}

	return nil
}

func (s *Server) Stream(stream protocol.StreamServer) error {
	return s.streamHandler.HandleStream(stream)
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}

func (s *Server) Registry() *Registry {
	return s.registry
}
