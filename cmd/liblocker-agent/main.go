package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	internalhttp "github.com/liblocker/liblocker/internal/api/http"
	"github.com/liblocker/liblocker/internal/discovery"
	grpcclient "github.com/liblocker/liblocker/internal/grpc/client"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("LibLocker Agent", "version", AppVersion)

	state, err := grpcclient.LoadState(config.Agent.StateFile)
	if err != nil {
		slog.Error("Failed to load agent state", "error", err)
		os.Exit(1)
	}

	hardwareID, err := grpcclient.ResolveHardwareID(config.Agent.HardwareID, state)
	if err != nil {
		slog.Warn("Failed to persist hardware id", "error", err)
	}

	name := config.Agent.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	ip, mac := grpcclient.LocalAddresses()

	serverAddr := config.Grpc.ServerAddress
	if serverAddr == "" {
		if !config.Discovery.Enabled {
			slog.Error("No coordinator address configured and discovery is disabled")
			os.Exit(1)
		}
		serverAddr, err = discoverCoordinator()
		if err != nil {
			slog.Info("Discovery abandoned", "reason", err)
			return
		}
	}

	var tlsConfig *grpcclient.TLSConfig
	if config.Grpc.TLS.Enabled {
		tlsConfig = &grpcclient.TLSConfig{
			Enabled:            true,
			CertFile:           config.Grpc.TLS.CertFile,
			KeyFile:            config.Grpc.TLS.KeyFile,
			CAFile:             config.Grpc.TLS.CAFile,
			ServerNameOverride: config.Grpc.TLS.ServerNameOverride,
		}
	}

	hooks := buildHooks(config.Actions)
	grpcClient := grpcclient.NewClient(grpcclient.Config{
		ServerAddr:        serverAddr,
		HardwareID:        hardwareID,
		Name:              name,
		IPAddress:         ip,
		MACAddress:        mac,
		HeartbeatInterval: config.Agent.HeartbeatInterval,
		WarningMinutes:    config.Agent.WarningMinutes,
		TLS:               tlsConfig,
	}, state, hooks)
	if err := grpcClient.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	var server *http.Server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if config.Http.Port != 0 {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(gin.Recovery())
		internalhttp.SetupAgentRoute(engine, &internalhttp.AgentServices{
			Client:   grpcClient,
			OnUnlock: hooks.OnUnlock,
		})

		server = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", config.Http.Host, config.Http.Port),
			Handler: engine,
		}
		go func() {
			slog.Info("Starting HTTP server", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server error", "error", err)
				quit <- syscall.SIGTERM
			}
		}()
	}

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Shutdown(ctx); err != nil {
				slog.Error("HTTP server shutdown error", "error", err)
			} else {
				slog.Info("HTTP server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcClient.Stop(); err != nil {
			slog.Error("gRPC client stop error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}

// discoverCoordinator broadcasts until a coordinator answers. An interrupt
// ends the wait.
func discoverCoordinator() (string, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	servers, err := discovery.Await(ctx, "", config.Discovery.Timeout, b)
	if err != nil {
		return "", err
	}
	if len(servers) > 1 {
		slog.Warn("Several coordinators answered, using the first", "count", len(servers))
	}
	return servers[0].Address(), nil
}
