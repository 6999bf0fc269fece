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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	internalhttp "github.com/liblocker/liblocker/internal/api/http"
	"github.com/liblocker/liblocker/internal/auth"
	"github.com/liblocker/liblocker/internal/db"
	"github.com/liblocker/liblocker/internal/discovery"
	grpcserver "github.com/liblocker/liblocker/internal/grpc/server"
	"github.com/liblocker/liblocker/internal/sessions"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("LibLocker Server", "version", AppVersion)

	if len(os.Args) > 1 && os.Args[1] == "issue-cert" {
		if err := runIssueCert(os.Args[2:]); err != nil {
			slog.Error("Failed to issue certificate", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := ensureTLSMaterial(config.Grpc.TLS); err != nil {
		slog.Error("Failed to prepare TLS certificates", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := db.Open(ctx, config.DB)
	if err != nil {
		slog.Error("Failed to open database", "driver", config.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	authService := auth.NewService(store, config.Auth)
	if err := authService.EnsureCredential(ctx); err != nil {
		slog.Error("Failed to initialise operator credential", "error", err)
		os.Exit(1)
	}

	agentService := agents.NewService(store)
	registry := grpcserver.NewRegistry(agentService, config.Registry)
	manager := sessions.NewManager(store, registry, config.Policy, sessions.Hooks{})

	tlsConfig := &grpcserver.TLSConfig{
		Enabled:    config.Grpc.TLS.Enabled,
		CertFile:   config.Grpc.TLS.CertFile,
		KeyFile:    config.Grpc.TLS.KeyFile,
		CAFile:     config.Grpc.TLS.CAFile,
		ClientAuth: config.Grpc.TLS.ClientAuth,
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, tlsConfig, registry, manager)

	services := &internalhttp.Services{
		Agents:   agentService,
		Sessions: manager,
		Auth:     authService,
		Presence: registry,
	}

	origins := config.Http.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services, config.Http)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	var announcer *discovery.Announcer
	if config.Discovery.Enabled {
		announcer = discovery.NewAnnouncer(config.Discovery.Listen, config.Grpc.Port, config.Discovery.Name)
		if err := announcer.Start(); err != nil {
			slog.Warn("Discovery disabled", "error", err)
			announcer = nil
		}
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	if announcer != nil {
		announcer.Stop()
	}

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
