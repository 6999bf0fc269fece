package http

import (
	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/api/http/handler"
	"github.com/liblocker/liblocker/internal/api/http/middleware"
	"github.com/liblocker/liblocker/internal/auth"
	"github.com/liblocker/liblocker/internal/grpc/client"
	"github.com/liblocker/liblocker/internal/sessions"
)

type Services struct {
	Agents   *agents.Service
	Sessions *sessions.Manager
	Auth     *auth.Service
	Presence handler.Presence
}

// SetupRoute mounts the operator API.
func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Auth, srvs.Sessions)
	agentsHandler := handler.NewAgentsHandler(srvs.Agents, srvs.Sessions, srvs.Presence)
	sessionsHandler := handler.NewSessionsHandler(srvs.Sessions)

	v1 := engine.Group("/api/v1")
	v1.POST("/auth/login", authHandler.Login)

	protected := v1.Group("")
	protected.Use(middleware.OperatorAuth(srvs.Auth.Config().JWTSecret, cfg.AdminAPIKey))
	{
		protected.PUT("/credentials", authHandler.UpdateCredentials)

		protected.GET("/agents", agentsHandler.ListAgents)
		protected.GET("/agents/:id", agentsHandler.GetAgent)
		protected.DELETE("/agents/:id", agentsHandler.DeleteAgent)
		protected.GET("/agents/:id/sessions", agentsHandler.History)

		protected.POST("/agents/:id/session", sessionsHandler.Start)
		protected.DELETE("/agents/:id/session", sessionsHandler.Stop)
		protected.PATCH("/agents/:id/session/time", sessionsHandler.Extend)
		protected.PATCH("/agents/:id/session/tariff", sessionsHandler.Tariff)
		protected.POST("/agents/:id/unlock", sessionsHandler.Unlock)
		protected.POST("/agents/:id/shutdown", sessionsHandler.Shutdown)
		protected.POST("/agents/:id/monitor", sessionsHandler.Monitor)

		protected.GET("/sessions", sessionsHandler.ActiveSessions)
		protected.POST("/sessions/bulk-start", sessionsHandler.BulkStart)
		protected.POST("/sessions/bulk-stop", sessionsHandler.BulkStop)
	}
}

type AgentServices struct {
	Client   *client.Client
	OnUnlock func()
}

// SetupAgentRoute mounts the agent's local status API.
func SetupAgentRoute(engine *gin.Engine, srvs *AgentServices) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	localHandler := handler.NewLocalHandler(srvs.Client, srvs.OnUnlock)
	engine.GET("/session", localHandler.Session)
	engine.POST("/session/stop", localHandler.RequestStop)
	engine.POST("/unlock", localHandler.Unlock)
}
