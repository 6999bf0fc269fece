package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/auth"
	"github.com/liblocker/liblocker/internal/sessions"
)

type AuthHandler struct {
	authService *auth.Service
	manager     *sessions.Manager
}

func NewAuthHandler(authService *auth.Service, manager *sessions.Manager) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		manager:     manager,
	}
}

// Login exchanges the operator password for a token.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.Login(c.Request.Context(), req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		slog.Error("Login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{Token: token})
}

// UpdateCredentials replaces the operator password and pushes the new hash
// to every connected agent.
// PUT /api/v1/credentials
func (h *AuthHandler) UpdateCredentials(c *gin.Context) {
	var req dto.UpdateCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := auth.NewCredentialHash(req.Password)
	if err != nil {
		respondError(c, err, "update credentials")
		return
	}

	notified, err := h.manager.BroadcastCredentialUpdate(c.Request.Context(), hash)
	if err != nil {
		respondError(c, err, "update credentials")
		return
	}

	c.JSON(http.StatusOK, dto.UpdateCredentialsResponse{Notified: notified})
}
