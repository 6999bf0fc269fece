package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/grpc/client"
)

// LocalHandler serves the agent's own status to a UI process on the same machine.
type LocalHandler struct {
	agent    *client.Client
	onUnlock func()
	now      func() time.Time
}

func NewLocalHandler(agent *client.Client, onUnlock func()) *LocalHandler {
	return &LocalHandler{
		agent:    agent,
		onUnlock: onUnlock,
		now:      time.Now,
	}
}

// Session reports the local countdown.
// GET /session
func (h *LocalHandler) Session(c *gin.Context) {
	now := h.now()
	state := h.agent.Session().State()
	resp := dto.LocalSessionResponse{
		Active:          state.Active,
		SessionID:       state.SessionID,
		StartTime:       state.StartTime,
		DurationMinutes: state.DurationMinutes,
		IsUnlimited:     state.Unlimited,
		Connected:       h.agent.Connected(),
	}
	if r, ok := h.agent.Session().Reading(now); ok {
		resp.RemainingSeconds = r.RemainingSeconds
		resp.ElapsedSeconds = int(r.Elapsed.Seconds())
		resp.Finished = r.Finished
	}
	c.JSON(http.StatusOK, resp)
}

// Unlock lifts the lock screen with the operator password, checked against
// the last hash pushed by the coordinator. Works while disconnected.
// POST /unlock
func (h *LocalHandler) Unlock(c *gin.Context) {
	var req dto.UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.agent.State().VerifyAdminPassword(req.Password) {
		slog.Warn("Local unlock rejected", "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	slog.Info("Local unlock accepted")
	if h.onUnlock != nil {
		h.onUnlock()
	}
	c.JSON(http.StatusOK, gin.H{"message": "unlocked"})
}

// RequestStop forwards the user's request to end the session.
// POST /session/stop
func (h *LocalHandler) RequestStop(c *gin.Context) {
	if err := h.agent.RequestStop(c.Request.Context(), ""); err != nil {
		if err == client.ErrNotConnected {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to request stop", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request stop"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "stop requested"})
}
