package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/sessions"
)

type SessionsHandler struct {
	manager *sessions.Manager
}

func NewSessionsHandler(manager *sessions.Manager) *SessionsHandler {
	return &SessionsHandler{manager: manager}
}

func (h *SessionsHandler) startRequest(req dto.StartSessionRequest) sessions.StartRequest {
	sr := h.manager.DefaultStartRequest(req.DurationMinutes, req.IsUnlimited)
	if req.HourlyRate != nil {
		sr.HourlyRate = *req.HourlyRate
	}
	if req.FreeMode != nil {
		sr.FreeMode = *req.FreeMode
	}
	return sr
}

// Start opens a session on an agent. Tariff fields default to the policy.
// POST /api/v1/agents/:id/session
func (h *SessionsHandler) Start(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req dto.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.manager.Start(c.Request.Context(), agentID, h.startRequest(req))
	if err != nil {
		respondError(c, err, "start session")
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(*session))
}

// Stop settles the active session.
// DELETE /api/v1/agents/:id/session
func (h *SessionsHandler) Stop(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req dto.StopSessionRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	session, err := h.manager.Stop(c.Request.Context(), agentID, req.Reason)
	if err != nil {
		respondError(c, err, "stop session")
		return
	}
	c.JSON(http.StatusOK, sessionResponse(*session))
}

// Extend replaces the allocation, counting from now.
// PATCH /api/v1/agents/:id/session/time
func (h *SessionsHandler) Extend(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req dto.ExtendSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.manager.Extend(c.Request.Context(), agentID, req.NewDurationMinutes)
	if err != nil {
		respondError(c, err, "extend session")
		return
	}
	c.JSON(http.StatusOK, sessionResponse(*session))
}

// Tariff changes the billing of the active session.
// PATCH /api/v1/agents/:id/session/tariff
func (h *SessionsHandler) Tariff(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req dto.TariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.manager.Retariff(c.Request.Context(), agentID, req.FreeMode, req.HourlyRate)
	if err != nil {
		respondError(c, err, "update tariff")
		return
	}
	c.JSON(http.StatusOK, sessionResponse(*session))
}

// Unlock lifts the lock screen on an agent without a session.
// POST /api/v1/agents/:id/unlock
func (h *SessionsHandler) Unlock(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	if err := h.manager.Unlock(c.Request.Context(), agentID); err != nil {
		respondError(c, err, "unlock agent")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "unlock sent"})
}

// Shutdown powers the agent machine off.
// POST /api/v1/agents/:id/shutdown
func (h *SessionsHandler) Shutdown(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	if err := h.manager.Shutdown(c.Request.Context(), agentID); err != nil {
		respondError(c, err, "shut down agent")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "shutdown sent"})
}

// Monitor switches the installation monitor on an agent.
// POST /api/v1/agents/:id/monitor
func (h *SessionsHandler) Monitor(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	var req dto.MonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.manager.ToggleMonitor(c.Request.Context(), agentID, *req.Enabled); err != nil {
		respondError(c, err, "toggle monitor")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "monitor toggle sent", "enabled": *req.Enabled})
}

// BulkStart starts the same session on several agents.
// POST /api/v1/sessions/bulk-start
func (h *SessionsHandler) BulkStart(c *gin.Context) {
	var req dto.BulkStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started, err := h.manager.StartMany(c.Request.Context(), req.AgentIDs, h.startRequest(req.StartSessionRequest))
	c.JSON(bulkStatus(started, err), bulkResponse(started, err))
}

// BulkStop stops the sessions of several agents.
// POST /api/v1/sessions/bulk-stop
func (h *SessionsHandler) BulkStop(c *gin.Context) {
	var req dto.BulkStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stopped, err := h.manager.StopMany(c.Request.Context(), req.AgentIDs, req.Reason)
	c.JSON(bulkStatus(stopped, err), bulkResponse(stopped, err))
}

// ActiveSessions lists every running session with its clock reading.
// GET /api/v1/sessions
func (h *SessionsHandler) ActiveSessions(c *gin.Context) {
	views, err := h.manager.ActiveSessions(c.Request.Context())
	if err != nil {
		respondError(c, err, "list sessions")
		return
	}
	resp := dto.BulkResponse{Sessions: make([]dto.SessionResponse, len(views))}
	for i, v := range views {
		resp.Sessions[i] = viewResponse(v)
	}
	c.JSON(http.StatusOK, resp)
}

func bulkStatus(done []*agents.Session, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case len(done) == 0:
		return http.StatusConflict
	default:
		return http.StatusMultiStatus
	}
}

func bulkResponse(done []*agents.Session, err error) dto.BulkResponse {
	resp := dto.BulkResponse{
		Sessions: make([]dto.SessionResponse, 0, len(done)),
		Errors:   joinedErrors(err),
	}
	for _, s := range done {
		resp.Sessions = append(resp.Sessions, sessionResponse(*s))
	}
	return resp
}
