package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/sessions"
)

// Presence reports whether an agent currently holds a live stream.
type Presence interface {
	Connected(agentID int64) bool
}

type AgentsHandler struct {
	agentService *agents.Service
	manager      *sessions.Manager
	presence     Presence
}

func NewAgentsHandler(agentService *agents.Service, manager *sessions.Manager, presence Presence) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		manager:      manager,
		presence:     presence,
	}
}

// ListAgents returns every known agent with its live session, if any.
// GET /api/v1/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	agentList, err := h.agentService.List(ctx)
	if err != nil {
		respondError(c, err, "list agents")
		return
	}

	views, err := h.manager.ActiveSessions(ctx)
	if err != nil {
		respondError(c, err, "list sessions")
		return
	}
	active := make(map[int64]sessions.View, len(views))
	for _, v := range views {
		active[v.Session.AgentID] = v
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i, a := range agentList {
		responses[i] = agentResponse(a, h.presence.Connected(a.ID))
		if v, ok := active[a.ID]; ok {
			s := viewResponse(v)
			responses[i].Session = &s
		}
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Count: len(responses)})
}

// GetAgent returns one agent.
// GET /api/v1/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	agent, err := h.agentService.Get(ctx, agentID)
	if err != nil {
		respondError(c, err, "get agent")
		return
	}

	response := agentResponse(*agent, h.presence.Connected(agentID))
	if v, err := h.manager.Snapshot(ctx, agentID); err == nil {
		s := viewResponse(*v)
		response.Session = &s
	}
	c.JSON(http.StatusOK, response)
}

// History lists past sessions of an agent, newest first.
// GET /api/v1/agents/:id/sessions
func (h *AgentsHandler) History(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := h.agentService.History(c.Request.Context(), agentID, limit)
	if err != nil {
		respondError(c, err, "list sessions")
		return
	}

	resp := dto.SessionHistoryResponse{Sessions: make([]dto.SessionResponse, len(list))}
	for i, s := range list {
		resp.Sessions[i] = sessionResponse(s)
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteAgent removes an agent and its session history.
// DELETE /api/v1/agents/:id
func (h *AgentsHandler) DeleteAgent(c *gin.Context) {
	agentID, ok := agentIDParam(c)
	if !ok {
		return
	}

	if err := h.agentService.Delete(c.Request.Context(), agentID); err != nil {
		respondError(c, err, "delete agent")
		return
	}

	slog.Info("Agent removed by operator", "agent_id", agentID)
	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

func agentResponse(a agents.Agent, connected bool) dto.AgentResponse {
	return dto.AgentResponse{
		ID:         a.ID,
		HardwareID: a.HardwareID,
		Name:       a.Name,
		IPAddress:  a.IPAddress,
		MACAddress: a.MACAddress,
		Status:     string(a.Status),
		LastSeen:   a.LastSeen,
		Connected:  connected,
	}
}

func sessionResponse(s agents.Session) dto.SessionResponse {
	return dto.SessionResponse{
		ID:                    s.ID,
		AgentID:               s.AgentID,
		StartTime:             s.StartTime,
		EndTime:               s.EndTime,
		DurationMinutes:       s.DurationMinutes,
		IsUnlimited:           s.Unlimited,
		HourlyRate:            s.HourlyRate,
		FreeMode:              s.FreeMode,
		Status:                string(s.Status),
		ActualDurationMinutes: s.ActualDuration,
		Cost:                  s.Cost,
	}
}

func viewResponse(v sessions.View) dto.SessionResponse {
	resp := sessionResponse(v.Session)
	if !v.Reading.Unlimited {
		remaining := v.Reading.RemainingSeconds
		resp.RemainingSeconds = &remaining
	}
	resp.Finished = v.Reading.Finished
	estimate := v.EstimatedCost
	resp.EstimatedCost = &estimate
	return resp
}
