package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPath(agentID int64, suffix string) string {
	return fmt.Sprintf("/api/v1/agents/%d/session%s", agentID, suffix)
}

func decodeSession(t *testing.T, body []byte) dto.SessionResponse {
	t.Helper()
	var resp dto.SessionResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

// TestExtendRestartsCountdown starts a 60 minute session, lets ten minutes
// pass and replaces the allocation with 30 minutes. Both sides must then
// count down from 30, not 20.
func TestExtendRestartsCountdown(t *testing.T, env *Env) {
	agent, events := env.StartAgent(t, "H1")
	agentID := agent.AgentID()

	rr := env.doJSON(http.MethodPost, sessionPath(agentID, ""), dto.StartSessionRequest{DurationMinutes: 60})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	started := decodeSession(t, rr.Body.Bytes())
	assert.Equal(t, 60, started.DurationMinutes)
	assert.Equal(t, "active", started.Status)

	local := receive(t, events.Started)
	assert.True(t, local.Active)
	assert.Equal(t, 60, local.DurationMinutes)
	assert.Equal(t, started.ID, local.SessionID)

	env.RewindSession(t, agentID, 10*time.Minute)
	reading, ok := agent.Session().Reading(time.Now().Add(10 * time.Minute))
	require.True(t, ok)
	assert.InDelta(t, 50*60, reading.RemainingSeconds, 5)

	rr = env.doJSON(http.MethodPatch, sessionPath(agentID, "/time"), dto.ExtendSessionRequest{NewDurationMinutes: 30})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	extended := decodeSession(t, rr.Body.Bytes())
	assert.Equal(t, 30, extended.DurationMinutes)

	rr = env.doJSON(http.MethodGet, fmt.Sprintf("/api/v1/agents/%d", agentID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view dto.AgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.NotNil(t, view.Session)
	require.NotNil(t, view.Session.RemainingSeconds)
	assert.InDelta(t, 30*60, *view.Session.RemainingSeconds, clock.SkewTolerance.Seconds())
	assert.True(t, view.Connected)

	updated := receive(t, events.Updated)
	assert.Equal(t, 30, updated.DurationMinutes)

	reading, ok = agent.Session().Reading(time.Now())
	require.True(t, ok)
	assert.GreaterOrEqual(t, reading.RemainingMinutes, 29)
	assert.InDelta(t, 30*60, reading.RemainingSeconds, clock.SkewTolerance.Seconds())
	assert.False(t, reading.Finished)

	rr = env.doJSON(http.MethodDelete, sessionPath(agentID, ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	receive(t, events.Stopped)
}

// TestStopSettlesCost stops a 45 minute old session billed at 100 per hour.
func TestStopSettlesCost(t *testing.T, env *Env) {
	agent, events := env.StartAgent(t, "H3")
	agentID := agent.AgentID()

	rate, free := 100.0, false
	rr := env.doJSON(http.MethodPost, sessionPath(agentID, ""), dto.StartSessionRequest{
		DurationMinutes: 120,
		HourlyRate:      &rate,
		FreeMode:        &free,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	receive(t, events.Started)

	env.RewindSession(t, agentID, 45*time.Minute)

	rr = env.doJSON(http.MethodDelete, sessionPath(agentID, ""), dto.StopSessionRequest{Reason: "manual"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stopped := decodeSession(t, rr.Body.Bytes())
	assert.Equal(t, "completed", stopped.Status)
	require.NotNil(t, stopped.ActualDurationMinutes)
	assert.Equal(t, 45, *stopped.ActualDurationMinutes)
	assert.InDelta(t, 75.0, stopped.Cost, 0.01)
	assert.NotNil(t, stopped.EndTime)

	receive(t, events.Stopped)
	assert.False(t, agent.Session().State().Active)

	rr = env.doJSON(http.MethodGet, fmt.Sprintf("/api/v1/agents/%d/sessions", agentID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history dto.SessionHistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.NotEmpty(t, history.Sessions)
	assert.Equal(t, stopped.ID, history.Sessions[0].ID)

	// A second stop has nothing to settle.
	rr = env.doJSON(http.MethodDelete, sessionPath(agentID, ""), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}
