package tests

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/api/http/dto"
	"github.com/liblocker/liblocker/internal/clock"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dropAll cuts every agent stream on the coordinator. Agents reconnect on
// their own backoff.
func (e *Env) dropAll(t *testing.T, agentID int64) {
	t.Helper()
	e.Registry.Stop()
	require.False(t, e.Registry.Connected(agentID))
}

func (e *Env) awaitReconnect(t *testing.T, agentID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Registry.Connected(agentID)
	}, 10*time.Second, 20*time.Millisecond)
}

// TestStopWhileDisconnected stops a session while its agent is away. The
// agent must unlock its local session once it registers again.
func TestStopWhileDisconnected(t *testing.T, env *Env) {
	agent, events := env.StartAgent(t, "H5")
	agentID := agent.AgentID()

	rr := env.doJSON(http.MethodPost, sessionPath(agentID, ""), dto.StartSessionRequest{IsUnlimited: true})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.True(t, receive(t, events.Started).Unlimited)

	env.dropAll(t, agentID)

	rr = env.doJSON(http.MethodDelete, sessionPath(agentID, ""), dto.StopSessionRequest{Reason: "manual"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stopped := decodeSession(t, rr.Body.Bytes())
	assert.Equal(t, "completed", stopped.Status)

	stop := receive(t, events.Stopped)
	assert.Equal(t, protocol.ReasonResync, stop.Reason)
	require.NotNil(t, stopped.ActualDurationMinutes)
	assert.Equal(t, *stopped.ActualDurationMinutes, stop.ActualDurationMinutes)
	assert.False(t, agent.Session().State().Active)

	env.awaitReconnect(t, agentID)
	rr = env.doJSON(http.MethodGet, fmt.Sprintf("/api/v1/agents/%d", agentID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"connected":true`)
}

// TestExtendWhileDisconnected replaces the allocation of a session whose
// agent is away. On reconnect the agent counts down from the new value.
func TestExtendWhileDisconnected(t *testing.T, env *Env) {
	agent, events := env.StartAgent(t, "H6")
	agentID := agent.AgentID()

	rr := env.doJSON(http.MethodPost, sessionPath(agentID, ""), dto.StartSessionRequest{DurationMinutes: 60})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	started := receive(t, events.Started)

	env.dropAll(t, agentID)

	rr = env.doJSON(http.MethodPatch, sessionPath(agentID, "/time"), dto.ExtendSessionRequest{NewDurationMinutes: 90})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	updated := receive(t, events.Updated)
	assert.Equal(t, started.SessionID, updated.SessionID)
	assert.Equal(t, 90, updated.DurationMinutes)

	reading, ok := agent.Session().Reading(time.Now())
	require.True(t, ok)
	assert.InDelta(t, 90*60, reading.RemainingSeconds, 2*clock.SkewTolerance.Seconds())

	rr = env.doJSON(http.MethodDelete, sessionPath(agentID, ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
}
