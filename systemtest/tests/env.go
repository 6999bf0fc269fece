package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/grpc/client"
	"github.com/liblocker/liblocker/internal/grpc/server"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// Env is a running coordinator shared by the system tests.
type Env struct {
	Router   *gin.Engine
	Store    agents.Store
	Registry *server.Registry
	APIKey   string
	Password string
	// Conn is a raw gRPC connection to the coordinator.
	Conn *grpc.ClientConn
	// DialOptions connect an agent client to the coordinator.
	DialOptions []grpc.DialOption
}

// AgentEvents collects hook invocations of a test agent.
type AgentEvents struct {
	Started  chan client.SessionState
	Stopped  chan protocol.SessionStop
	Updated  chan client.SessionState
	Password chan struct{}
}

func newAgentEvents() (*AgentEvents, client.Hooks) {
	ev := &AgentEvents{
		Started:  make(chan client.SessionState, 4),
		Stopped:  make(chan protocol.SessionStop, 4),
		Updated:  make(chan client.SessionState, 4),
		Password: make(chan struct{}, 4),
	}
	return ev, client.Hooks{
		OnSessionStart:   func(s client.SessionState) { ev.Started <- s },
		OnSessionStop:    func(s protocol.SessionStop) { ev.Stopped <- s },
		OnTimeUpdate:     func(s client.SessionState) { ev.Updated <- s },
		OnPasswordUpdate: func() { notify(ev.Password) },
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// StartAgent connects a real agent client and waits until it is registered.
func (e *Env) StartAgent(t *testing.T, hardwareID string) (*client.Client, *AgentEvents) {
	t.Helper()

	state, err := client.LoadState(filepath.Join(t.TempDir(), "agent-state.yaml"))
	require.NoError(t, err)

	events, hooks := newAgentEvents()
	agent := client.NewClient(client.Config{
		ServerAddr:        "passthrough:///bufnet",
		HardwareID:        hardwareID,
		Name:              "pc-" + hardwareID,
		HeartbeatInterval: 100 * time.Millisecond,
		TickInterval:      50 * time.Millisecond,
		DialOptions:       e.DialOptions,
	}, state, hooks)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { _ = agent.Stop() })

	require.Eventually(t, func() bool {
		return agent.AgentID() != 0 && e.Registry.Connected(agent.AgentID())
	}, 10*time.Second, 20*time.Millisecond)
	return agent, events
}

// RewindSession moves the start of the agent's active session into the past.
func (e *Env) RewindSession(t *testing.T, agentID int64, d time.Duration) {
	t.Helper()

	ctx := context.Background()
	session, err := e.Store.GetActiveSession(ctx, agentID)
	require.NoError(t, err)
	session.StartTime = session.StartTime.Add(-d)
	require.NoError(t, e.Store.UpdateSession(ctx, session))
}

func (e *Env) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	return e.do(method, path, body, "X-API-Key", e.APIKey)
}

func (e *Env) doJSONWithAuth(method, path string, body any, token string) *httptest.ResponseRecorder {
	return e.do(method, path, body, "Authorization", "Bearer "+token)
}

func (e *Env) do(method, path string, body any, header, value string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if value != "" {
		req.Header.Set(header, value)
	}
	rr := httptest.NewRecorder()
	e.Router.ServeHTTP(rr, req)
	return rr
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		var zero T
		t.Fatal("timed out waiting for agent hook")
		return zero
	}
}
