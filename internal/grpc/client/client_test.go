package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/db"
	"github.com/liblocker/liblocker/internal/grpc/server"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/liblocker/liblocker/internal/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type coordinator struct {
	store    agents.Store
	registry *server.Registry
	manager  *sessions.Manager
	lis      *bufconn.Listener
}

func startCoordinator(t *testing.T) *coordinator {
	t.Helper()

	store, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "coordinator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := server.NewRegistry(agents.NewService(store), server.RegistryConfig{CleanupInterval: time.Hour})
	manager := sessions.NewManager(store, registry, sessions.DefaultPolicy(), sessions.Hooks{})
	srv := server.NewServer(0, nil, registry, manager)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(2 * time.Second) })

	return &coordinator{store: store, registry: registry, manager: manager, lis: lis}
}

type hookEvents struct {
	started  chan SessionState
	stopped  chan protocol.SessionStop
	extended chan SessionState
	unlocked chan struct{}
	password chan struct{}
}

func newHookEvents() (*hookEvents, Hooks) {
	ev := &hookEvents{
		started:  make(chan SessionState, 4),
		stopped:  make(chan protocol.SessionStop, 4),
		extended: make(chan SessionState, 4),
		unlocked: make(chan struct{}, 4),
		password: make(chan struct{}, 4),
	}
	return ev, Hooks{
		OnSessionStart:   func(s SessionState) { ev.started <- s },
		OnSessionStop:    func(s protocol.SessionStop) { ev.stopped <- s },
		OnTimeUpdate:     func(s SessionState) { ev.extended <- s },
		OnUnlock:         func() { ev.unlocked <- struct{}{} },
		OnPasswordUpdate: func() { ev.password <- struct{}{} },
	}
}

func startAgent(t *testing.T, c *coordinator, hwid string, hooks Hooks) *Client {
	t.Helper()

	state, err := LoadState(filepath.Join(t.TempDir(), "state.yaml"))
	require.NoError(t, err)

	agent := NewClient(Config{
		ServerAddr:        "passthrough:///bufnet",
		HardwareID:        hwid,
		Name:              "pc-" + hwid,
		HeartbeatInterval: 50 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return c.lis.DialContext(ctx)
			}),
		},
	}, state, hooks)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { _ = agent.Stop() })

	require.Eventually(t, func() bool {
		return agent.Connected() && agent.AgentID() != 0 && c.registry.Connected(agent.AgentID())
	}, 5*time.Second, 20*time.Millisecond)
	return agent
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatal("timed out waiting for hook")
		return zero
	}
}

func TestClient_RegistersAndPersistsAgentID(t *testing.T) {
	c := startCoordinator(t)
	agent := startAgent(t, c, "hw-1", Hooks{})

	stored, err := c.store.GetAgentByHardwareID(context.Background(), "hw-1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, agent.AgentID())
	assert.Equal(t, "pc-hw-1", stored.Name)

	require.Eventually(t, func() bool {
		return agent.State().Get().AgentID == stored.ID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClient_SessionCommands(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)
	ctx := context.Background()

	session, err := c.manager.Start(ctx, agent.AgentID(), c.manager.DefaultStartRequest(30, false))
	require.NoError(t, err)

	started := receive(t, ev.started)
	assert.Equal(t, session.ID, started.SessionID)
	assert.Equal(t, 30, started.DurationMinutes)
	assert.True(t, agent.Session().State().Active)

	_, err = c.manager.Extend(ctx, agent.AgentID(), 45)
	require.NoError(t, err)
	assert.Equal(t, 45, receive(t, ev.extended).DurationMinutes)

	require.NoError(t, c.manager.Unlock(ctx, agent.AgentID()))
	receive(t, ev.unlocked)

	_, err = c.manager.Stop(ctx, agent.AgentID(), protocol.ReasonManual)
	require.NoError(t, err)
	stop := receive(t, ev.stopped)
	assert.Equal(t, protocol.ReasonManual, stop.Reason)
	assert.False(t, agent.Session().State().Active)
}

func TestClient_HeartbeatReportsSession(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)
	ctx := context.Background()

	_, err := c.manager.Start(ctx, agent.AgentID(), c.manager.DefaultStartRequest(30, false))
	require.NoError(t, err)
	receive(t, ev.started)

	// Heartbeats keep refreshing last_seen while the manager owns the status.
	before, err := c.store.GetAgent(ctx, agent.AgentID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a, err := c.store.GetAgent(ctx, agent.AgentID())
		return err == nil && a.LastSeen.After(before.LastSeen)
	}, 3*time.Second, 20*time.Millisecond)

	a, err := c.store.GetAgent(ctx, agent.AgentID())
	require.NoError(t, err)
	assert.Equal(t, agents.StatusInSession, a.Status)
}

func TestClient_RequestStop(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)
	ctx := context.Background()

	_, err := c.manager.Start(ctx, agent.AgentID(), c.manager.DefaultStartRequest(0, true))
	require.NoError(t, err)
	receive(t, ev.started)

	require.NoError(t, agent.RequestStop(ctx, ""))

	stop := receive(t, ev.stopped)
	assert.Equal(t, protocol.ReasonUserRequest, stop.Reason)

	_, err = c.store.GetActiveSession(ctx, agent.AgentID())
	assert.ErrorIs(t, err, agents.ErrNotFound)
}

func TestClient_CredentialUpdate(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)

	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)

	sent, err := c.manager.BroadcastCredentialUpdate(context.Background(), string(hash))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	receive(t, ev.password)
	assert.True(t, agent.State().VerifyAdminPassword("letmein"))
}

func TestClient_CredentialPushedOnRegister(t *testing.T) {
	c := startCoordinator(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, c.store.PutSetting(context.Background(), agents.SettingAdminPasswordHash, string(hash)))

	agent := startAgent(t, c, "hw-1", Hooks{})
	require.Eventually(t, func() bool {
		return agent.State().VerifyAdminPassword("letmein")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_FinishedHookFiresLocally(t *testing.T) {
	finished := make(chan struct{}, 1)
	agent := NewClient(Config{ServerAddr: "passthrough:///unused"}, nil, Hooks{
		OnFinished: func() { finished <- struct{}{} },
	})

	now := time.Now()
	agent.Session().Begin(protocol.SessionStart{DurationMinutes: 1}, now.Add(-2*time.Minute))
	agent.checkTimers(now)
	receive(t, finished)

	// Nothing is sent while disconnected.
	assert.ErrorIs(t, agent.RequestStop(context.Background(), ""), ErrNotConnected)
}

func TestClient_ReconnectReceivesStopMissedWhileAway(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)
	ctx := context.Background()
	agentID := agent.AgentID()

	_, err := c.manager.Start(ctx, agentID, c.manager.DefaultStartRequest(30, false))
	require.NoError(t, err)
	receive(t, ev.started)

	// Every stream is cut; the stop below commits with nobody listening.
	c.registry.Stop()
	require.False(t, c.registry.Connected(agentID))

	settled, err := c.manager.Stop(ctx, agentID, "")
	require.NoError(t, err)

	stop := receive(t, ev.stopped)
	assert.Equal(t, protocol.ReasonResync, stop.Reason)
	assert.Equal(t, *settled.ActualDuration, stop.ActualDurationMinutes)
	assert.False(t, agent.Session().State().Active)

	require.Eventually(t, func() bool {
		return agent.Connected() && c.registry.Connected(agentID)
	}, 5*time.Second, 20*time.Millisecond)

	// Commands flow on the new stream.
	require.NoError(t, c.manager.Unlock(ctx, agentID))
	receive(t, ev.unlocked)
}

func TestClient_ReconnectResumesExtendedSession(t *testing.T) {
	c := startCoordinator(t)
	ev, hooks := newHookEvents()
	agent := startAgent(t, c, "hw-1", hooks)
	ctx := context.Background()
	agentID := agent.AgentID()

	session, err := c.manager.Start(ctx, agentID, c.manager.DefaultStartRequest(30, false))
	require.NoError(t, err)
	receive(t, ev.started)

	c.registry.Stop()
	_, err = c.manager.Extend(ctx, agentID, 90)
	require.NoError(t, err)

	updated := receive(t, ev.extended)
	assert.Equal(t, session.ID, updated.SessionID)
	assert.Equal(t, 90, updated.DurationMinutes)

	reading, ok := agent.Session().Reading(time.Now())
	require.True(t, ok)
	assert.InDelta(t, 90*60, reading.RemainingSeconds, 10)

	select {
	case <-ev.started:
		t.Fatal("a resumed session must not fire the start hook")
	default:
	}
}

func TestClient_StopIsIdempotent(t *testing.T) {
	c := startCoordinator(t)
	agent := startAgent(t, c, "hw-1", Hooks{})

	require.NoError(t, agent.Stop())
	assert.NotPanics(t, func() { _ = agent.Stop() })
	assert.False(t, agent.Connected())
}
