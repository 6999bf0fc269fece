package sessions

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/db"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected map[int64]bool
	sent      map[int64][]*protocol.Envelope
	sendErr   error
}

func newFakeTransport(ids ...int64) *fakeTransport {
	ft := &fakeTransport{connected: map[int64]bool{}, sent: map[int64][]*protocol.Envelope{}}
	for _, id := range ids {
		ft.connected[id] = true
	}
	return ft
}

func (f *fakeTransport) Connected(agentID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[agentID]
}

func (f *fakeTransport) Send(ctx context.Context, agentID int64, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[agentID] = append(f.sent[agentID], env)
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, env *protocol.Envelope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, ok := range f.connected {
		if ok {
			f.sent[id] = append(f.sent[id], env)
			n++
		}
	}
	return n, nil
}

func (f *fakeTransport) setConnected(agentID int64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[agentID] = ok
}

func (f *fakeTransport) messages(agentID int64) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.sent[agentID]...)
}

func (f *fakeTransport) last(t *testing.T, agentID int64) *protocol.Envelope {
	t.Helper()
	msgs := f.messages(agentID)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type fixture struct {
	store     agents.Store
	transport *fakeTransport
	manager   *Manager
	now       time.Time
}

var t0 = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, policy Policy, hooks Hooks) *fixture {
	t.Helper()
	store, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, transport: newFakeTransport(), now: t0}
	f.manager = NewManager(store, f.transport, policy, hooks)
	f.manager.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addAgent(t *testing.T, hwid string, connected bool) int64 {
	t.Helper()
	a := &agents.Agent{HardwareID: hwid, Status: agents.StatusOnline, LastSeen: t0}
	require.NoError(t, f.store.CreateAgent(context.Background(), a))
	f.transport.setConnected(a.ID, connected)
	return a.ID
}

func paid(minutes int, rate float64) StartRequest {
	return StartRequest{DurationMinutes: minutes, HourlyRate: rate}
}

func TestStart(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	s, err := f.manager.Start(ctx, id, paid(30, 120))
	require.NoError(t, err)
	assert.Equal(t, agents.SessionActive, s.Status)
	assert.Equal(t, t0, s.StartTime)

	agent, err := f.store.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agents.StatusInSession, agent.Status)

	msg := f.transport.last(t, id)
	require.Equal(t, protocol.KindSessionStart, msg.Kind)
	var payload protocol.SessionStart
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, protocol.SessionStart{SessionID: s.ID, DurationMinutes: 30, HourlyRate: 120}, payload)
}

func TestStart_Unreachable(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", false)

	_, err := f.manager.Start(ctx, id, paid(30, 100))
	assert.ErrorIs(t, err, ErrAgentUnreachable)

	_, err = f.store.GetActiveSession(ctx, id)
	assert.ErrorIs(t, err, agents.ErrNotFound)
}

func TestStart_AlreadyActive(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(30, 100))
	require.NoError(t, err)

	_, err = f.manager.Start(ctx, id, paid(10, 100))
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Len(t, f.transport.messages(id), 1)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(0, 100))
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = f.manager.Start(ctx, id, paid(10, -1))
	assert.ErrorIs(t, err, ErrInvalidTariff)
	_, err = f.manager.Start(ctx, id, paid(MaxDurationMinutes+1, 100))
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = f.manager.Start(ctx, id, paid(math.MaxInt, 100))
	assert.ErrorIs(t, err, ErrInvalidDuration)

	s, err := f.manager.Start(ctx, id, StartRequest{Unlimited: true, DurationMinutes: 45})
	require.NoError(t, err)
	assert.True(t, s.Unlimited)
	assert.Zero(t, s.DurationMinutes)
}

func TestStart_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Start(ctx, id, paid(30, 100)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrSessionActive)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStart_AutoMonitor(t *testing.T) {
	policy := DefaultPolicy()
	policy.AutoMonitorOnStart = true
	policy.AlertVolume = 65
	f := newFixture(t, policy, Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(30, 100))
	require.NoError(t, err)

	msgs := f.transport.messages(id)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.KindSessionStart, msgs[0].Kind)
	assert.Equal(t, protocol.KindMonitorToggle, msgs[1].Kind)

	var toggle protocol.MonitorToggle
	require.NoError(t, msgs[1].Decode(&toggle))
	assert.Equal(t, protocol.MonitorToggle{Enabled: true, AlertVolume: 65}, toggle)
}

func TestStart_AutoMonitorFailureKeepsSession(t *testing.T) {
	policy := DefaultPolicy()
	policy.AutoMonitorOnStart = true
	hooks := Hooks{ToggleMonitor: func(ctx context.Context, agentID int64, enabled bool) error {
		return errors.New("monitor offline")
	}}
	f := newFixture(t, policy, hooks)
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	s, err := f.manager.Start(ctx, id, paid(30, 100))
	require.NoError(t, err)

	active, err := f.store.GetActiveSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)
}

func TestStart_SendFailureKeepsSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)
	f.transport.sendErr = errors.New("queue full")

	_, err := f.manager.Start(ctx, id, paid(30, 100))
	require.NoError(t, err)

	_, err = f.store.GetActiveSession(ctx, id)
	assert.NoError(t, err)
}

func TestStop_SettlesCost(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(120, 100))
	require.NoError(t, err)

	f.now = t0.Add(90*time.Minute + 30*time.Second)
	s, err := f.manager.Stop(ctx, id, protocol.ReasonManual)
	require.NoError(t, err)

	assert.Equal(t, agents.SessionCompleted, s.Status)
	require.NotNil(t, s.ActualDuration)
	assert.Equal(t, 90, *s.ActualDuration)
	assert.InDelta(t, 150.0, s.Cost, 1e-9)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, f.now, *s.EndTime)

	agent, err := f.store.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agents.StatusOnline, agent.Status)

	msg := f.transport.last(t, id)
	require.Equal(t, protocol.KindSessionStop, msg.Kind)
	var payload protocol.SessionStop
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, protocol.SessionStop{Reason: "manual", ActualDurationMinutes: 90, Cost: 150}, payload)
}

func TestStop_FreeMode(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, StartRequest{DurationMinutes: 60, HourlyRate: 100, FreeMode: true})
	require.NoError(t, err)

	f.now = t0.Add(45 * time.Minute)
	s, err := f.manager.Stop(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, 45, *s.ActualDuration)
	assert.Zero(t, s.Cost)
}

func TestStop_ClockWentBackwards(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(60, 100))
	require.NoError(t, err)

	f.now = t0.Add(-3 * time.Minute)
	s, err := f.manager.Stop(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, 0, *s.ActualDuration)
	assert.Zero(t, s.Cost)
}

func TestStop_Disconnected(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(60, 100))
	require.NoError(t, err)
	f.transport.setConnected(id, false)

	f.now = t0.Add(10 * time.Minute)
	_, err = f.manager.Stop(ctx, id, "")
	require.NoError(t, err)

	assert.Len(t, f.transport.messages(id), 1)
	agent, err := f.store.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agents.StatusOffline, agent.Status)
}

func TestStop_NoActiveSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Stop(context.Background(), id, "")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.manager.Stop(context.Background(), 999, "")
	assert.ErrorIs(t, err, agents.ErrNotFound)
}

func TestExtend_ResetsFromNow(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(60, 100))
	require.NoError(t, err)

	f.now = t0.Add(40 * time.Minute)
	s, err := f.manager.Extend(ctx, id, 30)
	require.NoError(t, err)
	assert.Equal(t, f.now, s.StartTime)
	assert.Equal(t, 30, s.DurationMinutes)

	view, err := f.manager.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1800, view.Reading.RemainingSeconds)
	assert.Equal(t, 30, view.Reading.RemainingMinutes)

	msg := f.transport.last(t, id)
	require.Equal(t, protocol.KindSessionTimeUpdate, msg.Kind)
	var payload protocol.SessionTimeUpdate
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, protocol.SessionTimeUpdate{NewDurationMinutes: 30, Reason: "admin_update"}, payload)
}

func TestExtend_Errors(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Extend(ctx, id, 30)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.manager.Extend(ctx, id, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = f.manager.Extend(ctx, id, MaxDurationMinutes+1)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = f.manager.Start(ctx, id, StartRequest{Unlimited: true})
	require.NoError(t, err)
	_, err = f.manager.Extend(ctx, id, 30)
	assert.ErrorIs(t, err, ErrUnlimitedSession)
}

func TestExtend_MaxDuration(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(MaxDurationMinutes, 100))
	require.NoError(t, err)

	s, err := f.manager.Extend(ctx, id, MaxDurationMinutes)
	require.NoError(t, err)
	assert.Equal(t, MaxDurationMinutes, s.DurationMinutes)

	view, err := f.manager.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MaxDurationMinutes*60, view.Reading.RemainingSeconds)
}

func TestSyncSession_ReplaysActiveSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	s, err := f.manager.Start(ctx, id, paid(60, 100))
	require.NoError(t, err)

	// Extended while the agent was away.
	f.transport.setConnected(id, false)
	f.now = t0.Add(20 * time.Minute)
	_, err = f.manager.Extend(ctx, id, 90)
	require.NoError(t, err)

	f.now = t0.Add(25 * time.Minute)
	env, err := f.manager.SyncSession(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, protocol.KindSessionStart, env.Kind)

	var start protocol.SessionStart
	require.NoError(t, env.Decode(&start))
	assert.Equal(t, protocol.SessionStart{
		SessionID:       s.ID,
		DurationMinutes: 90,
		HourlyRate:      100,
		Resumed:         true,
		ElapsedSeconds:  300,
	}, start)
}

func TestSyncSession_StopsSessionClosedWhileAway(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, paid(120, 100))
	require.NoError(t, err)

	f.transport.setConnected(id, false)
	f.now = t0.Add(30 * time.Minute)
	settled, err := f.manager.Stop(ctx, id, "")
	require.NoError(t, err)
	assert.Len(t, f.transport.messages(id), 1, "nothing sent while disconnected")

	env, err := f.manager.SyncSession(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, protocol.KindSessionStop, env.Kind)

	var stop protocol.SessionStop
	require.NoError(t, env.Decode(&stop))
	assert.Equal(t, protocol.ReasonResync, stop.Reason)
	assert.Equal(t, *settled.ActualDuration, stop.ActualDurationMinutes)
	assert.InDelta(t, settled.Cost, stop.Cost, 0.001)

	// An idle agent with no session is already in step.
	env, err = f.manager.SyncSession(ctx, id, false)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestRetariff(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	_, err := f.manager.Start(ctx, id, StartRequest{DurationMinutes: 60, FreeMode: true})
	require.NoError(t, err)

	f.now = t0.Add(20 * time.Minute)
	s, err := f.manager.Retariff(ctx, id, false, 200)
	require.NoError(t, err)
	assert.Equal(t, t0, s.StartTime)
	assert.Equal(t, 60, s.DurationMinutes)
	assert.False(t, s.FreeMode)
	assert.InDelta(t, 200.0, s.HourlyRate, 1e-9)

	msg := f.transport.last(t, id)
	assert.Equal(t, protocol.KindSessionTariffUpdate, msg.Kind)

	_, err = f.manager.Retariff(ctx, id, false, -5)
	assert.ErrorIs(t, err, ErrInvalidTariff)

	f.now = t0.Add(30 * time.Minute)
	stopped, err := f.manager.Stop(ctx, id, "")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stopped.Cost, 1e-9)
}

func TestUnlockShutdown(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	online := f.addAgent(t, "hw-1", true)
	offline := f.addAgent(t, "hw-2", false)

	require.NoError(t, f.manager.Unlock(ctx, online))
	assert.Equal(t, protocol.KindUnlock, f.transport.last(t, online).Kind)
	require.NoError(t, f.manager.Shutdown(ctx, online))
	assert.Equal(t, protocol.KindShutdown, f.transport.last(t, online).Kind)

	assert.ErrorIs(t, f.manager.Unlock(ctx, offline), ErrAgentUnreachable)
	assert.ErrorIs(t, f.manager.Shutdown(ctx, offline), ErrAgentUnreachable)

	f.transport.sendErr = errors.New("timeout")
	assert.ErrorIs(t, f.manager.Unlock(ctx, online), ErrAgentUnreachable)
}

func TestBroadcastCredentialUpdate(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	a := f.addAgent(t, "hw-1", true)
	b := f.addAgent(t, "hw-2", true)
	f.addAgent(t, "hw-3", false)

	_, err := f.manager.CredentialHash(ctx)
	assert.ErrorIs(t, err, agents.ErrNotFound)

	sent, err := f.manager.BroadcastCredentialUpdate(ctx, "$2a$10$abc")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, protocol.KindPasswordUpdate, f.transport.last(t, a).Kind)
	assert.Equal(t, protocol.KindPasswordUpdate, f.transport.last(t, b).Kind)

	hash, err := f.manager.CredentialHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$abc", hash)

	_, err = f.manager.BroadcastCredentialUpdate(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyCredential)
}

func TestHandleStopRequest(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	id := f.addAgent(t, "hw-1", true)

	assert.NoError(t, f.manager.HandleStopRequest(ctx, id, protocol.ReasonUserRequest))

	_, err := f.manager.Start(ctx, id, paid(30, 100))
	require.NoError(t, err)
	require.NoError(t, f.manager.HandleStopRequest(ctx, id, protocol.ReasonUserRequest))

	msg := f.transport.last(t, id)
	var payload protocol.SessionStop
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "user_request", payload.Reason)
}

func TestHandleInstallationAlert(t *testing.T) {
	var got []string
	hooks := Hooks{Alert: func(ctx context.Context, agentID int64, alert protocol.InstallationAlert) {
		got = append(got, alert.Reason)
	}}
	f := newFixture(t, DefaultPolicy(), hooks)

	f.manager.HandleInstallationAlert(context.Background(), 1, protocol.InstallationAlert{Reason: "msiexec"})
	assert.Equal(t, []string{"msiexec"}, got)
}

func TestBulk(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	a := f.addAgent(t, "hw-1", true)
	b := f.addAgent(t, "hw-2", false)
	c := f.addAgent(t, "hw-3", true)

	started, err := f.manager.StartMany(ctx, []int64{a, b, c}, paid(30, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Len(t, started, 2)

	stopped, err := f.manager.StopMany(ctx, []int64{a, b, c}, "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Len(t, stopped, 2)

	_, err = f.manager.StartMany(ctx, []int64{a, c}, paid(30, 100))
	assert.NoError(t, err)
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), Hooks{})
	ctx := context.Background()
	a := f.addAgent(t, "hw-1", true)
	b := f.addAgent(t, "hw-2", true)

	_, err := f.manager.Start(ctx, a, paid(30, 120))
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, b, StartRequest{Unlimited: true, HourlyRate: 60})
	require.NoError(t, err)

	f.now = t0.Add(26*time.Minute + 30*time.Second)
	views, err := f.manager.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, a, views[0].Session.AgentID)
	assert.False(t, views[0].Reading.Finished)
	assert.Equal(t, 3, views[0].Reading.RemainingMinutes)
	assert.Equal(t, 210, views[0].Reading.RemainingSeconds)
	// 26.5 minutes bill as 30 at 5 minute rounding.
	assert.InDelta(t, 60.0, views[0].EstimatedCost, 1e-9)

	assert.True(t, views[1].Reading.Unlimited)
	assert.InDelta(t, 30.0, views[1].EstimatedCost, 1e-9)

	_, err = f.manager.Snapshot(ctx, 12345)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}
