// Package sessions owns the session state machine on the coordinator:
// start, extend, retariff and stop, each committed in one store transaction
// before the matching command is sent to the agent.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/clock"
	"github.com/liblocker/liblocker/internal/protocol"
)

var (
	ErrAgentUnreachable = errors.New("agent is not connected")
	ErrNoActiveSession  = errors.New("agent has no active session")
	ErrSessionActive    = errors.New("agent already has an active session")
	ErrUnlimitedSession = errors.New("session is unlimited")
	ErrInvalidDuration  = fmt.Errorf("duration must be between 1 and %d minutes", MaxDurationMinutes)
	ErrInvalidTariff    = errors.New("hourly rate must not be negative")
	ErrEmptyCredential  = errors.New("credential hash is empty")
)

// MaxDurationMinutes bounds a single allocation to one week.
const MaxDurationMinutes = 7 * 24 * 60

// Transport delivers commands to connected agents. Implemented by the
// coordinator's connection registry.
type Transport interface {
	Connected(agentID int64) bool
	Send(ctx context.Context, agentID int64, env *protocol.Envelope) error
	Broadcast(ctx context.Context, env *protocol.Envelope) (int, error)
}

type Policy struct {
	DefaultHourlyRate  float64 `mapstructure:"default_hourly_rate"`
	FreeMode           bool    `mapstructure:"free_mode"`
	RoundingMinutes    int     `mapstructure:"rounding_minutes"`
	WarningMinutes     int     `mapstructure:"warning_minutes"`
	AutoMonitorOnStart bool    `mapstructure:"auto_monitor_on_start"`
	AlertVolume        int     `mapstructure:"alert_volume"`
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultHourlyRate: 100,
		FreeMode:          true,
		RoundingMinutes:   5,
		WarningMinutes:    5,
		AlertVolume:       80,
	}
}

// Hooks are optional collaborators invoked after a committed change.
type Hooks struct {
	// ToggleMonitor switches the installation monitor on an agent. Called
	// by Manager.ToggleMonitor and after Start when Policy.AutoMonitorOnStart is set.
	ToggleMonitor func(ctx context.Context, agentID int64, enabled bool) error
	// Alert receives installation alerts raised by agents.
	Alert func(ctx context.Context, agentID int64, alert protocol.InstallationAlert)
}

type StartRequest struct {
	DurationMinutes int
	Unlimited       bool
	HourlyRate      float64
	FreeMode        bool
}

func (r StartRequest) validate() error {
	if r.HourlyRate < 0 {
		return ErrInvalidTariff
	}
	if !r.Unlimited && !validDuration(r.DurationMinutes) {
		return ErrInvalidDuration
	}
	return nil
}

func validDuration(minutes int) bool {
	return minutes > 0 && minutes <= MaxDurationMinutes
}

// View is an active session together with its clock reading.
type View struct {
	Session       agents.Session
	Reading       clock.Reading
	EstimatedCost float64
}

type Manager struct {
	store     agents.Store
	transport Transport
	policy    Policy
	hooks     Hooks
	now       func() time.Time
}

func NewManager(store agents.Store, transport Transport, policy Policy, hooks Hooks) *Manager {
	m := &Manager{
		store:     store,
		transport: transport,
		policy:    policy,
		hooks:     hooks,
		now:       time.Now,
	}
	if m.hooks.ToggleMonitor == nil {
		m.hooks.ToggleMonitor = m.sendMonitorToggle
	}
	if m.hooks.Alert == nil {
		m.hooks.Alert = logAlert
	}
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// DefaultStartRequest fills the tariff fields from the policy.
func (m *Manager) DefaultStartRequest(durationMinutes int, unlimited bool) StartRequest {
	return StartRequest{
		DurationMinutes: durationMinutes,
		Unlimited:       unlimited,
		HourlyRate:      m.policy.DefaultHourlyRate,
		FreeMode:        m.policy.FreeMode,
	}
}

// Start opens a session on a connected agent.
func (m *Manager) Start(ctx context.Context, agentID int64, req StartRequest) (*agents.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Unlimited {
		req.DurationMinutes = 0
	}
	if !m.transport.Connected(agentID) {
		return nil, fmt.Errorf("%w: %d", ErrAgentUnreachable, agentID)
	}

	var session *agents.Session
	err := m.store.WithTx(ctx, func(tx agents.Tx) error {
		if _, err := tx.LockAgent(ctx, agentID); err != nil {
			return err
		}

		if _, err := tx.GetActiveSession(ctx, agentID); err == nil {
			return ErrSessionActive
		} else if !errors.Is(err, agents.ErrNotFound) {
			return err
		}

		now := m.now()
		s := &agents.Session{
			AgentID:         agentID,
			StartTime:       now,
			DurationMinutes: req.DurationMinutes,
			Unlimited:       req.Unlimited,
			HourlyRate:      req.HourlyRate,
			FreeMode:        req.FreeMode,
			Status:          agents.SessionActive,
		}
		if err := tx.CreateSession(ctx, s); err != nil {
			if errors.Is(err, agents.ErrConflict) {
				return ErrSessionActive
			}
			return err
		}
		if err := tx.SetAgentStatus(ctx, agentID, agents.StatusInSession, now); err != nil {
			return err
		}

		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start session for agent %d: %w", agentID, err)
	}

	slog.Info("Session started",
		"agent_id", agentID,
		"session_id", session.ID,
		"duration_minutes", session.DurationMinutes,
		"unlimited", session.Unlimited,
		"hourly_rate", session.HourlyRate,
		"free_mode", session.FreeMode)

	m.notify(ctx, agentID, protocol.KindSessionStart, protocol.SessionStart{
		SessionID:       session.ID,
		DurationMinutes: session.DurationMinutes,
		IsUnlimited:     session.Unlimited,
		HourlyRate:      session.HourlyRate,
		FreeMode:        session.FreeMode,
	})

	if m.policy.AutoMonitorOnStart {
		if err := m.hooks.ToggleMonitor(ctx, agentID, true); err != nil {
			slog.Error("Failed to enable installation monitor", "agent_id", agentID, "error", err)
		}
	}

	return session, nil
}

// Stop settles and closes the active session of an agent. The agent need not
// be connected.
func (m *Manager) Stop(ctx context.Context, agentID int64, reason string) (*agents.Session, error) {
	if reason == "" {
		reason = protocol.ReasonManual
	}
	connected := m.transport.Connected(agentID)

	var session *agents.Session
	err := m.store.WithTx(ctx, func(tx agents.Tx) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		s, err := activeSession(ctx, tx, agentID)
		if err != nil {
			return err
		}

		now := m.now()
		minutes := clock.ElapsedMinutes(s.StartTime, now)
		if minutes < 0 {
			slog.Warn("Negative session duration clamped to zero",
				"agent_id", agentID, "session_id", s.ID, "minutes", minutes)
		}
		if s.HourlyRate < 0 {
			slog.Warn("Negative hourly rate clamped to zero",
				"agent_id", agentID, "session_id", s.ID, "hourly_rate", s.HourlyRate)
		}
		actual := max(0, minutes)

		s.Status = agents.SessionCompleted
		s.EndTime = &now
		s.ActualDuration = &actual
		s.Cost = clock.SettleCost(minutes, s.HourlyRate, s.FreeMode)
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}

		status, lastSeen := agents.StatusOffline, agent.LastSeen
		if connected {
			status, lastSeen = agents.StatusOnline, now
		}
		if agent.Status == agents.StatusBlocked {
			status = agents.StatusBlocked
		}
		if err := tx.SetAgentStatus(ctx, agentID, status, lastSeen); err != nil {
			return err
		}

		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stop session for agent %d: %w", agentID, err)
	}

	slog.Info("Session stopped",
		"agent_id", agentID,
		"session_id", session.ID,
		"reason", reason,
		"actual_minutes", *session.ActualDuration,
		"cost", session.Cost)

	if m.transport.Connected(agentID) {
		m.notify(ctx, agentID, protocol.KindSessionStop, protocol.SessionStop{
			Reason:                reason,
			ActualDurationMinutes: *session.ActualDuration,
			Cost:                  session.Cost,
		})
	}

	return session, nil
}

// Extend replaces the allocation of a bounded session. The countdown restarts
// from now: the new duration is the time remaining, not an addition.
func (m *Manager) Extend(ctx context.Context, agentID int64, newDurationMinutes int) (*agents.Session, error) {
	if !validDuration(newDurationMinutes) {
		return nil, ErrInvalidDuration
	}

	var session *agents.Session
	err := m.store.WithTx(ctx, func(tx agents.Tx) error {
		if _, err := tx.LockAgent(ctx, agentID); err != nil {
			return err
		}
		s, err := activeSession(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if s.Unlimited {
			return ErrUnlimitedSession
		}

		s.StartTime = m.now()
		s.DurationMinutes = newDurationMinutes
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extend session for agent %d: %w", agentID, err)
	}

	slog.Info("Session time updated",
		"agent_id", agentID,
		"session_id", session.ID,
		"new_duration_minutes", newDurationMinutes)

	if m.transport.Connected(agentID) {
		m.notify(ctx, agentID, protocol.KindSessionTimeUpdate, protocol.SessionTimeUpdate{
			NewDurationMinutes: newDurationMinutes,
			Reason:             protocol.ReasonAdminUpdate,
		})
	}

	return session, nil
}

// Retariff changes the billing fields of the active session. Timing is untouched.
func (m *Manager) Retariff(ctx context.Context, agentID int64, freeMode bool, hourlyRate float64) (*agents.Session, error) {
	if hourlyRate < 0 {
		return nil, ErrInvalidTariff
	}

	var session *agents.Session
	err := m.store.WithTx(ctx, func(tx agents.Tx) error {
		if _, err := tx.LockAgent(ctx, agentID); err != nil {
			return err
		}
		s, err := activeSession(ctx, tx, agentID)
		if err != nil {
			return err
		}

		s.FreeMode = freeMode
		s.HourlyRate = hourlyRate
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retariff session for agent %d: %w", agentID, err)
	}

	slog.Info("Session tariff updated",
		"agent_id", agentID,
		"session_id", session.ID,
		"free_mode", freeMode,
		"hourly_rate", hourlyRate)

	if m.transport.Connected(agentID) {
		m.notify(ctx, agentID, protocol.KindSessionTariffUpdate, protocol.SessionTariffUpdate{
			FreeMode:   freeMode,
			HourlyRate: hourlyRate,
		})
	}

	return session, nil
}

func (m *Manager) Unlock(ctx context.Context, agentID int64) error {
	return m.command(ctx, agentID, protocol.KindUnlock, nil)
}

func (m *Manager) Shutdown(ctx context.Context, agentID int64) error {
	return m.command(ctx, agentID, protocol.KindShutdown, nil)
}

// ToggleMonitor switches the installation monitor of a connected agent.
func (m *Manager) ToggleMonitor(ctx context.Context, agentID int64, enabled bool) error {
	return m.hooks.ToggleMonitor(ctx, agentID, enabled)
}

func (m *Manager) sendMonitorToggle(ctx context.Context, agentID int64, enabled bool) error {
	return m.command(ctx, agentID, protocol.KindMonitorToggle, protocol.MonitorToggle{
		Enabled:     enabled,
		AlertVolume: m.policy.AlertVolume,
	})
}

// BroadcastCredentialUpdate persists the operator credential hash and pushes
// it to every connected agent. Agents registering later receive it on ack.
func (m *Manager) BroadcastCredentialUpdate(ctx context.Context, hash string) (int, error) {
	if hash == "" {
		return 0, ErrEmptyCredential
	}
	if err := m.store.PutSetting(ctx, agents.SettingAdminPasswordHash, hash); err != nil {
		return 0, fmt.Errorf("persist credential hash: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.KindPasswordUpdate, protocol.PasswordUpdate{AdminPasswordHash: hash})
	if err != nil {
		return 0, err
	}
	// Agents that miss the broadcast receive the hash on their next register.
	sent, err := m.transport.Broadcast(ctx, env)
	if err != nil {
		slog.Warn("Credential update not delivered to every agent", "sent", sent, "error", err)
		return sent, nil
	}
	slog.Info("Credential update broadcast", "sent", sent)
	return sent, nil
}

func (m *Manager) CredentialHash(ctx context.Context) (string, error) {
	return m.store.GetSetting(ctx, agents.SettingAdminPasswordHash)
}

// SyncSession builds the message that brings a re-registering agent in line
// with the store. An active session is replayed as a resumed start with its
// elapsed time; an agent that still runs a session the store has closed gets
// a stop carrying the settled figures. It returns nil when nothing is owed.
func (m *Manager) SyncSession(ctx context.Context, agentID int64, agentInSession bool) (*protocol.Envelope, error) {
	s, err := m.store.GetActiveSession(ctx, agentID)
	switch {
	case err == nil:
		elapsed := int(m.now().Sub(s.StartTime) / time.Second)
		return protocol.NewEnvelope(protocol.KindSessionStart, protocol.SessionStart{
			SessionID:       s.ID,
			DurationMinutes: s.DurationMinutes,
			IsUnlimited:     s.Unlimited,
			HourlyRate:      s.HourlyRate,
			FreeMode:        s.FreeMode,
			Resumed:         true,
			ElapsedSeconds:  max(0, elapsed),
		})
	case !errors.Is(err, agents.ErrNotFound):
		return nil, fmt.Errorf("load active session for agent %d: %w", agentID, err)
	}

	if !agentInSession {
		return nil, nil
	}

	stop := protocol.SessionStop{Reason: protocol.ReasonResync}
	history, err := m.store.ListAgentSessions(ctx, agentID, 1)
	if err != nil {
		slog.Warn("Session history unavailable for resync", "agent_id", agentID, "error", err)
	} else if len(history) > 0 && history[0].ActualDuration != nil {
		stop.ActualDurationMinutes = *history[0].ActualDuration
		stop.Cost = history[0].Cost
	}
	return protocol.NewEnvelope(protocol.KindSessionStop, stop)
}

// HandleStopRequest closes the session on behalf of the agent's user.
func (m *Manager) HandleStopRequest(ctx context.Context, agentID int64, reason string) error {
	_, err := m.Stop(ctx, agentID, reason)
	if errors.Is(err, ErrNoActiveSession) {
		slog.Warn("Stop requested without an active session", "agent_id", agentID)
		return nil
	}
	return err
}

func (m *Manager) HandleInstallationAlert(ctx context.Context, agentID int64, alert protocol.InstallationAlert) {
	m.hooks.Alert(ctx, agentID, alert)
}

// StartMany starts a session on every agent in ids. Failures do not stop the
// remaining starts; they are joined into the returned error.
func (m *Manager) StartMany(ctx context.Context, ids []int64, req StartRequest) ([]*agents.Session, error) {
	var (
		started []*agents.Session
		errs    []error
	)
	for _, id := range ids {
		s, err := m.Start(ctx, id, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		started = append(started, s)
	}
	return started, errors.Join(errs...)
}

// StopMany stops the active session of every agent in ids.
func (m *Manager) StopMany(ctx context.Context, ids []int64, reason string) ([]*agents.Session, error) {
	var (
		stopped []*agents.Session
		errs    []error
	)
	for _, id := range ids {
		s, err := m.Stop(ctx, id, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stopped = append(stopped, s)
	}
	return stopped, errors.Join(errs...)
}

// Snapshot returns the active session of an agent with its clock reading.
func (m *Manager) Snapshot(ctx context.Context, agentID int64) (*View, error) {
	s, err := activeSession(ctx, m.store, agentID)
	if err != nil {
		return nil, err
	}
	v := m.view(*s)
	return &v, nil
}

func (m *Manager) ActiveSessions(ctx context.Context) ([]View, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, len(sessions))
	for i, s := range sessions {
		views[i] = m.view(s)
	}
	return views, nil
}

func (m *Manager) view(s agents.Session) View {
	reading := s.Reading(m.now())
	return View{
		Session:       s,
		Reading:       reading,
		EstimatedCost: clock.EstimateCost(reading.Elapsed, s.HourlyRate, s.FreeMode, m.policy.RoundingMinutes),
	}
}

func (m *Manager) command(ctx context.Context, agentID int64, kind protocol.Kind, payload any) error {
	if !m.transport.Connected(agentID) {
		return fmt.Errorf("%w: %d", ErrAgentUnreachable, agentID)
	}
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	if err := m.transport.Send(ctx, agentID, env); err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	slog.Info("Command sent", "agent_id", agentID, "kind", kind)
	return nil
}

// notify sends a post-commit message. A failure leaves the committed state in
// place; the agent picks it up from the next command or operator action.
func (m *Manager) notify(ctx context.Context, agentID int64, kind protocol.Kind, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		slog.Error("Failed to build message", "agent_id", agentID, "kind", kind, "error", err)
		return
	}
	if err := m.transport.Send(ctx, agentID, env); err != nil {
		slog.Error("Failed to deliver message", "agent_id", agentID, "kind", kind, "error", err)
	}
}

func activeSession(ctx context.Context, q agents.Tx, agentID int64) (*agents.Session, error) {
	s, err := q.GetActiveSession(ctx, agentID)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	return s, err
}

func logAlert(ctx context.Context, agentID int64, alert protocol.InstallationAlert) {
	slog.Error("Installation alert", "agent_id", agentID, "reason", alert.Reason, "timestamp", alert.Timestamp)
}
