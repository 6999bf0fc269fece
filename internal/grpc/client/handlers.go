package client

import (
	"context"
	"log/slog"

	"github.com/liblocker/liblocker/internal/clock"
	"github.com/liblocker/liblocker/internal/protocol"
)

// Hooks connect coordinator commands to the agent's local effects (lock
// screen, power management, installation monitor). Nil hooks are skipped.
type Hooks struct {
	OnSessionStart   func(SessionState)
	OnSessionStop    func(protocol.SessionStop)
	OnTimeUpdate     func(SessionState)
	OnTariffUpdate   func(SessionState)
	OnUnlock         func()
	OnShutdown       func()
	OnMonitorToggle  func(protocol.MonitorToggle)
	OnWarning        func(clock.Reading)
	OnFinished       func()
	OnPasswordUpdate func()
}

func (c *Client) registerHandlers() {
	c.dispatcher.Handle(protocol.KindAck, c.handleAck)
	c.dispatcher.Handle(protocol.KindPing, c.handlePing)
	c.dispatcher.Handle(protocol.KindPong, func(context.Context, *protocol.Envelope) error { return nil })
	c.dispatcher.Handle(protocol.KindSessionStart, c.handleSessionStart)
	c.dispatcher.Handle(protocol.KindSessionStop, c.handleSessionStop)
	c.dispatcher.Handle(protocol.KindSessionTimeUpdate, c.handleTimeUpdate)
	c.dispatcher.Handle(protocol.KindSessionTariffUpdate, c.handleTariffUpdate)
	c.dispatcher.Handle(protocol.KindPasswordUpdate, c.handlePasswordUpdate)
	c.dispatcher.Handle(protocol.KindUnlock, c.handleUnlock)
	c.dispatcher.Handle(protocol.KindShutdown, c.handleShutdown)
	c.dispatcher.Handle(protocol.KindMonitorToggle, c.handleMonitorToggle)
}

func (c *Client) handleAck(_ context.Context, env *protocol.Envelope) error {
	var ack protocol.Ack
	if err := env.Decode(&ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.agentID = ack.AgentID
	c.mu.Unlock()

	slog.Info("Registration acknowledged", "agent_id", ack.AgentID, "status", ack.Status)
	if c.state.Get().AgentID != ack.AgentID {
		return c.state.Update(func(s *State) { s.AgentID = ack.AgentID })
	}
	return nil
}

func (c *Client) handlePing(ctx context.Context, _ *protocol.Envelope) error {
	pong, err := protocol.NewEnvelope(protocol.KindPong, nil)
	if err != nil {
		return err
	}
	return c.Send(ctx, pong)
}

func (c *Client) handleSessionStart(_ context.Context, env *protocol.Envelope) error {
	var start protocol.SessionStart
	if err := env.Decode(&start); err != nil {
		return err
	}

	prev := c.session.State()
	if c.session.Begin(start, c.now()) {
		state := c.session.State()
		slog.Info("Session resumed",
			"session_id", start.SessionID,
			"duration_minutes", start.DurationMinutes,
			"elapsed_seconds", start.ElapsedSeconds,
		)
		if prev.DurationMinutes != state.DurationMinutes && c.hooks.OnTimeUpdate != nil {
			c.hooks.OnTimeUpdate(state)
		}
		if (prev.FreeMode != state.FreeMode || prev.HourlyRate != state.HourlyRate) && c.hooks.OnTariffUpdate != nil {
			c.hooks.OnTariffUpdate(state)
		}
		return nil
	}
	slog.Info("Session started",
		"session_id", start.SessionID,
		"duration_minutes", start.DurationMinutes,
		"unlimited", start.IsUnlimited,
	)
	if c.hooks.OnSessionStart != nil {
		c.hooks.OnSessionStart(c.session.State())
	}
	return nil
}

func (c *Client) handleSessionStop(_ context.Context, env *protocol.Envelope) error {
	var stop protocol.SessionStop
	if err := env.Decode(&stop); err != nil {
		return err
	}

	c.session.End()
	slog.Info("Session stopped",
		"reason", stop.Reason,
		"actual_duration_minutes", stop.ActualDurationMinutes,
		"cost", stop.Cost,
	)
	if c.hooks.OnSessionStop != nil {
		c.hooks.OnSessionStop(stop)
	}
	return nil
}

func (c *Client) handleTimeUpdate(_ context.Context, env *protocol.Envelope) error {
	var update protocol.SessionTimeUpdate
	if err := env.Decode(&update); err != nil {
		return err
	}

	if !c.session.Extend(update.NewDurationMinutes, c.now()) {
		slog.Warn("Time update without a bounded session", "new_duration_minutes", update.NewDurationMinutes)
		return nil
	}
	slog.Info("Session time updated", "new_duration_minutes", update.NewDurationMinutes)
	if c.hooks.OnTimeUpdate != nil {
		c.hooks.OnTimeUpdate(c.session.State())
	}
	return nil
}

func (c *Client) handleTariffUpdate(_ context.Context, env *protocol.Envelope) error {
	var update protocol.SessionTariffUpdate
	if err := env.Decode(&update); err != nil {
		return err
	}

	if !c.session.Retariff(update.FreeMode, update.HourlyRate) {
		slog.Warn("Tariff update without an active session")
		return nil
	}
	slog.Info("Session tariff updated", "free_mode", update.FreeMode, "hourly_rate", update.HourlyRate)
	if c.hooks.OnTariffUpdate != nil {
		c.hooks.OnTariffUpdate(c.session.State())
	}
	return nil
}

func (c *Client) handlePasswordUpdate(_ context.Context, env *protocol.Envelope) error {
	var update protocol.PasswordUpdate
	if err := env.Decode(&update); err != nil {
		return err
	}
	if update.AdminPasswordHash == "" {
		return nil
	}

	if err := c.state.Update(func(s *State) { s.AdminPasswordHash = update.AdminPasswordHash }); err != nil {
		return err
	}
	slog.Info("Admin credential updated")
	if c.hooks.OnPasswordUpdate != nil {
		c.hooks.OnPasswordUpdate()
	}
	return nil
}

func (c *Client) handleUnlock(context.Context, *protocol.Envelope) error {
	slog.Info("Unlock requested by coordinator")
	if c.hooks.OnUnlock != nil {
		c.hooks.OnUnlock()
	}
	return nil
}

func (c *Client) handleShutdown(context.Context, *protocol.Envelope) error {
	slog.Info("Shutdown requested by coordinator")
	if c.hooks.OnShutdown != nil {
		c.hooks.OnShutdown()
	}
	return nil
}

func (c *Client) handleMonitorToggle(_ context.Context, env *protocol.Envelope) error {
	var toggle protocol.MonitorToggle
	if err := env.Decode(&toggle); err != nil {
		return err
	}
	slog.Info("Installation monitor toggled", "enabled", toggle.Enabled, "alert_volume", toggle.AlertVolume)
	if c.hooks.OnMonitorToggle != nil {
		c.hooks.OnMonitorToggle(toggle)
	}
	return nil
}
