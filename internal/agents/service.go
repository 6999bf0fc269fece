package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Registration is the identity an agent reports when it connects.
type Registration struct {
	HardwareID string
	Name       string
	IPAddress  string
	MACAddress string
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// Register creates or refreshes the agent row for reg.HardwareID and marks it
// online. A concurrent first registration of the same hardware id loses the
// insert race with ErrConflict; that case is retried once as an update.
func (s *Service) Register(ctx context.Context, reg Registration) (*Agent, error) {
	if reg.HardwareID == "" {
		return nil, errors.New("hardware id is required")
	}

	agent, err := s.register(ctx, reg)
	if errors.Is(err, ErrConflict) {
		slog.Debug("Concurrent registration, retrying as update", "hardware_id", reg.HardwareID)
		agent, err = s.register(ctx, reg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	return agent, nil
}

func (s *Service) register(ctx context.Context, reg Registration) (*Agent, error) {
	var result *Agent
	err := s.store.WithTx(ctx, func(tx Tx) error {
		now := s.now()

		agent, err := tx.GetAgentByHardwareID(ctx, reg.HardwareID)
		switch {
		case errors.Is(err, ErrNotFound):
			agent = &Agent{
				HardwareID: reg.HardwareID,
				Name:       reg.Name,
				IPAddress:  reg.IPAddress,
				MACAddress: reg.MACAddress,
				Status:     StatusOnline,
				LastSeen:   now,
				CreatedAt:  now,
			}
			if err := tx.CreateAgent(ctx, agent); err != nil {
				return err
			}
			slog.Info("New agent registered", "agent_id", agent.ID, "hardware_id", reg.HardwareID)
		case err != nil:
			return err
		default:
			agent.Name = reg.Name
			agent.IPAddress = reg.IPAddress
			agent.MACAddress = reg.MACAddress
			agent.LastSeen = now
			// A reconnect during an active session keeps it in_session.
			if agent.Status != StatusInSession && agent.Status != StatusBlocked {
				agent.Status = StatusOnline
			}
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return err
			}
		}

		result = agent
		return nil
	})
	return result, err
}

// Touch records a heartbeat. The session manager owns the online/in_session
// transitions, so the reported status is only adopted when the row is offline.
func (s *Service) Touch(ctx context.Context, agentID int64, reported string) error {
	now := s.now()
	return s.store.WithTx(ctx, func(tx Tx) error {
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		status := agent.Status
		if status == StatusOffline {
			status = StatusOnline
			if st, ok := ParseAgentStatus(reported); ok && st != StatusOffline {
				status = st
			}
		}
		return tx.SetAgentStatus(ctx, agentID, status, now)
	})
}

// MarkOffline stamps last_seen and sets the agent offline.
func (s *Service) MarkOffline(ctx context.Context, agentID int64) error {
	if err := s.store.SetAgentStatus(ctx, agentID, StatusOffline, s.now()); err != nil {
		return fmt.Errorf("failed to mark agent offline: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, agentID int64) (*Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

func (s *Service) List(ctx context.Context) ([]Agent, error) {
	return s.store.ListAgents(ctx)
}

// Delete removes the agent and, by cascade, its sessions.
func (s *Service) Delete(ctx context.Context, agentID int64) error {
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	slog.Info("Agent deleted", "agent_id", agentID)
	return nil
}

// History returns the most recent sessions of an agent, newest first.
func (s *Service) History(ctx context.Context, agentID int64, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListAgentSessions(ctx, agentID, limit)
}
