package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/protocol"
)

const messageTimeout = 10 * time.Second

// AgentEvents receives the agent-originated messages that need session logic.
type AgentEvents interface {
	CredentialHash(ctx context.Context) (string, error)
	HandleStopRequest(ctx context.Context, agentID int64, reason string) error
	HandleInstallationAlert(ctx context.Context, agentID int64, alert protocol.InstallationAlert)
	// SyncSession returns the command that reconciles a re-registering agent
	// with the store, or nil when the agent is already in step.
	SyncSession(ctx context.Context, agentID int64, agentInSession bool) (*protocol.Envelope, error)
}

type StreamHandler struct {
	registry *Registry
	events   AgentEvents
}

func NewStreamHandler(registry *Registry, events AgentEvents) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		events:   events,
	}
}

func (sh *StreamHandler) HandleStream(stream protocol.StreamServer) error {
	conn := sh.registry.Open(stream)
	slog.Info("Agent connection established", "connection", conn.ID, "remote", conn.RemoteAddr)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		sh.registry.Disconnect(ctx, conn)
	}()

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go sh.receiveLoop(conn, done, errChan)
	go sh.sendLoop(conn, done, errChan)

	select {
	case err := <-errChan:
		close(done)
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-conn.Done():
		close(done)
		return nil
	}
}

func (sh *StreamHandler) receiveLoop(conn *Connection, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			env, err := conn.Stream.Recv()
			if err != nil {
				if err != io.EOF {
					slog.Error("Error receiving message", "connection", conn.ID, "error", err)
				}
				errChan <- err
				return
			}

			slog.Debug("Message received", "connection", conn.ID, "kind", env.Kind)

			ctx, cancel := context.WithTimeout(conn.ctx, messageTimeout)
			if err := sh.processMessage(ctx, conn, env); err != nil {
				slog.Error("Failed to process message", "connection", conn.ID, "kind", env.Kind, "error", err)
			}
			cancel()
		}
	}
}

func (sh *StreamHandler) sendLoop(conn *Connection, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case <-conn.Done():
			return
		case env := <-conn.SendCh:
			slog.Debug("Sending message", "connection", conn.ID, "kind", env.Kind)

			if err := conn.Stream.Send(env); err != nil {
				slog.Error("Error sending message", "connection", conn.ID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

// processMessage handles one inbound envelope. Malformed, unknown and
// misdirected messages are logged and dropped; the stream stays open.
func (sh *StreamHandler) processMessage(ctx context.Context, conn *Connection, env *protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		slog.Warn("Dropping malformed message", "connection", conn.ID, "error", err)
		return nil
	}
	if !env.Kind.Known() {
		slog.Warn("Unknown message kind", "connection", conn.ID, "kind", env.Kind)
		return nil
	}
	if !env.Kind.Direction().FromAgent() {
		slog.Warn("Unexpected message direction", "connection", conn.ID, "kind", env.Kind)
		return nil
	}

	sh.registry.Seen(conn)

	switch env.Kind {
	case protocol.KindRegister:
		var hello protocol.Register
		if err := env.Decode(&hello); err != nil {
			return err
		}
		return sh.handleRegister(ctx, conn, hello)

	case protocol.KindHeartbeat:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return err
		}
		return sh.registry.Heartbeat(ctx, conn, hb.Status)

	case protocol.KindSessionStopRequest:
		var req protocol.SessionStopRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		agentID, ok := sh.registry.AgentIDFor(conn)
		if !ok {
			slog.Warn("Stop request on unbound connection ignored", "connection", conn.ID)
			return nil
		}
		if req.Reason == "" {
			req.Reason = protocol.ReasonUserRequest
		}
		return sh.events.HandleStopRequest(ctx, agentID, req.Reason)

	case protocol.KindInstallationAlert:
		var alert protocol.InstallationAlert
		if err := env.Decode(&alert); err != nil {
			return err
		}
		agentID, ok := sh.registry.AgentIDFor(conn)
		if !ok {
			slog.Warn("Installation alert on unbound connection ignored", "connection", conn.ID)
			return nil
		}
		sh.events.HandleInstallationAlert(ctx, agentID, alert)
		return nil

	case protocol.KindPing:
		pong, err := protocol.NewEnvelope(protocol.KindPong, nil)
		if err != nil {
			return err
		}
		if err := sh.registry.SendTo(ctx, conn, pong); err != nil {
			return fmt.Errorf("failed to send pong: %w", err)
		}

	case protocol.KindPong:
		slog.Debug("Pong received", "connection", conn.ID)
	}

	return nil
}

func (sh *StreamHandler) handleRegister(ctx context.Context, conn *Connection, hello protocol.Register) error {
	agentID, regErr := sh.registry.Register(ctx, conn, hello)
	if agentID == 0 {
		return fmt.Errorf("registration failed, ack skipped: %w", regErr)
	}

	ack, err := protocol.NewEnvelope(protocol.KindAck, protocol.Ack{AgentID: agentID, Status: "registered"})
	if err != nil {
		return err
	}
	if err := sh.registry.SendTo(ctx, conn, ack); err != nil {
		return fmt.Errorf("failed to send ack: %w", err)
	}

	hash, err := sh.events.CredentialHash(ctx)
	switch {
	case errors.Is(err, agents.ErrNotFound) || (err == nil && hash == ""):
		// No credential configured yet.
	case err != nil:
		slog.Error("Failed to load credential hash", "agent_id", agentID, "error", err)
	default:
		update, err := protocol.NewEnvelope(protocol.KindPasswordUpdate, protocol.PasswordUpdate{AdminPasswordHash: hash})
		if err != nil {
			return err
		}
		if err := sh.registry.SendTo(ctx, conn, update); err != nil {
			return fmt.Errorf("failed to send credential hash: %w", err)
		}
	}

	resync, err := sh.events.SyncSession(ctx, agentID, hello.InSession)
	switch {
	case err != nil:
		slog.Error("Failed to reconcile session on register", "agent_id", agentID, "error", err)
	case resync != nil:
		if err := sh.registry.SendTo(ctx, conn, resync); err != nil {
			return fmt.Errorf("failed to send session resync: %w", err)
		}
		slog.Info("Session resync sent", "agent_id", agentID, "kind", resync.Kind)
	}

	return regErr
}
