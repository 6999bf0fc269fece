package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/protocol"
	"google.golang.org/grpc/peer"
)

var (
	ErrNotConnected   = errors.New("agent not connected")
	ErrSendTimeout    = errors.New("timeout sending message to agent")
	ErrConnectionGone = errors.New("agent connection closed")
)

const (
	sendChannelBuffer      = 100
	sendTimeout            = 5 * time.Second
	staleConnectionTimeout = 2 * time.Minute
	cleanupInterval        = 30 * time.Second
	storeTimeout           = 5 * time.Second
)

// AgentDirectory persists agent presence. Implemented by *agents.Service.
type AgentDirectory interface {
	Register(ctx context.Context, reg agents.Registration) (*agents.Agent, error)
	Touch(ctx context.Context, agentID int64, status string) error
	MarkOffline(ctx context.Context, agentID int64) error
}

// Connection is one open agent stream. It becomes a binding once the agent
// has registered on it.
type Connection struct {
	ID         string
	RemoteAddr string
	Stream     protocol.StreamServer
	SendCh     chan *protocol.Envelope

	// Guarded by Registry.mu.
	agentID    int64
	hardwareID string
	lastSeen   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case c.SendCh <- env:
		return nil
	case <-time.After(sendTimeout):
		return ErrSendTimeout
	case <-c.ctx.Done():
		return ErrConnectionGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

type RegistryConfig struct {
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Registry maps open streams to agents. Exactly one binding exists per
// hardware id; a newer connection for the same hardware id replaces the
// older one without notifying it.
type Registry struct {
	mu             sync.RWMutex
	bindings       map[string]*Connection // hardware id -> current connection
	hardwareByConn map[string]string      // connection id -> hardware id
	agentIDs       map[string]int64       // hardware id -> agent id, survives disconnects
	hardwareByID   map[int64]string       // agent id -> hardware id

	directory    AgentDirectory
	staleTimeout time.Duration
	interval     time.Duration
	now          func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRegistry(directory AgentDirectory, cfg RegistryConfig) *Registry {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = staleConnectionTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cleanupInterval
	}

	r := &Registry{
		bindings:       make(map[string]*Connection),
		hardwareByConn: make(map[string]string),
		agentIDs:       make(map[string]int64),
		hardwareByID:   make(map[int64]string),
		directory:      directory,
		staleTimeout:   cfg.StaleTimeout,
		interval:       cfg.CleanupInterval,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	go r.cleanupStaleConnections()
	return r
}

// Open wraps a freshly accepted stream in a Connection. The connection is not
// bound to any agent until Register succeeds on it.
func (r *Registry) Open(stream protocol.StreamServer) *Connection {
	ctx, cancel := context.WithCancel(stream.Context())

	remote := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	return &Connection{
		ID:         uuid.New().String(),
		RemoteAddr: remote,
		Stream:     stream,
		SendCh:     make(chan *protocol.Envelope, sendChannelBuffer),
		lastSeen:   r.now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register persists the agent and binds conn to its hardware id. On store
// failure the binding is still installed with the cached agent id, if any;
// the returned id is 0 when none is known.
func (r *Registry) Register(ctx context.Context, conn *Connection, hello protocol.Register) (int64, error) {
	if hello.HardwareID == "" {
		return 0, errors.New("register without hardware_id")
	}

	reg := agents.Registration{
		HardwareID: hello.HardwareID,
		Name:       hello.Name,
		IPAddress:  hello.IPAddress,
		MACAddress: hello.MACAddress,
	}
	if reg.IPAddress == "" {
		reg.IPAddress = hostOf(conn.RemoteAddr)
	}

	agent, storeErr := r.directory.Register(ctx, reg)

	r.mu.Lock()
	agentID := r.agentIDs[hello.HardwareID]
	if storeErr == nil {
		agentID = agent.ID
		r.agentIDs[hello.HardwareID] = agentID
		r.hardwareByID[agentID] = hello.HardwareID
	}

	if existing, ok := r.bindings[hello.HardwareID]; ok && existing != conn {
		slog.Warn("Agent already connected, replacing connection",
			"hardware_id", hello.HardwareID,
			"agent_id", agentID,
			"old_connection", existing.ID,
			"new_connection", conn.ID)
		delete(r.hardwareByConn, existing.ID)
	}
	if prev, ok := r.hardwareByConn[conn.ID]; ok && prev != hello.HardwareID && r.bindings[prev] == conn {
		delete(r.bindings, prev)
	}

	conn.agentID = agentID
	conn.hardwareID = hello.HardwareID
	conn.lastSeen = r.now()
	r.bindings[hello.HardwareID] = conn
	r.hardwareByConn[conn.ID] = hello.HardwareID
	total := len(r.bindings)
	r.mu.Unlock()

	if storeErr != nil {
		slog.Error("Failed to persist agent registration",
			"hardware_id", hello.HardwareID,
			"agent_id", agentID,
			"error", storeErr)
		return agentID, storeErr
	}

	slog.Info("Agent registered",
		"agent_id", agentID,
		"hardware_id", hello.HardwareID,
		"connection", conn.ID,
		"total_connections", total)
	return agentID, nil
}

// Heartbeat refreshes presence for the agent bound to conn. Heartbeats on an
// unbound or replaced connection are ignored.
func (r *Registry) Heartbeat(ctx context.Context, conn *Connection, status string) error {
	r.mu.Lock()
	bound := r.isCurrentLocked(conn)
	if bound {
		conn.lastSeen = r.now()
	}
	agentID := conn.agentID
	r.mu.Unlock()

	if !bound {
		slog.Debug("Heartbeat on unbound connection ignored", "connection", conn.ID)
		return nil
	}
	if agentID == 0 {
		return nil
	}

	if err := r.directory.Touch(ctx, agentID, status); err != nil {
		slog.Error("Failed to persist heartbeat", "agent_id", agentID, "error", err)
		return err
	}
	return nil
}

// Seen refreshes the in-memory last-seen time of conn without touching the store.
func (r *Registry) Seen(conn *Connection) {
	r.mu.Lock()
	if r.isCurrentLocked(conn) {
		conn.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// Disconnect tears down conn. The binding, and the agent's online status, are
// only changed when conn is still the agent's current connection.
func (r *Registry) Disconnect(ctx context.Context, conn *Connection) {
	r.mu.Lock()
	current := r.isCurrentLocked(conn)
	if current {
		delete(r.bindings, conn.hardwareID)
	}
	delete(r.hardwareByConn, conn.ID)
	agentID := conn.agentID
	total := len(r.bindings)
	r.mu.Unlock()

	conn.cancel()

	if !current {
		slog.Debug("Stale disconnect ignored", "connection", conn.ID, "agent_id", agentID)
		return
	}

	slog.Info("Agent disconnected", "agent_id", agentID, "connection", conn.ID, "total_connections", total)
	r.markOffline(ctx, agentID)
}

func (r *Registry) markOffline(ctx context.Context, agentID int64) {
	if agentID == 0 {
		return
	}
	if err := r.directory.MarkOffline(ctx, agentID); err != nil {
		slog.Error("Failed to mark agent offline", "agent_id", agentID, "error", err)
	}
}

func (r *Registry) isCurrentLocked(conn *Connection) bool {
	hw, ok := r.hardwareByConn[conn.ID]
	return ok && r.bindings[hw] == conn
}

// Resolve returns the current connection of an agent.
func (r *Registry) Resolve(agentID int64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hw, ok := r.hardwareByID[agentID]
	if !ok {
		return nil, false
	}
	conn, ok := r.bindings[hw]
	return conn, ok
}

// Connected reports whether agentID currently has a binding.
func (r *Registry) Connected(agentID int64) bool {
	_, ok := r.Resolve(agentID)
	return ok
}

// AgentIDFor returns the agent bound to conn.
func (r *Registry) AgentIDFor(conn *Connection) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isCurrentLocked(conn) || conn.agentID == 0 {
		return 0, false
	}
	return conn.agentID, true
}

// Connections returns a snapshot of all bound connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.bindings))
	for _, c := range r.bindings {
		conns = append(conns, c)
	}
	return conns
}

// ConnectedAgentIDs lists the agent ids that currently have a binding.
func (r *Registry) ConnectedAgentIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.bindings))
	for _, c := range r.bindings {
		if c.agentID != 0 {
			ids = append(ids, c.agentID)
		}
	}
	return ids
}

// Send queues env for the agent's current connection.
func (r *Registry) Send(ctx context.Context, agentID int64, env *protocol.Envelope) error {
	conn, ok := r.Resolve(agentID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, agentID)
	}
	if err := conn.send(ctx, env); err != nil {
		return fmt.Errorf("send %s to agent %d: %w", env.Kind, agentID, err)
	}
	slog.Debug("Message queued for agent", "agent_id", agentID, "kind", env.Kind)
	return nil
}

// SendTo queues env on a specific connection, bound or not.
func (r *Registry) SendTo(ctx context.Context, conn *Connection, env *protocol.Envelope) error {
	return conn.send(ctx, env)
}

// Broadcast queues env on every bound connection and returns how many accepted it.
func (r *Registry) Broadcast(ctx context.Context, env *protocol.Envelope) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, conn := range r.Connections() {
		if err := conn.send(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.bindings {
		conn.cancel()
	}
	r.bindings = make(map[string]*Connection)
	r.hardwareByConn = make(map[string]string)
}

func (r *Registry) cleanupStaleConnections() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.removeStaleConnections()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) removeStaleConnections() {
	now := r.now()

	r.mu.Lock()
	var stale []*Connection
	for hw, conn := range r.bindings {
		if now.Sub(conn.lastSeen) > r.staleTimeout {
			slog.Warn("Removing stale connection",
				"agent_id", conn.agentID,
				"hardware_id", hw,
				"last_seen", conn.lastSeen)
			delete(r.bindings, hw)
			delete(r.hardwareByConn, conn.ID)
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		conn.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		r.markOffline(ctx, conn.agentID)
		cancel()
	}
}

func hostOf(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
