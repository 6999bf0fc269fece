package agents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrSessionClosed = errors.New("session is closed")
)

// Tx is the set of persistence operations available both inside and outside a
// transaction. Lookups return ErrNotFound when no row matches; unique
// violations surface as ErrConflict.
type Tx interface {
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	GetAgentByHardwareID(ctx context.Context, hardwareID string) (*Agent, error)
	// LockAgent reads the agent row and holds a write lock on it until the
	// surrounding transaction ends.
	LockAgent(ctx context.Context, id int64) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	SetAgentStatus(ctx context.Context, id int64, status AgentStatus, lastSeen time.Time) error
	DeleteAgent(ctx context.Context, id int64) error

	GetSession(ctx context.Context, id int64) (*Session, error)
	GetActiveSession(ctx context.Context, agentID int64) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	ListAgentSessions(ctx context.Context, agentID int64, limit int) ([]Session, error)
	CreateSession(ctx context.Context, session *Session) error
	// UpdateSession rewrites an active session. Closed sessions are immutable
	// and yield ErrSessionClosed.
	UpdateSession(ctx context.Context, session *Session) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store is the coordinator's persistent state. Calls made directly on the
// Store run in their own implicit transaction.
type Store interface {
	Tx
	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
