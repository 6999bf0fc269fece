package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liblocker/liblocker/internal/agents"
)

const pgUniqueViolation = "23505"

// PostgresStore is an agents.Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgQueries
}

var _ agents.Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgQueries: pgQueries{q: pool}}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx agents.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgQueries{q: tx})
	})
	return mapPgError(err)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgQueries implements agents.Tx over either the pool or an open transaction.
type pgQueries struct {
	q pgQuerier
}

const pgAgentColumns = `id, hardware_id, name, ip_address, mac_address, status, last_seen, created_at`

const pgSessionColumns = `id, agent_id, start_time, end_time, duration_minutes, is_unlimited,
	hourly_rate, free_mode, status, actual_duration, cost`

func (q pgQueries) GetAgent(ctx context.Context, id int64) (*agents.Agent, error) {
	return scanPgAgent(q.q.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE id = $1`, id))
}

func (q pgQueries) GetAgentByHardwareID(ctx context.Context, hardwareID string) (*agents.Agent, error) {
	return scanPgAgent(q.q.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE hardware_id = $1`, hardwareID))
}

func (q pgQueries) LockAgent(ctx context.Context, id int64) (*agents.Agent, error) {
	return scanPgAgent(q.q.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
}

func (q pgQueries) ListAgents(ctx context.Context) ([]agents.Agent, error) {
	rows, err := q.q.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []agents.Agent
	for rows.Next() {
		a, err := scanPgAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (q pgQueries) CreateAgent(ctx context.Context, a *agents.Agent) error {
	if a.Status == "" {
		a.Status = agents.StatusOffline
	}
	if a.LastSeen.IsZero() {
		a.LastSeen = time.Now()
	}

	err := q.q.QueryRow(ctx, `
		INSERT INTO agents (hardware_id, name, ip_address, mac_address, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		a.HardwareID, a.Name, a.IPAddress, a.MACAddress, string(a.Status), a.LastSeen,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", mapPgError(err))
	}
	return nil
}

func (q pgQueries) UpdateAgent(ctx context.Context, a *agents.Agent) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE agents SET name = $2, ip_address = $3, mac_address = $4, status = $5, last_seen = $6
		WHERE id = $1`,
		a.ID, a.Name, a.IPAddress, a.MACAddress, string(a.Status), a.LastSeen)
	if err != nil {
		return fmt.Errorf("update agent: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return agents.ErrNotFound
	}
	return nil
}

func (q pgQueries) SetAgentStatus(ctx context.Context, id int64, status agents.AgentStatus, lastSeen time.Time) error {
	tag, err := q.q.Exec(ctx, `UPDATE agents SET status = $2, last_seen = $3 WHERE id = $1`,
		id, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return agents.ErrNotFound
	}
	return nil
}

func (q pgQueries) DeleteAgent(ctx context.Context, id int64) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return agents.ErrNotFound
	}
	return nil
}

func (q pgQueries) GetSession(ctx context.Context, id int64) (*agents.Session, error) {
	return scanPgSession(q.q.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (q pgQueries) GetActiveSession(ctx context.Context, agentID int64) (*agents.Session, error) {
	return scanPgSession(q.q.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE agent_id = $1 AND status = 'active'`, agentID))
}

func (q pgQueries) ListActiveSessions(ctx context.Context) ([]agents.Session, error) {
	return q.listSessions(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE status = 'active' ORDER BY agent_id`)
}

func (q pgQueries) ListAgentSessions(ctx context.Context, agentID int64, limit int) ([]agents.Session, error) {
	return q.listSessions(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE agent_id = $1 ORDER BY id DESC LIMIT $2`,
		agentID, limit)
}

func (q pgQueries) listSessions(ctx context.Context, query string, args ...any) ([]agents.Session, error) {
	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []agents.Session
	for rows.Next() {
		s, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (q pgQueries) CreateSession(ctx context.Context, s *agents.Session) error {
	if s.Status == "" {
		s.Status = agents.SessionActive
	}
	err := q.q.QueryRow(ctx, `
		INSERT INTO sessions (agent_id, start_time, end_time, duration_minutes, is_unlimited,
			hourly_rate, free_mode, status, actual_duration, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		s.AgentID, s.StartTime, s.EndTime, s.DurationMinutes, s.Unlimited,
		s.HourlyRate, s.FreeMode, string(s.Status), s.ActualDuration, s.Cost,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("create session: %w", mapPgError(err))
	}
	return nil
}

func (q pgQueries) UpdateSession(ctx context.Context, s *agents.Session) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE sessions SET start_time = $2, end_time = $3, duration_minutes = $4, is_unlimited = $5,
			hourly_rate = $6, free_mode = $7, status = $8, actual_duration = $9, cost = $10
		WHERE id = $1 AND status = 'active'`,
		s.ID, s.StartTime, s.EndTime, s.DurationMinutes, s.Unlimited,
		s.HourlyRate, s.FreeMode, string(s.Status), s.ActualDuration, s.Cost)
	if err != nil {
		return fmt.Errorf("update session: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return agents.ErrSessionClosed
	}
	return nil
}

func (q pgQueries) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := q.q.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", agents.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (q pgQueries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func scanPgAgent(row pgx.Row) (*agents.Agent, error) {
	var (
		a      agents.Agent
		status string
	)
	err := row.Scan(&a.ID, &a.HardwareID, &a.Name, &a.IPAddress, &a.MACAddress, &status, &a.LastSeen, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agents.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Status = agents.AgentStatus(status)
	return &a, nil
}

func scanPgSession(row pgx.Row) (*agents.Session, error) {
	var (
		s      agents.Session
		status string
	)
	err := row.Scan(&s.ID, &s.AgentID, &s.StartTime, &s.EndTime, &s.DurationMinutes, &s.Unlimited,
		&s.HourlyRate, &s.FreeMode, &status, &s.ActualDuration, &s.Cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agents.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = agents.SessionStatus(status)
	return &s, nil
}

// mapPgError turns unique violations into agents.ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", agents.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
