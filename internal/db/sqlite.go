package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeoutMS = 5000

// SQLiteStore is an agents.Store backed by a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
	sqliteQueries
}

var _ agents.Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	cleanupOnErr := true
	defer func() {
		if cleanupOnErr {
			_ = db.Close()
		}
	}()

	// One connection serialises writers and keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		return nil, err
	}
	if err := runSQLiteMigrations(ctx, db); err != nil {
		return nil, err
	}

	cleanupOnErr = false
	return &SQLiteStore{db: db, sqliteQueries: sqliteQueries{q: db}}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == ":memory:" || strings.HasPrefix(trimmed, "file:") {
		return nil
	}
	parentDir := filepath.Dir(trimmed)
	if parentDir == "." || parentDir == "" {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create sqlite parent directory %q: %w", parentDir, err)
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx agents.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(sqliteQueries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements agents.Tx over either the database handle or an open transaction.
type sqliteQueries struct {
	q sqlQuerier
}

const sqliteAgentColumns = `id, hardware_id, name, ip_address, mac_address, status, last_seen, created_at`

const sqliteSessionColumns = `id, agent_id, start_time, end_time, duration_minutes, is_unlimited,
	hourly_rate, free_mode, status, actual_duration, cost`

func (q sqliteQueries) GetAgent(ctx context.Context, id int64) (*agents.Agent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE id = ?`, id)
	return scanSQLiteAgent(row)
}

func (q sqliteQueries) GetAgentByHardwareID(ctx context.Context, hardwareID string) (*agents.Agent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE hardware_id = ?`, hardwareID)
	return scanSQLiteAgent(row)
}

// LockAgent is a plain read: the single connection already serialises transactions.
func (q sqliteQueries) LockAgent(ctx context.Context, id int64) (*agents.Agent, error) {
	return q.GetAgent(ctx, id)
}

func (q sqliteQueries) ListAgents(ctx context.Context) ([]agents.Agent, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []agents.Agent
	for rows.Next() {
		a, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (q sqliteQueries) CreateAgent(ctx context.Context, a *agents.Agent) error {
	if a.Status == "" {
		a.Status = agents.StatusOffline
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.LastSeen.IsZero() {
		a.LastSeen = a.CreatedAt
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO agents (hardware_id, name, ip_address, mac_address, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.HardwareID, a.Name, a.IPAddress, a.MACAddress, string(a.Status),
		formatTime(a.LastSeen), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", mapSQLiteError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	a.ID = id
	return nil
}

func (q sqliteQueries) UpdateAgent(ctx context.Context, a *agents.Agent) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE agents SET name = ?, ip_address = ?, mac_address = ?, status = ?, last_seen = ?
		WHERE id = ?`,
		a.Name, a.IPAddress, a.MACAddress, string(a.Status), formatTime(a.LastSeen), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", mapSQLiteError(err))
	}
	return expectAffected(res)
}

func (q sqliteQueries) SetAgentStatus(ctx context.Context, id int64, status agents.AgentStatus, lastSeen time.Time) error {
	res, err := q.q.ExecContext(ctx, `UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), formatTime(lastSeen), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return expectAffected(res)
}

func (q sqliteQueries) DeleteAgent(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectAffected(res)
}

func (q sqliteQueries) GetSession(ctx context.Context, id int64) (*agents.Session, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSQLiteSession(row)
}

func (q sqliteQueries) GetActiveSession(ctx context.Context, agentID int64) (*agents.Session, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE agent_id = ? AND status = 'active'`, agentID)
	return scanSQLiteSession(row)
}

func (q sqliteQueries) ListActiveSessions(ctx context.Context) ([]agents.Session, error) {
	return q.listSessions(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE status = 'active' ORDER BY agent_id`)
}

func (q sqliteQueries) ListAgentSessions(ctx context.Context, agentID int64, limit int) ([]agents.Session, error) {
	return q.listSessions(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit)
}

func (q sqliteQueries) listSessions(ctx context.Context, query string, args ...any) ([]agents.Session, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []agents.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (q sqliteQueries) CreateSession(ctx context.Context, s *agents.Session) error {
	if s.Status == "" {
		s.Status = agents.SessionActive
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, start_time, end_time, duration_minutes, is_unlimited,
			hourly_rate, free_mode, status, actual_duration, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AgentID, formatTime(s.StartTime), nullableTime(s.EndTime), s.DurationMinutes, s.Unlimited,
		s.HourlyRate, s.FreeMode, string(s.Status), nullableInt(s.ActualDuration), s.Cost)
	if err != nil {
		return fmt.Errorf("create session: %w", mapSQLiteError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.ID = id
	return nil
}

func (q sqliteQueries) UpdateSession(ctx context.Context, s *agents.Session) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions SET start_time = ?, end_time = ?, duration_minutes = ?, is_unlimited = ?,
			hourly_rate = ?, free_mode = ?, status = ?, actual_duration = ?, cost = ?
		WHERE id = ? AND status = 'active'`,
		formatTime(s.StartTime), nullableTime(s.EndTime), s.DurationMinutes, s.Unlimited,
		s.HourlyRate, s.FreeMode, string(s.Status), nullableInt(s.ActualDuration), s.Cost, s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return agents.ErrSessionClosed
	}
	return nil
}

func (q sqliteQueries) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", agents.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (q sqliteQueries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*agents.Agent, error) {
	var (
		a                   agents.Agent
		status              string
		lastSeen, createdAt string
	)
	err := row.Scan(&a.ID, &a.HardwareID, &a.Name, &a.IPAddress, &a.MACAddress, &status, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agents.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Status = agents.AgentStatus(status)
	if a.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSQLiteSession(row rowScanner) (*agents.Session, error) {
	var (
		s         agents.Session
		startTime string
		endTime   sql.NullString
		status    string
		actual    sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.AgentID, &startTime, &endTime, &s.DurationMinutes, &s.Unlimited,
		&s.HourlyRate, &s.FreeMode, &status, &actual, &s.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agents.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = agents.SessionStatus(status)
	if s.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		s.EndTime = &t
	}
	if actual.Valid {
		v := int(actual.Int64)
		s.ActualDuration = &v
	}
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return agents.ErrNotFound
	}
	return nil
}

// mapSQLiteError turns UNIQUE constraint failures into agents.ErrConflict.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", agents.ErrConflict, err)
	}
	return err
}
