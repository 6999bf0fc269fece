package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/systemtest/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "liblocker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) agents.Store { return newSQLiteStore(t) })
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.StartPostgres(ctx, "liblocker", "liblocker", "liblocker")
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.TerminatePostgres(ctx, container) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	schemas := 0
	runStoreSuite(t, func(t *testing.T) agents.Store {
		schemas++
		schema := "test_" + string(rune('a'+schemas))
		store, err := Open(ctx, Config{Driver: DriverPostgres, Url: url, Schema: schema})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "liblocker.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.CreateAgent(ctx, &agents.Agent{HardwareID: "hw-1"}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	a, err := store.GetAgentByHardwareID(ctx, "hw-1")
	require.NoError(t, err)
	assert.Equal(t, "hw-1", a.HardwareID)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) agents.Store) {
	t.Run("AgentCRUD", func(t *testing.T) { testAgentCRUD(t, newStore(t)) })
	t.Run("HardwareIDUnique", func(t *testing.T) { testHardwareIDUnique(t, newStore(t)) })
	t.Run("OneActiveSession", func(t *testing.T) { testOneActiveSession(t, newStore(t)) })
	t.Run("ClosedSessionImmutable", func(t *testing.T) { testClosedSessionImmutable(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("ConcurrentStart", func(t *testing.T) { testConcurrentStart(t, newStore(t)) })
}

func createAgent(t *testing.T, store agents.Store, hwid string) *agents.Agent {
	t.Helper()
	a := &agents.Agent{HardwareID: hwid, Name: "pc-" + hwid, Status: agents.StatusOnline}
	require.NoError(t, store.CreateAgent(context.Background(), a))
	require.NotZero(t, a.ID)
	return a
}

func testAgentCRUD(t *testing.T, store agents.Store) {
	ctx := context.Background()
	a := createAgent(t, store, "hw-crud")

	got, err := store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "hw-crud", got.HardwareID)
	assert.Equal(t, agents.StatusOnline, got.Status)

	got.Name = "renamed"
	got.IPAddress = "10.0.0.5"
	got.MACAddress = "aa:bb:cc:dd:ee:ff"
	require.NoError(t, store.UpdateAgent(ctx, got))

	seen := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.SetAgentStatus(ctx, a.ID, agents.StatusOffline, seen))

	got, err = store.GetAgentByHardwareID(ctx, "hw-crud")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "10.0.0.5", got.IPAddress)
	assert.Equal(t, agents.StatusOffline, got.Status)
	assert.WithinDuration(t, seen, got.LastSeen, time.Millisecond)

	list, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetAgent(ctx, 9999)
	assert.ErrorIs(t, err, agents.ErrNotFound)
	assert.ErrorIs(t, store.SetAgentStatus(ctx, 9999, agents.StatusOnline, seen), agents.ErrNotFound)
	assert.ErrorIs(t, store.DeleteAgent(ctx, 9999), agents.ErrNotFound)
}

func testHardwareIDUnique(t *testing.T, store agents.Store) {
	createAgent(t, store, "hw-dup")
	err := store.CreateAgent(context.Background(), &agents.Agent{HardwareID: "hw-dup"})
	assert.ErrorIs(t, err, agents.ErrConflict)
}

func testOneActiveSession(t *testing.T, store agents.Store) {
	ctx := context.Background()
	a := createAgent(t, store, "hw-active")

	first := &agents.Session{AgentID: a.ID, StartTime: time.Now(), DurationMinutes: 30, HourlyRate: 100}
	require.NoError(t, store.CreateSession(ctx, first))

	second := &agents.Session{AgentID: a.ID, StartTime: time.Now(), DurationMinutes: 30}
	assert.ErrorIs(t, store.CreateSession(ctx, second), agents.ErrConflict)

	active, err := store.GetActiveSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, 30, active.DurationMinutes)
	assert.Nil(t, active.EndTime)
	assert.Nil(t, active.ActualDuration)

	// Closing the first session frees the slot.
	end := time.Now()
	actual := 12
	active.Status = agents.SessionCompleted
	active.EndTime = &end
	active.ActualDuration = &actual
	active.Cost = 20
	require.NoError(t, store.UpdateSession(ctx, active))

	require.NoError(t, store.CreateSession(ctx, second))

	all, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)

	history, err := store.ListAgentSessions(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	require.NotNil(t, history[1].ActualDuration)
	assert.Equal(t, 12, *history[1].ActualDuration)
	assert.InDelta(t, 20.0, history[1].Cost, 1e-9)
}

func testClosedSessionImmutable(t *testing.T, store agents.Store) {
	ctx := context.Background()
	a := createAgent(t, store, "hw-closed")

	s := &agents.Session{AgentID: a.ID, StartTime: time.Now(), DurationMinutes: 10}
	require.NoError(t, store.CreateSession(ctx, s))
	s.Status = agents.SessionCompleted
	require.NoError(t, store.UpdateSession(ctx, s))

	s.Cost = 999
	assert.ErrorIs(t, store.UpdateSession(ctx, s), agents.ErrSessionClosed)

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Cost)
}

func testDeleteCascades(t *testing.T, store agents.Store) {
	ctx := context.Background()
	a := createAgent(t, store, "hw-cascade")
	s := &agents.Session{AgentID: a.ID, StartTime: time.Now(), Unlimited: true}
	require.NoError(t, store.CreateSession(ctx, s))

	require.NoError(t, store.DeleteAgent(ctx, a.ID))

	_, err := store.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, agents.ErrNotFound)
}

func testTxRollback(t *testing.T, store agents.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx agents.Tx) error {
		if err := tx.CreateAgent(ctx, &agents.Agent{HardwareID: "hw-rollback"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetAgentByHardwareID(ctx, "hw-rollback")
	assert.ErrorIs(t, err, agents.ErrNotFound)

	err = store.WithTx(ctx, func(tx agents.Tx) error {
		a := &agents.Agent{HardwareID: "hw-commit"}
		if err := tx.CreateAgent(ctx, a); err != nil {
			return err
		}
		_, err := tx.LockAgent(ctx, a.ID)
		return err
	})
	require.NoError(t, err)

	_, err = store.GetAgentByHardwareID(ctx, "hw-commit")
	assert.NoError(t, err)
}

func testSettings(t *testing.T, store agents.Store) {
	ctx := context.Background()

	_, err := store.GetSetting(ctx, agents.SettingAdminPasswordHash)
	assert.ErrorIs(t, err, agents.ErrNotFound)

	require.NoError(t, store.PutSetting(ctx, agents.SettingAdminPasswordHash, "hash-1"))
	require.NoError(t, store.PutSetting(ctx, agents.SettingAdminPasswordHash, "hash-2"))

	v, err := store.GetSetting(ctx, agents.SettingAdminPasswordHash)
	require.NoError(t, err)
	assert.Equal(t, "hash-2", v)
}

func testConcurrentStart(t *testing.T, store agents.Store) {
	ctx := context.Background()
	a := createAgent(t, store, "hw-race")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx agents.Tx) error {
				if _, err := tx.LockAgent(ctx, a.ID); err != nil {
					return err
				}
				if _, err := tx.GetActiveSession(ctx, a.ID); err == nil {
					return agents.ErrConflict
				}
				return tx.CreateSession(ctx, &agents.Session{AgentID: a.ID, StartTime: time.Now(), DurationMinutes: 5})
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
