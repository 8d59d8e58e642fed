package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/ledger/ledgertest"
	"flippio/internal/metrics"
)

func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), 0)
	require.NoError(t, err)
	return s
}

// === Conformance ===

func TestSQLiteConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return createTestStore(t)
	})
}

func TestBadgerConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		b, err := OpenBadger(BadgerConfig{InMemory: true})
		require.NoError(t, err)
		return b
	})
}

// === SQLite ===

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "subdir", "nested", "ledger.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := OpenSQLite("", 0)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestCloseNilDB(t *testing.T) {
	s := &SQLite{db: nil}
	assert.NoError(t, s.Close())
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	e := ledgertest.Event("c1", "ctx_a", 0)
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSQLiteClosedIsStorageError(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	err := s.Append(context.Background(), ledgertest.Event("c1", "ctx_a", 0))
	assert.ErrorIs(t, err, history.ErrStorage)

	_, err = s.Query(context.Background(), "ctx_a", 0, 0)
	assert.ErrorIs(t, err, history.ErrStorage)
}

func TestLedgerOpenSQLite(t *testing.T) {
	l, err := ledger.Open(ledger.Config{
		Backend: ledger.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	defer l.Close()
	assert.IsType(t, &SQLite{}, l)
}

// === Migrations ===

func TestSchemaStatus(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()
	ctx := context.Background()

	status, err := s.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Current)
	assert.Equal(t, 2, status.Latest)
	assert.True(t, status.UpToDate())
	assert.Empty(t, status.Pending)
	require.Len(t, status.Applied, 2)
	assert.False(t, status.Applied[0].AppliedAt.IsZero())

	require.NoError(t, s.CheckSchema(ctx))
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), ledgertest.Event("c1", "ctx_a", 0)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	defer s.Close()
	status, err := s.SchemaStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Applied, 2)
	_, err = s.Get(context.Background(), "c1")
	assert.NoError(t, err)
}

func TestRollbackSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	ctx := context.Background()

	undone, err := s.RollbackSchema(ctx, 1)
	require.NoError(t, err)
	require.Len(t, undone, 1)
	assert.Equal(t, 2, undone[0].Version)

	status, err := s.SchemaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Current)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, 2, status.Pending[0].Version)
	assert.ErrorIs(t, s.CheckSchema(ctx), history.ErrStorage)

	_, err = s.RollbackSchema(ctx, 1)
	assert.ErrorIs(t, err, history.ErrInvalidArgument, "already at version 1")
	_, err = s.RollbackSchema(ctx, -1)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)

	undone, err = s.RollbackSchema(ctx, 0)
	require.NoError(t, err)
	require.Len(t, undone, 1)
	assert.Equal(t, 1, undone[0].Version)
	require.NoError(t, s.Close())

	// Reopening migrates forward again.
	s, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.CheckSchema(ctx))
}

func TestCheckSchemaReportsMissingObjects(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, "DROP INDEX idx_change_events_timestamp")
	require.NoError(t, err)
	err = s.CheckSchema(ctx)
	assert.ErrorIs(t, err, history.ErrStorage)
	assert.Contains(t, err.Error(), "idx_change_events_timestamp")
}

func TestAsVersioned(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	v, ok := ledger.AsVersioned(s)
	require.True(t, ok)
	assert.Same(t, s, v)

	v, ok = ledger.AsVersioned(ledger.Instrument(s, metrics.New()))
	require.True(t, ok, "decorators are unwrapped")
	assert.Same(t, s, v)

	_, ok = ledger.AsVersioned(ledger.NewMemory())
	assert.False(t, ok)
}

// === Badger ===

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, b.Append(ctx, ledgertest.Event("c1", "ctx_a", 0)))
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Append(ctx, ledgertest.Event("c2", "ctx_a", 0)))
	events, err := b.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	// Same timestamp: the later append, with a higher sequence, sorts first.
	require.Len(t, events, 2)
	assert.Equal(t, "c2", events[0].ID)
}

func TestBadgerClosed(t *testing.T) {
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, history.ErrStorage)
}

func TestBadgerEmptyPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}
