package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/diff"
)

func createTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := OpenDB(path, DBOptions{})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER, avatar BLOB);
		CREATE TABLE notes (body TEXT);
		INSERT INTO users (id, name, age) VALUES (1, 'Ada', 36), (2, 'Linus', 28);
		INSERT INTO notes (body) VALUES ('first');
	`)
	require.NoError(t, err)
	return path
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	opts := DefaultOptions()
	opts.OpenRetryBackoff = time.Millisecond
	e := New(opts)
	t.Cleanup(func() { e.CloseAll() })
	return e
}

func TestExecuteSelect(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), path, "SELECT id, name, age FROM users ORDER BY id")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "age"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, diff.Row{"id": int64(1), "name": "Ada", "age": int64(36)}, res.Rows[0])
}

func TestExecuteWrite(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)
	ctx := context.Background()

	res, err := e.Execute(ctx, path, "UPDATE users SET age = age + 1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	assert.Empty(t, res.Rows)

	res, err = e.Execute(ctx, path, "INSERT INTO users (name) VALUES (?) RETURNING id", "Grace")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(3), res.Rows[0]["id"])
}

func TestExecuteMissingFile(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Execute(context.Background(), filepath.Join(t.TempDir(), "missing.db"), "SELECT 1")
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), "", "SELECT 1")
	assert.Error(t, err)
}

func TestExecuteNoSuchTableGivesUp(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), path, "SELECT * FROM nope")
	require.Error(t, err)
	assert.True(t, IsNoSuchTable(err))
}

func TestOnlyReadsRetryAfterOpen(t *testing.T) {
	path := createTestDB(t)
	opts := DefaultOptions()
	opts.OpenRetryBackoff = time.Minute
	e := New(opts)
	defer e.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := e.Execute(ctx, path, "DELETE FROM nope")
	require.Error(t, err)
	assert.True(t, IsNoSuchTable(err), "a write is not retried: %v", err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	calls := 0
	err = e.Tx(ctx, path, func(tx *Tx) error {
		calls++
		_, _, err := tx.Exec(ctx, "UPDATE nope SET x = 1")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsNoSuchTable(err))
	assert.Equal(t, 1, calls, "a transaction runs once")

	// A read on the still-cold handle waits for the retry backoff.
	_, err = e.Execute(ctx, path, "SELECT * FROM nope")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTables(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)

	tables, err := e.Tables(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "users"}, tables)
}

func TestColumns(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)

	cols, err := e.Columns(context.Background(), path, "users")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, diff.Column{Name: "id", Type: "INTEGER", PK: 1}, cols[0])
	assert.Equal(t, diff.Column{Name: "name", Type: "TEXT", NotNull: true}, cols[1])

	assert.Equal(t, []string{"id"}, KeyColumns(cols))

	_, err = e.Columns(context.Background(), path, "nope")
	assert.Error(t, err)
}

func TestTxRollsBackOnError(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := e.Tx(ctx, path, func(tx *Tx) error {
		n, _, err := tx.Exec(ctx, "DELETE FROM users")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		rows, err := tx.Query(ctx, "SELECT * FROM users")
		require.NoError(t, err)
		assert.Empty(t, rows)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	res, err := e.Execute(ctx, path, "SELECT COUNT(*) AS n FROM users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows[0]["n"])
}

func TestTxCommitHooks(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)
	ctx := context.Background()

	err := e.Tx(ctx, path, func(tx *Tx) error {
		_, _, err := tx.Exec(ctx, "DELETE FROM notes")
		require.NoError(t, err)
		tx.OnCommit(func() error { return errors.New("ledger down") }, nil)
		return nil
	})
	require.Error(t, err)

	res, err := e.Execute(ctx, path, "SELECT COUNT(*) AS n FROM notes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows[0]["n"])

	called := false
	err = e.Tx(ctx, path, func(tx *Tx) error {
		_, _, err := tx.Exec(ctx, "DELETE FROM notes")
		tx.OnCommit(func() error { called = true; return nil }, nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestCloseReopens(t *testing.T) {
	path := createTestDB(t)
	e := newTestExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, path, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, e.Close(path))
	require.NoError(t, e.Close(path))

	_, err = e.Execute(ctx, path, "SELECT 1")
	assert.NoError(t, err)
}

// === SQL builders ===

func TestKeyColumnsFallsBackToRowID(t *testing.T) {
	keys := KeyColumns([]diff.Column{{Name: "body", Type: "TEXT"}})
	assert.Equal(t, []string{RowID}, keys)
	assert.True(t, UsesRowID(keys))

	composite := KeyColumns([]diff.Column{{Name: "b", PK: 2}, {Name: "a", PK: 1}, {Name: "c"}})
	assert.Equal(t, []string{"a", "b"}, composite)
	assert.False(t, UsesRowID(composite))
}

func TestBuilders(t *testing.T) {
	q, args := UpdateRow("users", map[string]any{"name": "B", "age": int64(3)}, map[string]any{"id": int64(1)})
	assert.Equal(t, `UPDATE "users" SET "age" = ?, "name" = ? WHERE "id" IS ?`, q)
	assert.Equal(t, []any{int64(3), "B", int64(1)}, args)

	q, args = InsertRow(`we"ird`, map[string]any{"rowid": int64(4), "body": "x"})
	assert.Equal(t, `INSERT INTO "we""ird" ("body", rowid) VALUES (?, ?)`, q)
	assert.Equal(t, []any{"x", int64(4)}, args)

	q, _ = DeleteRow("notes", map[string]any{"rowid": int64(4)})
	assert.Equal(t, `DELETE FROM "notes" WHERE rowid IS ?`, q)

	q, _ = SelectRows("notes", nil, true)
	assert.Equal(t, `SELECT rowid AS "rowid", * FROM "notes"`, q)
}

func TestIdentity(t *testing.T) {
	id, err := Identity([]string{"id"}, diff.Row{"id": int64(1), "name": "A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1)}, id)

	_, err = Identity([]string{"id"}, diff.Row{"name": "A"})
	assert.Error(t, err)
}
