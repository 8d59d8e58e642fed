// Package store provides the persistent change ledger backends for flippio.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flippio/internal/history"
	"flippio/internal/ledger"
)

// migration is one versioned step of the SQLite ledger schema. Objects
// names the tables and indexes the step creates.
type migration struct {
	version     int
	description string
	up          string
	down        string
	objects     []string
}

var migrations = []migration{
	{
		version:     1,
		description: "change_events table with per-context index",
		up: `
-- payload holds the full event document; the other columns are
-- projections used for lookups and ordering.
CREATE TABLE IF NOT EXISTS change_events (
    seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
    id                  TEXT NOT NULL UNIQUE,
    context_key         TEXT NOT NULL,
    timestamp_ns        INTEGER NOT NULL,
    table_name          TEXT NOT NULL,
    operation_type      TEXT NOT NULL,
    database_filename   TEXT NOT NULL,
    device_name         TEXT,
    app_name            TEXT,
    payload             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_events_context ON change_events(context_key, timestamp_ns, seq);
`,
		down: `
DROP INDEX IF EXISTS idx_change_events_context;
DROP TABLE IF EXISTS change_events;
`,
		objects: []string{"change_events", "idx_change_events_context"},
	},
	{
		version:     2,
		description: "timestamp index for context summaries",
		up:          `CREATE INDEX IF NOT EXISTS idx_change_events_timestamp ON change_events(timestamp_ns);`,
		down:        `DROP INDEX IF EXISTS idx_change_events_timestamp;`,
		objects:     []string{"idx_change_events_timestamp"},
	},
}

func latestVersion() int {
	return migrations[len(migrations)-1].version
}

const createVersionsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

func currentVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies every pending step, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	cur, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if cur > latestVersion() {
		return fmt.Errorf("ledger schema version %d is newer than this build (%d)", cur, latestVersion())
	}

	for _, m := range migrations {
		if m.version <= cur {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.version, time.Now().UnixNano(), m.description)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply schema version %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SchemaStatus lists applied and pending schema versions.
func (s *SQLite) SchemaStatus(ctx context.Context) (*ledger.SchemaStatus, error) {
	status := &ledger.SchemaStatus{Latest: latestVersion()}

	rows, err := s.db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, storageErr("read schema versions", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var (
			v  ledger.SchemaVersion
			ns int64
		)
		if err := rows.Scan(&v.Version, &ns, &v.Description); err != nil {
			return nil, storageErr("scan schema version", err)
		}
		v.AppliedAt = time.Unix(0, ns).UTC()
		status.Applied = append(status.Applied, v)
		applied[v.Version] = true
		status.Current = max(status.Current, v.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read schema versions", err)
	}

	for _, m := range migrations {
		if !applied[m.version] {
			status.Pending = append(status.Pending, ledger.SchemaVersion{Version: m.version, Description: m.description})
		}
	}
	return status, nil
}

// CheckSchema fails when a version is pending or an object created by an
// applied version is missing.
func (s *SQLite) CheckSchema(ctx context.Context) error {
	status, err := s.SchemaStatus(ctx)
	if err != nil {
		return err
	}
	if !status.UpToDate() {
		return fmt.Errorf("%w: ledger schema at version %d, want %d", history.ErrStorage, status.Current, status.Latest)
	}

	var missing []error
	for _, m := range migrations {
		for _, name := range m.objects {
			var n int
			err := s.db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'index') AND name = ?", name).Scan(&n)
			if err != nil {
				return storageErr("inspect schema", err)
			}
			if n == 0 {
				missing = append(missing, fmt.Errorf("missing %s (version %d)", name, m.version))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w", history.ErrStorage, errors.Join(missing...))
	}
	return nil
}

// RollbackSchema undoes every applied version above to in one transaction.
func (s *SQLite) RollbackSchema(ctx context.Context, to int) ([]ledger.SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := currentVersion(ctx, s.db)
	if err != nil {
		return nil, storageErr("rollback schema", err)
	}
	if to < 0 || to >= cur {
		return nil, fmt.Errorf("%w: cannot roll back from version %d to %d", history.ErrInvalidArgument, cur, to)
	}

	var undone []ledger.SchemaVersion
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := len(migrations) - 1; i >= 0; i-- {
			m := migrations[i]
			if m.version > cur || m.version <= to {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.down); err != nil {
				return fmt.Errorf("undo version %d: %w", m.version, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.version); err != nil {
				return fmt.Errorf("forget version %d: %w", m.version, err)
			}
			undone = append(undone, ledger.SchemaVersion{Version: m.version, Description: m.description})
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("rollback schema", err)
	}
	return undone, nil
}
