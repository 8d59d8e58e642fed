package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/query"
)

func init() {
	ledger.Register(ledger.BackendSQLite, func(cfg ledger.Config) (ledger.Ledger, error) {
		return OpenSQLite(cfg.Path, cfg.BusyTimeout)
	})
}

// SQLite is a change ledger persisted in a SQLite database.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

var (
	_ ledger.Ledger    = (*SQLite)(nil)
	_ ledger.Versioned = (*SQLite)(nil)
)

// OpenSQLite opens or creates the ledger database at path and runs
// migrations.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty ledger path", history.ErrInvalidArgument)
	}
	db, err := query.OpenDB(path, query.DBOptions{
		BusyTimeout: busyTimeout,
		ForeignKeys: true,
		WAL:         true,
	})
	if err != nil {
		return nil, storageErr("open ledger", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, storageErr("migrate ledger", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, history.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, history.ErrStorage, err)
}

func (s *SQLite) Append(ctx context.Context, e *history.ChangeEvent) error {
	return s.AppendBatch(ctx, []*history.ChangeEvent{e})
}

// AppendBatch inserts all events in one transaction.
func (s *SQLite) AppendBatch(ctx context.Context, events []*history.ChangeEvent) error {
	if err := ledger.CheckAppend(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO change_events (id, context_key, timestamp_ns, table_name, operation_type, database_filename, device_name, app_name, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageErr("prepare statement", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.ContextKey, e.Timestamp.UnixNano(), e.TableName, string(e.Operation.Kind()),
			e.DatabaseFilename, e.UserContext.Device.DeviceName, e.UserContext.Device.AppName, string(payload),
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("insert change: %w: change %s already recorded", history.ErrStorage, e.ID)
			}
			return storageErr("insert change", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// Get retrieves an event by id.
func (s *SQLite) Get(ctx context.Context, id string) (*history.ChangeEvent, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM change_events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("change %s: %w", id, history.ErrNotFound)
		}
		return nil, storageErr("get change", err)
	}
	return decodeEvent(payload)
}

// Query returns the events of key, newest first.
func (s *SQLite) Query(ctx context.Context, key string, limit, offset int) ([]*history.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM change_events
		WHERE context_key = ?
		ORDER BY timestamp_ns DESC, seq DESC
		LIMIT ? OFFSET ?`, key, limit, offset)
	if err != nil {
		return nil, storageErr("query changes", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Since returns the events of key at or after the given time, oldest first.
func (s *SQLite) Since(ctx context.Context, key string, after time.Time) ([]*history.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM change_events
		WHERE context_key = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns ASC, seq ASC`, key, after.UnixNano())
	if err != nil {
		return nil, storageErr("query changes since", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListContexts summarizes every context. Names come from the newest event
// of each context.
func (s *SQLite) ListContexts(ctx context.Context) ([]history.ContextSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_key, device_name, app_name, database_filename, total, timestamp_ns FROM (
			SELECT context_key, device_name, app_name, database_filename, timestamp_ns,
				COUNT(*) OVER (PARTITION BY context_key) AS total,
				ROW_NUMBER() OVER (PARTITION BY context_key ORDER BY timestamp_ns DESC, seq DESC) AS rn
			FROM change_events
		) WHERE rn = 1`)
	if err != nil {
		return nil, storageErr("list contexts", err)
	}
	defer rows.Close()

	out := []history.ContextSummary{}
	for rows.Next() {
		var (
			cs          history.ContextSummary
			device, app sql.NullString
			ts          int64
		)
		if err := rows.Scan(&cs.ContextKey, &device, &app, &cs.DatabaseFilename, &cs.TotalChanges, &ts); err != nil {
			return nil, storageErr("scan context", err)
		}
		cs.DeviceName = device.String
		cs.AppName = app.String
		cs.LastChangeTime = time.Unix(0, ts).UTC()
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contexts", err)
	}
	history.SortSummaries(out)
	return out, nil
}

// ClearContext deletes every event of key.
func (s *SQLite) ClearContext(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM change_events WHERE context_key = ?`, key)
	if err != nil {
		return 0, storageErr("clear context", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear context", err)
	}
	return int(n), nil
}

// ClearAll deletes every event.
func (s *SQLite) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM change_events`)
	if err != nil {
		return 0, storageErr("clear ledger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear ledger", err)
	}
	return int(n), nil
}

// Retract deletes the given events in one transaction.
func (s *SQLite) Retract(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM change_events WHERE id = ?`, id); err != nil {
			return storageErr("retract change", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*history.ChangeEvent, error) {
	out := []*history.ChangeEvent{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("scan change", err)
		}
		e, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read changes", err)
	}
	return out, nil
}

func decodeEvent(payload string) (*history.ChangeEvent, error) {
	var e history.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, storageErr("decode change", err)
	}
	return &e, nil
}
