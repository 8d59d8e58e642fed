// Package query executes SQL against pulled working copies of application
// databases.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flippio/internal/diff"
)

// DBOptions controls how a SQLite file is opened.
type DBOptions struct {
	BusyTimeout time.Duration
	ForeignKeys bool
	WAL         bool
}

// OpenDB opens the SQLite file at path with the compiled-in driver,
// creating the parent directory when needed.
func OpenDB(path string, opts DBOptions) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	db, err := sql.Open(DriverName, dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Options configures an Executor.
type Options struct {
	BusyTimeout time.Duration
	// OpenRetryAttempts bounds the retries of "no such table" errors raised
	// by the first statements run on a freshly opened file.
	OpenRetryAttempts int
	OpenRetryBackoff  time.Duration
	Logger            *slog.Logger
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:       5 * time.Second,
		OpenRetryAttempts: 3,
		OpenRetryBackoff:  50 * time.Millisecond,
	}
}

// Result is the outcome of one statement.
type Result struct {
	Columns      []string   `json:"columns"`
	Rows         []diff.Row `json:"rows"`
	RowsAffected int64      `json:"rowsAffected"`
	LastInsertID int64      `json:"lastInsertId"`
}

type handle struct {
	db     *sql.DB
	warmed bool
}

// Executor runs statements against SQLite files, keeping one handle per
// file until Close is called for it.
type Executor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OpenRetryBackoff <= 0 {
		opts.OpenRetryBackoff = DefaultOptions().OpenRetryBackoff
	}
	return &Executor{
		opts:    opts,
		logger:  logger.With("component", "query"),
		handles: make(map[string]*handle),
	}
}

func (e *Executor) handle(dbPath string) (*handle, error) {
	if dbPath == "" {
		return nil, errors.New("empty database path")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handles[dbPath]; ok {
		return h, nil
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}
	db, err := OpenDB(dbPath, DBOptions{BusyTimeout: e.opts.BusyTimeout})
	if err != nil {
		return nil, err
	}
	// A single connection keeps reads inside a transaction consistent with
	// its writes.
	db.SetMaxOpenConns(1)
	h := &handle{db: db}
	e.handles[dbPath] = h
	return h, nil
}

// Close releases the handle of dbPath, if any.
func (e *Executor) Close(dbPath string) error {
	e.mu.Lock()
	h, ok := e.handles[dbPath]
	delete(e.handles, dbPath)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return h.db.Close()
}

// CloseAll releases every open handle.
func (e *Executor) CloseAll() error {
	e.mu.Lock()
	handles := e.handles
	e.handles = make(map[string]*handle)
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, h.db.Close())
	}
	return errors.Join(errs...)
}

// withRetry runs fn, retrying "no such table" errors with exponential
// backoff while the handle has not yet completed a statement. Freshly
// pulled files can briefly look empty to a new connection. Only reads go
// through here; writes and transactions fail on the first error.
func (e *Executor) withRetry(ctx context.Context, h *handle, fn func() error) error {
	backoff := e.opts.OpenRetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			e.mu.Lock()
			h.warmed = true
			e.mu.Unlock()
			return nil
		}
		e.mu.Lock()
		warmed := h.warmed
		e.mu.Unlock()
		if warmed || attempt >= e.opts.OpenRetryAttempts || !IsNoSuchTable(err) {
			return err
		}
		e.logger.Debug("retrying statement after open", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// IsNoSuchTable reports whether err is SQLite's missing table error.
func IsNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Execute runs a single statement. Statements returning rows are read in
// full; others report the affected row count.
func (e *Executor) Execute(ctx context.Context, dbPath, query string, args ...any) (*Result, error) {
	h, err := e.handle(dbPath)
	if err != nil {
		return nil, err
	}
	var res *Result
	exec := func() error {
		var err error
		res, err = run(ctx, h.db, query, args...)
		return err
	}
	if kind, _ := diff.Classify(query); kind == diff.StatementRead {
		err = e.withRetry(ctx, h, exec)
	} else {
		err = exec()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Tables lists the user tables of the database, sorted by name.
func (e *Executor) Tables(ctx context.Context, dbPath string) ([]string, error) {
	res, err := e.Execute(ctx, dbPath,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names := make([]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		if s, ok := r["name"].(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// Columns describes the columns of table.
func (e *Executor) Columns(ctx context.Context, dbPath, table string) ([]diff.Column, error) {
	h, err := e.handle(dbPath)
	if err != nil {
		return nil, err
	}
	var cols []diff.Column
	err = e.withRetry(ctx, h, func() error {
		var err error
		cols, err = tableInfo(ctx, h.db, table)
		return err
	})
	return cols, err
}

// Tx runs fn inside a transaction on dbPath. The transaction commits when
// fn returns nil and rolls back otherwise.
func (e *Executor) Tx(ctx context.Context, dbPath string, fn func(*Tx) error) error {
	h, err := e.handle(dbPath)
	if err != nil {
		return err
	}
	sqlTx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if tx.beforeCommit != nil {
		if err := tx.beforeCommit(); err != nil {
			sqlTx.Rollback()
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		if tx.afterCommitFailure != nil {
			tx.afterCommitFailure()
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	e.mu.Lock()
	h.warmed = true
	e.mu.Unlock()
	return nil
}

// Tx is an open transaction on one working copy.
type Tx struct {
	tx *sql.Tx

	beforeCommit       func() error
	afterCommitFailure func()
}

// Query runs a statement returning rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]diff.Row, error) {
	res, err := run(ctx, t.tx, query, args...)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// Exec runs a statement and reports the affected row count and last insert
// rowid.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, int64, error) {
	r, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}
	id, _ := r.LastInsertId()
	return n, id, nil
}

// Run executes a statement of unknown shape.
func (t *Tx) Run(ctx context.Context, query string, args ...any) (*Result, error) {
	return run(ctx, t.tx, query, args...)
}

// Columns describes the columns of table.
func (t *Tx) Columns(ctx context.Context, table string) ([]diff.Column, error) {
	return tableInfo(ctx, t.tx, table)
}

// OnCommit registers hooks around the commit. before runs after fn
// succeeded and can still abort the transaction; failed runs when the
// commit itself fails.
func (t *Tx) OnCommit(before func() error, failed func()) {
	t.beforeCommit = before
	t.afterCommitFailure = failed
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func run(ctx context.Context, q queryer, query string, args ...any) (*Result, error) {
	if returnsRows(query) {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		cols, out, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: cols, Rows: out}, nil
	}

	r, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{}, Rows: []diff.Row{}}
	if res.RowsAffected, err = r.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	res.LastInsertID, _ = r.LastInsertId()
	return res, nil
}

func returnsRows(query string) bool {
	kind, _ := diff.Classify(query)
	if kind != diff.StatementRead {
		return strings.Contains(strings.ToUpper(query), "RETURNING")
	}
	return true
}

func scanRows(rows *sql.Rows) ([]string, []diff.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}
	out := []diff.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(diff.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

// normalize maps driver values onto the storage classes used by diffs.
func normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func tableInfo(ctx context.Context, q queryer, table string) ([]diff.Column, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []diff.Column
	for rows.Next() {
		var (
			cid     int
			c       diff.Column
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &c.PK); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		c.NotNull = notNull != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	return cols, nil
}
