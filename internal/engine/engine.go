// Package engine is the presentation-facing facade over the change ledger,
// the sync coordinator and the revert coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"flippio/internal/contextkey"
	"flippio/internal/device"
	"flippio/internal/diff"
	"flippio/internal/export"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/logging"
	"flippio/internal/metrics"
	"flippio/internal/query"
	"flippio/internal/revert"
	"flippio/internal/syncer"
)

// Options wires an Engine.
type Options struct {
	Ledger    ledger.Ledger
	Executor  *query.Executor
	Transport device.Transport
	Sync      syncer.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Audit journals operations that change a device or the ledger.
	// Nil disables the journal.
	Audit *logging.AuditLogger
	// Builder overrides event ids and clocks, mainly for tests.
	Builder *diff.Builder
}

// Engine exposes every operation of the change-history and sync engine.
type Engine struct {
	ledger    ledger.Ledger
	exec      *query.Executor
	transport device.Transport
	sync      *syncer.Coordinator
	revert    *revert.Coordinator
	logger    *slog.Logger
	audit     *logging.AuditLogger
	workDir   string
}

// New creates an Engine. The ledger is instrumented when metrics are set.
func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: engine requires a ledger", history.ErrInvalidArgument)
	}
	if opts.Executor == nil {
		opts.Executor = query.New(query.DefaultOptions())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Builder == nil {
		opts.Builder = diff.NewBuilder()
	}
	l := ledger.Instrument(opts.Ledger, opts.Metrics)

	e := &Engine{
		ledger:    l,
		exec:      opts.Executor,
		transport: opts.Transport,
		logger:    opts.Logger.With("component", "engine"),
		audit:     opts.Audit,
		workDir:   opts.Sync.WorkDir,
	}
	e.sync = syncer.New(l, opts.Executor, opts.Transport, opts.Sync,
		syncer.WithLogger(opts.Logger),
		syncer.WithMetrics(opts.Metrics),
		syncer.WithBuilder(opts.Builder),
	)
	e.revert = revert.New(l, opts.Executor,
		revert.WithLogger(opts.Logger),
		revert.WithMetrics(opts.Metrics),
		revert.WithBuilder(opts.Builder),
	)
	return e, nil
}

// Close releases every working copy, closes database handles and the
// ledger.
func (e *Engine) Close() error {
	e.sync.Close()
	return errors.Join(e.exec.CloseAll(), e.ledger.Close(), e.audit.Close())
}

func (e *Engine) record(ctx context.Context, ev logging.AuditEvent, err error) {
	if rerr := e.audit.Record(ctx, ev, err); rerr != nil {
		e.logger.Warn("audit journal write failed", "action", ev.Action, "error", rerr)
	}
}

func storageStage(op string, err error) error {
	if errors.Is(err, history.ErrNotFound) {
		return history.NewStageError(history.StageStorage, op, nil, err)
	}
	return history.NewStageError(history.StageStorage, op, history.ErrStorage, err)
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return history.NewStageError(history.StageInput, "context key", history.ErrInvalidArgument, errors.New("empty context key"))
	}
	return nil
}

// GetChangeHistory returns the events of a context, newest first. A limit
// of zero or less returns every event.
func (e *Engine) GetChangeHistory(ctx context.Context, key string, limit, offset int) ([]*history.ChangeEvent, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, history.NewStageError(history.StageInput, "history", history.ErrInvalidArgument, fmt.Errorf("negative offset %d", offset))
	}
	events, err := e.ledger.Query(ctx, key, limit, offset)
	if err != nil {
		return nil, storageStage("history", err)
	}
	return events, nil
}

// GetChange returns one event.
func (e *Engine) GetChange(ctx context.Context, id string) (*history.ChangeEvent, error) {
	ev, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, storageStage("get change", err)
	}
	return ev, nil
}

// GetContextSummaries summarizes every context with recorded changes,
// most recently changed first.
func (e *Engine) GetContextSummaries(ctx context.Context) ([]history.ContextSummary, error) {
	out, err := e.ledger.ListContexts(ctx)
	if err != nil {
		return nil, storageStage("summaries", err)
	}
	return out, nil
}

// ClearContextChanges irreversibly deletes the history of one context and
// returns how many events were removed.
func (e *Engine) ClearContextChanges(ctx context.Context, key string) (int, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	n, err := e.ledger.ClearContext(ctx, key)
	e.record(ctx, logging.AuditEvent{Action: logging.AuditClearContext, ContextKey: key, Count: n}, err)
	if err != nil {
		return 0, storageStage("clear context", err)
	}
	e.logger.Info("context history cleared", "context_key", key, "events", n)
	return n, nil
}

// ClearAllChangeHistory irreversibly deletes every recorded event.
func (e *Engine) ClearAllChangeHistory(ctx context.Context) (int, error) {
	n, err := e.ledger.ClearAll(ctx)
	e.record(ctx, logging.AuditEvent{Action: logging.AuditClearAll, Count: n}, err)
	if err != nil {
		return 0, storageStage("clear all", err)
	}
	e.logger.Info("all change history cleared", "events", n)
	return n, nil
}

// RevertChange undoes a recorded change on the working copy of its
// context, pulling one if none is open, and pushes the result back. When
// the revert is applied but the push fails, the Revert event is returned
// together with the push error.
func (e *Engine) RevertChange(ctx context.Context, changeID string) (ev *history.ChangeEvent, err error) {
	audit := logging.AuditEvent{Action: logging.AuditRevert, ChangeID: changeID}
	defer func() {
		if ev != nil {
			op := ev.Operation.(history.Revert)
			audit.Count = 1 + len(op.CascadeRevertedIDs)
			audit.Details = map[string]any{"revert_id": ev.ID}
		}
		e.record(ctx, audit, err)
	}()

	if strings.TrimSpace(changeID) == "" {
		return nil, history.NewStageError(history.StageInput, "revert", history.ErrInvalidArgument, errors.New("empty change id"))
	}
	target, err := e.revert.Lookup(ctx, changeID)
	if err != nil {
		return nil, err
	}
	audit.ContextKey = target.ContextKey
	audit.DeviceID = target.UserContext.Device.DeviceID

	wc, ok := e.sync.Session(contextkey.Key(target.ContextKey))
	if !ok {
		wc, err = e.sync.Pull(ctx, target.UserContext.Device)
		if err != nil {
			return nil, err
		}
		if wc.Key.String() != target.ContextKey {
			return nil, history.NewStageError(history.StageRevert, "revert", history.ErrInvalidArgument,
				fmt.Errorf("change %s was recorded for context %s", changeID, target.ContextKey))
		}
	}

	var reverted *history.ChangeEvent
	err = e.sync.Apply(ctx, wc, func(ctx context.Context) (int, error) {
		var err error
		reverted, err = e.revert.Revert(ctx, revert.Target{DatabasePath: wc.LocalPath, Base: wc.Base()}, changeID)
		if err != nil {
			return 0, err
		}
		op := reverted.Operation.(history.Revert)
		return 1 + len(op.CascadeRevertedIDs), nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.sync.Push(ctx, wc); err != nil {
		return reverted, err
	}
	return reverted, nil
}

// PingLedger reads a missing event to confirm the ledger answers and, for
// versioned backends, that its schema is current.
func (e *Engine) PingLedger(ctx context.Context) error {
	_, err := e.ledger.Get(ctx, "health-check")
	if err != nil && !errors.Is(err, history.ErrNotFound) {
		return err
	}
	if v, ok := ledger.AsVersioned(e.ledger); ok {
		return v.CheckSchema(ctx)
	}
	return nil
}

// LedgerSchema reports the schema versions of a versioned ledger backend.
func (e *Engine) LedgerSchema(ctx context.Context) (*ledger.SchemaStatus, error) {
	v, ok := ledger.AsVersioned(e.ledger)
	if !ok {
		return nil, history.NewStageError(history.StageInput, "ledger schema", history.ErrInvalidArgument,
			errors.New("ledger backend has no versioned schema"))
	}
	status, err := v.SchemaStatus(ctx)
	if err != nil {
		return nil, storageStage("ledger schema", err)
	}
	return status, nil
}

// RollbackLedgerSchema undoes schema versions above to.
func (e *Engine) RollbackLedgerSchema(ctx context.Context, to int) ([]ledger.SchemaVersion, error) {
	v, ok := ledger.AsVersioned(e.ledger)
	if !ok {
		return nil, history.NewStageError(history.StageInput, "ledger rollback", history.ErrInvalidArgument,
			errors.New("ledger backend has no versioned schema"))
	}
	undone, err := v.RollbackSchema(ctx, to)
	if err != nil {
		if errors.Is(err, history.ErrInvalidArgument) {
			return nil, history.NewStageError(history.StageInput, "ledger rollback", nil, err)
		}
		return nil, storageStage("ledger rollback", err)
	}
	e.logger.Warn("ledger schema rolled back", "to", to, "versions", len(undone))
	return undone, nil
}

// WorkDir is where working copies are pulled to.
func (e *Engine) WorkDir() string {
	return e.workDir
}

// Devices lists the reachable devices.
func (e *Engine) Devices(ctx context.Context) ([]device.Device, error) {
	if e.transport == nil {
		return []device.Device{}, nil
	}
	devices, err := e.transport.ListDevices(ctx)
	if err != nil {
		return nil, history.NewStageError(history.StagePull, "list devices", history.ErrPull, err)
	}
	if devices == nil {
		devices = []device.Device{}
	}
	return devices, nil
}

// Pull opens a working copy of the selected database.
func (e *Engine) Pull(ctx context.Context, dc history.DeviceContext) (*syncer.WorkingCopy, error) {
	wc, err := e.sync.Pull(ctx, dc)
	audit := logging.AuditEvent{Action: logging.AuditPull, DeviceID: dc.DeviceID,
		Details: map[string]any{"database_path": dc.DatabasePath}}
	if wc != nil {
		audit.ContextKey = wc.Key.String()
	}
	e.record(ctx, audit, err)
	return wc, err
}

// Session returns the open working copy of key.
func (e *Engine) Session(key string) (*syncer.WorkingCopy, error) {
	wc, ok := e.sync.Session(contextkey.Key(key))
	if !ok {
		return nil, history.NewStageError(history.StageInput, "session", nil,
			fmt.Errorf("no working copy open for %s: %w", key, history.ErrNotFound))
	}
	return wc, nil
}

// Sessions lists the open working copies.
func (e *Engine) Sessions() []*syncer.WorkingCopy {
	return e.sync.Sessions()
}

// Mutate edits the working copy of key and records the change.
func (e *Engine) Mutate(ctx context.Context, key string, m syncer.Mutation) (*history.ChangeEvent, error) {
	wc, err := e.Session(key)
	if err != nil {
		return nil, err
	}
	return e.sync.Mutate(ctx, wc, m)
}

// Query runs a read-only statement against the working copy of key.
func (e *Engine) Query(ctx context.Context, key, sql string, args ...any) (*query.Result, error) {
	wc, err := e.Session(key)
	if err != nil {
		return nil, err
	}
	if kind, _ := diff.Classify(sql); kind != diff.StatementRead {
		return nil, history.NewStageError(history.StageInput, "query", history.ErrInvalidArgument,
			errors.New("statement has side effects; submit it as a mutation"))
	}
	return e.sync.Read(ctx, wc, sql, args...)
}

// Tables lists the tables of the working copy of key.
func (e *Engine) Tables(ctx context.Context, key string) ([]string, error) {
	wc, err := e.Session(key)
	if err != nil {
		return nil, err
	}
	var tables []string
	err = e.sync.Apply(ctx, wc, func(ctx context.Context) (int, error) {
		var err error
		tables, err = e.exec.Tables(ctx, wc.LocalPath)
		if err != nil {
			return 0, history.NewStageError(history.StageMutate, "tables", history.ErrMutation, err)
		}
		return 0, nil
	})
	return tables, err
}

// Push writes the working copy of key back to its device.
func (e *Engine) Push(ctx context.Context, key string) error {
	wc, err := e.Session(key)
	if err != nil {
		return err
	}
	pending := wc.Pending()
	err = e.sync.Push(ctx, wc)
	e.record(ctx, logging.AuditEvent{Action: logging.AuditPush, ContextKey: key, DeviceID: wc.Device.DeviceID, Count: pending}, err)
	return err
}

// PushAll retries every working copy with unpushed edits.
func (e *Engine) PushAll(ctx context.Context) (int, error) {
	n, err := e.sync.PushAll(ctx)
	if n > 0 || err != nil {
		e.record(ctx, logging.AuditEvent{Action: logging.AuditPush, Count: n, Details: map[string]any{"all": true}}, err)
	}
	return n, err
}

// Release closes the working copy of key.
func (e *Engine) Release(key string) error {
	wc, err := e.Session(key)
	if err != nil {
		return err
	}
	e.sync.Release(wc)
	return nil
}

// Export writes the history of the given contexts, or of all of them.
func (e *Engine) Export(ctx context.Context, keys ...string) (*export.Document, error) {
	doc, err := export.Export(ctx, e.ledger, keys...)
	if err != nil {
		return nil, storageStage("export", err)
	}
	return doc, nil
}

// Import loads an exported document into the ledger.
func (e *Engine) Import(ctx context.Context, doc *export.Document) (export.ImportResult, error) {
	res, err := export.Import(ctx, e.ledger, doc)
	e.record(ctx, logging.AuditEvent{Action: logging.AuditImport, Count: res.Imported,
		Details: map[string]any{"skipped": res.Skipped}}, err)
	if err != nil {
		if errors.Is(err, history.ErrInvalidArgument) {
			return res, history.NewStageError(history.StageInput, "import", nil, err)
		}
		return res, storageStage("import", err)
	}
	e.logger.Info("history imported", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}
