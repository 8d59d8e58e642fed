// Package revert undoes recorded changes by applying their inverse to the
// working copy and recording Revert events.
package revert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flippio/internal/diff"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/metrics"
	"flippio/internal/query"
	"flippio/internal/tracing"
)

// Target is the working copy a revert is applied to.
type Target struct {
	DatabasePath string
	Base         diff.Base
}

// Coordinator synthesizes and applies inverse mutations.
type Coordinator struct {
	ledger  ledger.Ledger
	exec    *query.Executor
	builder *diff.Builder
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBuilder overrides the event builder.
func WithBuilder(b *diff.Builder) Option {
	return func(c *Coordinator) { c.builder = b }
}

// New creates a Coordinator.
func New(l ledger.Ledger, exec *query.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:  l,
		exec:    exec,
		builder: diff.NewBuilder(),
		logger:  slog.Default(),
		tracer:  tracing.Tracer("revert"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "revert")
	return c
}

// Lookup returns the event a revert would target.
func (c *Coordinator) Lookup(ctx context.Context, changeID string) (*history.ChangeEvent, error) {
	e, err := c.ledger.Get(ctx, changeID)
	if err != nil {
		return nil, history.NewStageError(history.StageRevert, "lookup", nil, err)
	}
	return e, nil
}

// Revert undoes changeID on the working copy of t and returns the Revert
// event recorded for it. Reverting an insert first reverts every later
// change to the inserted row; those ids are listed in the event's
// cascadeRevertedIds. Either every inverse statement and every Revert event
// is applied, or none is.
func (c *Coordinator) Revert(ctx context.Context, t Target, changeID string) (ev *history.ChangeEvent, err error) {
	ctx, span := c.tracer.Start(ctx, "revert", trace.WithAttributes(attribute.String("change_id", changeID)))
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		if c.metrics != nil {
			c.metrics.Reverts.WithLabelValues(metrics.Result(err)).Inc()
			c.metrics.ObserveStage(string(history.StageRevert), start)
		}
	}()

	target, err := c.Lookup(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if t.Base.ContextKey != target.ContextKey {
		return nil, history.NewStageError(history.StageRevert, "target", history.ErrInvalidArgument,
			fmt.Errorf("change %s belongs to %s, not %s", changeID, target.ContextKey, t.Base.ContextKey))
	}

	all, err := c.ledger.Since(ctx, target.ContextKey, time.Time{})
	if err != nil {
		return nil, history.NewStageError(history.StageRevert, "scan", nil, err)
	}
	p, err := buildPlan(target, all)
	if err != nil {
		return nil, history.NewStageError(history.StageRevert, "plan", nil, err)
	}

	var (
		events    []*history.ChangeEvent
		appendErr error
	)
	err = c.exec.Tx(ctx, t.DatabasePath, func(tx *query.Tx) error {
		events = events[:0]
		r := &run{tx: tx, builder: c.builder, base: t.Base, table: target.TableName}
		if err := r.load(ctx); err != nil {
			return err
		}
		cur := p.live
		for i, step := range p.steps {
			var cascade []string
			if i == len(p.steps)-1 {
				cascade = p.cascade()
			}
			e, next, err := r.undo(ctx, step, cur, cascade)
			if err != nil {
				return err
			}
			cur = next
			events = append(events, e)
		}

		tx.OnCommit(func() error {
			appendErr = c.ledger.AppendBatch(ctx, events)
			return appendErr
		}, func() {
			ids := make([]string, len(events))
			for i, e := range events {
				ids[i] = e.ID
			}
			if err := c.ledger.Retract(context.WithoutCancel(ctx), ids); err != nil {
				c.logger.Error("retract revert events after failed commit", "change_id", changeID, "error", err)
			}
		})
		return nil
	})
	switch {
	case err == nil:
	case appendErr != nil:
		return nil, history.NewStageError(history.StageRecord, "append", history.ErrStorage, appendErr)
	default:
		return nil, history.NewStageError(history.StageRevert, "apply", history.ErrMutation, err)
	}

	if c.metrics != nil && len(events) > 1 {
		c.metrics.CascadeReverts.Add(float64(len(events) - 1))
	}
	ev = events[len(events)-1]
	c.logger.Info("change reverted",
		"change_id", changeID,
		"revert_id", ev.ID,
		"context_key", ev.ContextKey,
		"table", ev.TableName,
		"cascaded", len(events)-1,
	)
	return ev, nil
}

// run applies inverse statements inside one transaction.
type run struct {
	tx      *query.Tx
	builder *diff.Builder
	base    diff.Base
	table   string
	columns []diff.Column
	keys    []string
	rowID   bool
}

func (r *run) load(ctx context.Context) error {
	cols, err := r.tx.Columns(ctx, r.table)
	if err != nil {
		return err
	}
	r.columns = cols
	r.keys = query.KeyColumns(cols)
	r.rowID = query.UsesRowID(r.keys)
	return nil
}

func (r *run) readRow(ctx context.Context, match map[string]any) (diff.Row, error) {
	if match == nil {
		return nil, fmt.Errorf("row of %s no longer exists", r.table)
	}
	q, args := query.SelectRows(r.table, match, r.rowID)
	rows, err := r.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read row of %s: %w", r.table, err)
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("%d rows of %s match %v", len(rows), r.table, match)
	}
	row := rows[0]
	if r.rowID {
		delete(row, query.RowID)
	}
	return row, nil
}

func (r *run) exec(ctx context.Context, q string, args []any) error {
	n, _, err := r.tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("apply inverse on %s: %w", r.table, err)
	}
	if n != 1 {
		return fmt.Errorf("inverse on %s affected %d rows, want 1", r.table, n)
	}
	return nil
}

// undo applies the inverse of e to the row currently identified by cur and
// returns the Revert event with the row's identity afterwards.
func (r *run) undo(ctx context.Context, e *history.ChangeEvent, cur map[string]any, cascade []string) (*history.ChangeEvent, map[string]any, error) {
	start := time.Now()
	meta := func(q string) history.Metadata {
		return history.Metadata{
			AffectedRows:    1,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			SQLStatement:    q,
		}
	}

	switch e.Operation.(type) {
	case history.Update:
		before, err := r.readRow(ctx, cur)
		if err != nil {
			return nil, nil, err
		}
		restore := make(map[string]any, len(e.Changes))
		for _, c := range e.Changes {
			restore[c.FieldName] = c.OldValue
		}
		q, args := query.UpdateRow(r.table, restore, cur)
		if err := r.exec(ctx, q, args); err != nil {
			return nil, nil, err
		}
		after := maps.Clone(before)
		maps.Copy(after, restore)
		changes := diff.Update(r.columns, before, after)
		if len(changes) == 0 {
			changes = diff.Invert(e.Changes)
		}
		ev := r.builder.RevertEvent(r.base, r.table, e.ID, cascade, changes, cur, meta(q))
		return ev, advance(cur, e.Changes, false), nil

	case history.Delete:
		values := make(map[string]any, len(e.Changes)+1)
		for _, c := range e.Changes {
			values[c.FieldName] = c.OldValue
		}
		if r.rowID {
			maps.Copy(values, e.RowIdentifier)
		}
		q, args := query.InsertRow(r.table, values)
		if err := r.exec(ctx, q, args); err != nil {
			return nil, nil, err
		}
		identity := maps.Clone(e.RowIdentifier)
		if !r.rowID {
			id, err := query.Identity(r.keys, values)
			if err != nil {
				return nil, nil, err
			}
			identity = id
		}
		restored := diff.Row(maps.Clone(values))
		if r.rowID {
			delete(restored, query.RowID)
		}
		changes := diff.Insert(r.columns, restored)
		if len(changes) == 0 {
			changes = diff.Invert(e.Changes)
		}
		ev := r.builder.RevertEvent(r.base, r.table, e.ID, cascade, changes, identity, meta(q))
		return ev, identity, nil

	case history.Insert:
		before, err := r.readRow(ctx, cur)
		if err != nil {
			return nil, nil, err
		}
		q, args := query.DeleteRow(r.table, cur)
		if err := r.exec(ctx, q, args); err != nil {
			return nil, nil, err
		}
		changes := diff.Delete(r.columns, before)
		if len(changes) == 0 {
			changes = diff.Invert(e.Changes)
		}
		ev := r.builder.RevertEvent(r.base, r.table, e.ID, cascade, changes, cur, meta(q))
		return ev, nil, nil
	}
	return nil, nil, errors.New("unsupported operation")
}
