package syncer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flippio/internal/diff"
	"flippio/internal/history"
	"flippio/internal/query"
	"flippio/internal/tracing"
)

// Mutate applies m to the working copy in one transaction and records the
// resulting change event. Failed mutations leave no event. An update that
// changes no field returns a nil event and nil error. When the edit commits
// but recording fails, the event is returned with an ErrStorage error.
func (c *Coordinator) Mutate(ctx context.Context, wc *WorkingCopy, m Mutation) (ev *history.ChangeEvent, err error) {
	ctx, span := c.tracer.Start(ctx, "mutate", trace.WithAttributes(attribute.String("context_key", wc.Key.String())))
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		if c.metrics != nil {
			c.metrics.ObserveStage(string(history.StageMutate), start)
		}
	}()

	if err := checkMutation(m); err != nil {
		return nil, history.NewStageError(history.StageInput, "mutate", nil, err)
	}

	err = c.Apply(ctx, wc, func(ctx context.Context) (int, error) {
		e, err := c.mutate(ctx, wc, m)
		if err != nil {
			if errors.Is(err, history.ErrNoChanges) {
				return 0, nil
			}
			if errors.Is(err, history.ErrInvalidArgument) {
				return 0, history.NewStageError(history.StageInput, "mutate", nil, err)
			}
			return 0, history.NewStageError(history.StageMutate, "mutate", history.ErrMutation, err)
		}
		ev = e
		if c.metrics != nil {
			c.metrics.Mutations.WithLabelValues(string(e.Operation.Kind())).Inc()
		}
		if err := c.ledger.Append(ctx, e); err != nil {
			c.logger.Error("record change", "context_key", wc.Key, "change_id", e.ID, "error", err)
			return 1, history.NewStageError(history.StageRecord, "append", history.ErrStorage, err)
		}
		return 1, nil
	})
	if ev == nil {
		if err != nil {
			c.logger.Warn("mutation failed", "context_key", wc.Key, "error", err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("change_id", ev.ID))
	c.logger.Info("change recorded",
		"context_key", wc.Key,
		"change_id", ev.ID,
		"table", ev.TableName,
		"operation", ev.Operation.Kind(),
	)
	return ev, err
}

func checkMutation(m Mutation) error {
	table := ""
	switch x := m.(type) {
	case InsertRow:
		table = x.Table
	case UpdateRow:
		table = x.Table
		if len(x.Key) == 0 {
			return fmt.Errorf("%w: update of %s without row key", history.ErrInvalidArgument, x.Table)
		}
		if len(x.Values) == 0 {
			return fmt.Errorf("%w: update of %s without values", history.ErrInvalidArgument, x.Table)
		}
	case DeleteRow:
		table = x.Table
		if len(x.Key) == 0 {
			return fmt.Errorf("%w: delete from %s without row key", history.ErrInvalidArgument, x.Table)
		}
	case ClearTable:
		table = x.Table
	case Statement:
		if strings.TrimSpace(x.SQL) == "" {
			return fmt.Errorf("%w: empty statement", history.ErrInvalidArgument)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: nil mutation", history.ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: unsupported mutation %T", history.ErrInvalidArgument, m)
	}
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("%w: table name is required", history.ErrInvalidArgument)
	}
	return nil
}

// edit runs one mutation inside a transaction.
type edit struct {
	tx      *query.Tx
	table   string
	columns []diff.Column
	keys    []string
	rowID   bool
}

func (e *edit) load(ctx context.Context) error {
	cols, err := e.tx.Columns(ctx, e.table)
	if err != nil {
		return err
	}
	e.columns = cols
	e.keys = query.KeyColumns(cols)
	e.rowID = query.UsesRowID(e.keys)
	return nil
}

// one reads the single row matching match. The implicit rowid is returned
// separately from the row values.
func (e *edit) one(ctx context.Context, match map[string]any) (diff.Row, map[string]any, error) {
	q, args := query.SelectRows(e.table, match, e.rowID)
	rows, err := e.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", e.table, err)
	}
	if len(rows) != 1 {
		return nil, nil, fmt.Errorf("%d rows of %s match %v, want 1", len(rows), e.table, match)
	}
	row := rows[0]
	id, err := query.Identity(e.keys, row)
	if err != nil {
		return nil, nil, err
	}
	if e.rowID {
		delete(row, query.RowID)
	}
	return row, id, nil
}

// insertedIdentity returns the identity of a freshly inserted row. An
// omitted INTEGER PRIMARY KEY is an alias of the rowid.
func (e *edit) insertedIdentity(values map[string]any, lastID int64) (map[string]any, error) {
	if e.rowID {
		return map[string]any{query.RowID: lastID}, nil
	}
	if len(e.keys) == 1 {
		if _, ok := values[e.keys[0]]; !ok {
			for _, col := range e.columns {
				if col.Name == e.keys[0] && strings.EqualFold(col.Type, "INTEGER") {
					return map[string]any{col.Name: lastID}, nil
				}
			}
		}
	}
	return query.Identity(e.keys, values)
}

func (c *Coordinator) mutate(ctx context.Context, wc *WorkingCopy, m Mutation) (*history.ChangeEvent, error) {
	base := wc.Base()
	var ev *history.ChangeEvent
	err := c.exec.Tx(ctx, wc.LocalPath, func(tx *query.Tx) error {
		start := time.Now()
		meta := func(q string, n int64) history.Metadata {
			return history.Metadata{
				AffectedRows:    n,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				SQLStatement:    q,
			}
		}

		switch x := m.(type) {
		case InsertRow:
			ed := &edit{tx: tx, table: x.Table}
			if err := ed.load(ctx); err != nil {
				return err
			}
			q, args := query.InsertRow(x.Table, x.Values)
			n, lastID, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			id, err := ed.insertedIdentity(x.Values, lastID)
			if err != nil {
				return err
			}
			after, id, err := ed.one(ctx, id)
			if err != nil {
				return err
			}
			ev, err = c.builder.RowEvent(base, x.Table, history.Insert{}, ed.columns, nil, after, id, meta(q, n))
			return err

		case UpdateRow:
			ed := &edit{tx: tx, table: x.Table}
			if err := ed.load(ctx); err != nil {
				return err
			}
			before, id, err := ed.one(ctx, x.Key)
			if err != nil {
				return err
			}
			q, args := query.UpdateRow(x.Table, x.Values, id)
			n, _, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("update of %s affected %d rows, want 1", x.Table, n)
			}
			next := maps.Clone(id)
			for k := range next {
				if v, ok := x.Values[k]; ok {
					next[k] = v
				}
			}
			after, _, err := ed.one(ctx, next)
			if err != nil {
				return err
			}
			ev, err = c.builder.RowEvent(base, x.Table, history.Update{}, ed.columns, before, after, id, meta(q, n))
			return err

		case DeleteRow:
			ed := &edit{tx: tx, table: x.Table}
			if err := ed.load(ctx); err != nil {
				return err
			}
			before, id, err := ed.one(ctx, x.Key)
			if err != nil {
				return err
			}
			q, args := query.DeleteRow(x.Table, id)
			n, _, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("delete from %s affected %d rows, want 1", x.Table, n)
			}
			ev, err = c.builder.RowEvent(base, x.Table, history.Delete{}, ed.columns, before, nil, id, meta(q, n))
			return err

		case ClearTable:
			if _, err := tx.Columns(ctx, x.Table); err != nil {
				return err
			}
			q := query.DeleteAll(x.Table)
			n, _, err := tx.Exec(ctx, q)
			if err != nil {
				return err
			}
			ev, err = c.builder.BulkEvent(base, x.Table, history.Clear{}, meta(q, n))
			return err

		case Statement:
			kind, table := diff.Classify(x.SQL)
			if kind == diff.StatementRead {
				return fmt.Errorf("%w: statement has no side effects", history.ErrInvalidArgument)
			}
			n, _, err := tx.Exec(ctx, x.SQL, x.Args...)
			if err != nil {
				return err
			}
			op, _ := diff.BulkOperation(kind, n)
			ev, err = c.builder.BulkEvent(base, table, op, meta(x.SQL, n))
			return err
		}
		return fmt.Errorf("%w: unsupported mutation %T", history.ErrInvalidArgument, m)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
