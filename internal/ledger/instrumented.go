package ledger

import (
	"context"
	"time"

	"flippio/internal/history"
	"flippio/internal/metrics"
)

// Instrumented wraps a Ledger and records operation counts and latencies.
type Instrumented struct {
	next Ledger
	m    *metrics.Metrics
}

var _ Ledger = (*Instrumented)(nil)

// Instrument returns l wrapped with metrics. A nil m returns l unchanged.
func Instrument(l Ledger, m *metrics.Metrics) Ledger {
	if m == nil {
		return l
	}
	return &Instrumented{next: l, m: m}
}

// Unwrap returns the wrapped ledger.
func (i *Instrumented) Unwrap() Ledger { return i.next }

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.m.LedgerOperations.WithLabelValues(op, metrics.Result(err)).Inc()
	i.m.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *Instrumented) Append(ctx context.Context, e *history.ChangeEvent) (err error) {
	defer func(start time.Time) { i.observe("append", start, err) }(time.Now())
	return i.next.Append(ctx, e)
}

func (i *Instrumented) AppendBatch(ctx context.Context, events []*history.ChangeEvent) (err error) {
	defer func(start time.Time) { i.observe("append_batch", start, err) }(time.Now())
	return i.next.AppendBatch(ctx, events)
}

func (i *Instrumented) Get(ctx context.Context, id string) (e *history.ChangeEvent, err error) {
	defer func(start time.Time) { i.observe("get", start, err) }(time.Now())
	return i.next.Get(ctx, id)
}

func (i *Instrumented) Query(ctx context.Context, key string, limit, offset int) (out []*history.ChangeEvent, err error) {
	defer func(start time.Time) { i.observe("query", start, err) }(time.Now())
	return i.next.Query(ctx, key, limit, offset)
}

func (i *Instrumented) Since(ctx context.Context, key string, after time.Time) (out []*history.ChangeEvent, err error) {
	defer func(start time.Time) { i.observe("since", start, err) }(time.Now())
	return i.next.Since(ctx, key, after)
}

func (i *Instrumented) ListContexts(ctx context.Context) (out []history.ContextSummary, err error) {
	defer func(start time.Time) { i.observe("list_contexts", start, err) }(time.Now())
	return i.next.ListContexts(ctx)
}

func (i *Instrumented) ClearContext(ctx context.Context, key string) (n int, err error) {
	defer func(start time.Time) { i.observe("clear_context", start, err) }(time.Now())
	return i.next.ClearContext(ctx, key)
}

func (i *Instrumented) ClearAll(ctx context.Context) (n int, err error) {
	defer func(start time.Time) { i.observe("clear_all", start, err) }(time.Now())
	return i.next.ClearAll(ctx)
}

func (i *Instrumented) Retract(ctx context.Context, ids []string) (err error) {
	defer func(start time.Time) { i.observe("retract", start, err) }(time.Now())
	return i.next.Retract(ctx, ids)
}

func (i *Instrumented) Close() error {
	return i.next.Close()
}
