package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flippio/internal/history"
)

// Memory is an in-process ledger. It loses its contents on exit and is
// used for tests and ephemeral sessions.
type Memory struct {
	mu     sync.RWMutex
	closed bool
	seq    uint64
	byID   map[string]Record
	byKey  map[string][]string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]Record),
		byKey: make(map[string][]string),
	}
}

var _ Ledger = (*Memory)(nil)

func (m *Memory) Append(ctx context.Context, e *history.ChangeEvent) error {
	return m.AppendBatch(ctx, []*history.ChangeEvent{e})
}

func (m *Memory) AppendBatch(ctx context.Context, events []*history.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", history.ErrStorage, err)
	}
	if err := CheckAppend(events); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	for _, e := range events {
		if _, dup := m.byID[e.ID]; dup {
			return fmt.Errorf("%w: change %s already recorded", history.ErrStorage, e.ID)
		}
	}
	for _, e := range events {
		m.seq++
		m.byID[e.ID] = Record{Event: e.Clone(), Seq: m.seq}
		m.byKey[e.ContextKey] = append(m.byKey[e.ContextKey], e.ID)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*history.ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("change %s: %w", id, history.ErrNotFound)
	}
	return r.Event.Clone(), nil
}

func (m *Memory) records(key string) ([]Record, error) {
	if m.closed {
		return nil, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	ids := m.byKey[key]
	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, m.byID[id])
	}
	return recs, nil
}

func (m *Memory) Query(ctx context.Context, key string, limit, offset int) ([]*history.ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, err := m.records(key)
	if err != nil {
		return nil, err
	}
	SortNewestFirst(recs)
	lo, hi := Page(len(recs), limit, offset)
	out := make([]*history.ChangeEvent, 0, hi-lo)
	for _, r := range recs[lo:hi] {
		out = append(out, r.Event.Clone())
	}
	return out, nil
}

func (m *Memory) Since(ctx context.Context, key string, after time.Time) ([]*history.ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, err := m.records(key)
	if err != nil {
		return nil, err
	}
	SortOldestFirst(recs)
	var out []*history.ChangeEvent
	for _, r := range recs {
		if !r.Event.Timestamp.Before(after) {
			out = append(out, r.Event.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListContexts(ctx context.Context) ([]history.ContextSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	recs := make([]Record, 0, len(m.byID))
	for _, r := range m.byID {
		recs = append(recs, r)
	}
	return Summaries(recs), nil
}

func (m *Memory) ClearContext(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	ids := m.byKey[key]
	for _, id := range ids {
		delete(m.byID, id)
	}
	delete(m.byKey, key)
	return len(ids), nil
}

func (m *Memory) ClearAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	n := len(m.byID)
	m.byID = make(map[string]Record)
	m.byKey = make(map[string][]string)
	return n, nil
}

func (m *Memory) Retract(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		r, ok := m.byID[id]
		if !ok {
			continue
		}
		drop[id] = true
		delete(m.byID, id)
		key := r.Event.ContextKey
		kept := m.byKey[key][:0]
		for _, other := range m.byKey[key] {
			if !drop[other] {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(m.byKey, key)
		} else {
			m.byKey[key] = kept
		}
	}
	return nil
}

// Close marks the ledger unavailable. Later calls fail with ErrStorage.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
