// Package ledger defines the change ledger: the append-only, per-context
// record of every edit made to a pulled database.
package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"flippio/internal/history"
)

// Ledger stores ChangeEvents indexed by context key and id.
//
// Events are immutable once appended. Implementations serialize appends and
// return clones, so callers never share state with the store.
type Ledger interface {
	// Append records one event. A duplicate id or an unavailable medium
	// yields ErrStorage.
	Append(ctx context.Context, e *history.ChangeEvent) error
	// AppendBatch records all events or none.
	AppendBatch(ctx context.Context, events []*history.ChangeEvent) error
	// Get returns the event with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*history.ChangeEvent, error)
	// Query returns the events of key newest first. Ties on timestamp are
	// broken by append order, latest first. limit <= 0 means no limit.
	Query(ctx context.Context, key string, limit, offset int) ([]*history.ChangeEvent, error)
	// Since returns the events of key with a timestamp not before after, in
	// ledger order (oldest first).
	Since(ctx context.Context, key string, after time.Time) ([]*history.ChangeEvent, error)
	// ListContexts summarizes every context holding at least one event.
	ListContexts(ctx context.Context) ([]history.ContextSummary, error)
	// ClearContext removes every event of key and returns how many there
	// were.
	ClearContext(ctx context.Context, key string) (int, error)
	// ClearAll removes every event.
	ClearAll(ctx context.Context) (int, error)
	// Retract removes events appended by a batch whose paired database
	// commit failed. It is not a general delete.
	Retract(ctx context.Context, ids []string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Path        string
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Opener creates a ledger from cfg.
type Opener func(cfg Config) (Ledger, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{
		BackendMemory: func(Config) (Ledger, error) { return NewMemory(), nil },
	}
)

// Register makes a backend available to Open. It panics on a duplicate
// name.
func Register(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("ledger: Register called twice for backend " + name)
	}
	backends[name] = open
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend named by cfg.Backend.
func Open(cfg Config) (Ledger, error) {
	backendsMu.RLock()
	open, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown ledger backend %q", history.ErrInvalidArgument, cfg.Backend)
	}
	l, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Backend, err)
	}
	return l, nil
}

// Record is an event with its append sequence number.
type Record struct {
	Event *history.ChangeEvent
	Seq   uint64
}

// SortNewestFirst orders records by timestamp, then sequence, descending.
func SortNewestFirst(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := b.Event.Timestamp.Compare(a.Event.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
}

// SortOldestFirst orders records by timestamp, then sequence, ascending.
func SortOldestFirst(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := a.Event.Timestamp.Compare(b.Event.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// Summaries folds records into context summaries. Records are folded in
// ledger order so the latest append wins timestamp ties.
func Summaries(recs []Record) []history.ContextSummary {
	SortOldestFirst(recs)
	events := make([]*history.ChangeEvent, len(recs))
	for i, r := range recs {
		events[i] = r.Event
	}
	return history.Summarize(events)
}

// Page applies offset and limit to n items and returns the bounds.
func Page(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

// CheckAppend validates events before any backend writes them and rejects
// duplicate ids inside the batch.
func CheckAppend(events []*history.ChangeEvent) error {
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate change id %s in batch", history.ErrStorage, e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}
