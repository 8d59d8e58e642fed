package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"flippio/internal/history"
	"flippio/internal/ledger"
)

func init() {
	ledger.Register(ledger.BackendBadger, func(cfg ledger.Config) (ledger.Ledger, error) {
		return OpenBadger(BadgerConfig{Path: cfg.Path, SyncWrites: true, Logger: cfg.Logger})
	})
}

// Key layout:
//
//	ev/<id>               -> badgerRecord
//	ix/<contextKey>/<seq> -> id
const (
	eventPrefix = "ev/"
	indexPrefix = "ix/"
	seqKey      = "meta/seq"
)

// BadgerConfig configures the Badger ledger.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Badger is a change ledger stored in an embedded Badger key-value store.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	mu  sync.Mutex
}

var _ ledger.Ledger = (*Badger)(nil)

type badgerRecord struct {
	Seq   uint64               `json:"seq"`
	Event *history.ChangeEvent `json:"event"`
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens or creates a Badger ledger.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: empty ledger path", history.ErrInvalidArgument)
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open badger ledger", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 256)
	if err != nil {
		db.Close()
		return nil, storageErr("open sequence", err)
	}
	return &Badger{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := errors.Join(b.seq.Release(), b.db.Close())
	b.db = nil
	return err
}

func (b *Badger) handle() (*badger.DB, error) {
	if b.db == nil {
		return nil, fmt.Errorf("%w: ledger closed", history.ErrStorage)
	}
	return b.db, nil
}

func eventKey(id string) []byte {
	return []byte(eventPrefix + id)
}

func indexKey(contextKey string, seq uint64) []byte {
	k := make([]byte, 0, len(indexPrefix)+len(contextKey)+9)
	k = append(k, indexPrefix...)
	k = append(k, contextKey...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

func indexPrefixFor(contextKey string) []byte {
	return []byte(indexPrefix + contextKey + "/")
}

func (b *Badger) Append(ctx context.Context, e *history.ChangeEvent) error {
	return b.AppendBatch(ctx, []*history.ChangeEvent{e})
}

// AppendBatch writes all events in one Badger transaction.
func (b *Badger) AppendBatch(ctx context.Context, events []*history.ChangeEvent) error {
	if err := ledger.CheckAppend(events); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	db, err := b.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		for _, e := range events {
			if _, err := txn.Get(eventKey(e.ID)); err == nil {
				return fmt.Errorf("%w: change %s already recorded", history.ErrStorage, e.ID)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			seq, err := b.seq.Next()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			val, err := json.Marshal(badgerRecord{Seq: seq, Event: e})
			if err != nil {
				return fmt.Errorf("encode change %s: %w", e.ID, err)
			}
			if err := txn.Set(eventKey(e.ID), val); err != nil {
				return err
			}
			if err := txn.Set(indexKey(e.ContextKey, seq), []byte(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("append changes", err)
	}
	return nil
}

func getRecord(txn *badger.Txn, id string) (*badgerRecord, error) {
	item, err := txn.Get(eventKey(id))
	if err != nil {
		return nil, err
	}
	var rec badgerRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode change %s: %w", id, err)
	}
	return &rec, nil
}

// Get retrieves an event by id.
func (b *Badger) Get(ctx context.Context, id string) (*history.ChangeEvent, error) {
	b.mu.Lock()
	db, err := b.handle()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var rec *badgerRecord
	err = db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("change %s: %w", id, history.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get change", err)
	}
	return rec.Event, nil
}

// records loads every record of contextKey, or of all contexts when all
// is set.
func (b *Badger) records(contextKey string, all bool) ([]ledger.Record, error) {
	b.mu.Lock()
	db, err := b.handle()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return readRecords(db, contextKey, all)
}

func readRecords(db *badger.DB, contextKey string, all bool) ([]ledger.Record, error) {
	var recs []ledger.Record
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		if all {
			prefix := []byte(eventPrefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var rec badgerRecord
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				}); err != nil {
					return fmt.Errorf("decode change: %w", err)
				}
				recs = append(recs, ledger.Record{Event: rec.Event, Seq: rec.Seq})
			}
			return nil
		}

		prefix := indexPrefixFor(contextKey)
		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, ledger.Record{Event: rec.Event, Seq: rec.Seq})
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("read changes", err)
	}
	return recs, nil
}

// Query returns the events of key, newest first.
func (b *Badger) Query(ctx context.Context, key string, limit, offset int) ([]*history.ChangeEvent, error) {
	recs, err := b.records(key, false)
	if err != nil {
		return nil, err
	}
	ledger.SortNewestFirst(recs)
	lo, hi := ledger.Page(len(recs), limit, offset)
	out := make([]*history.ChangeEvent, 0, hi-lo)
	for _, r := range recs[lo:hi] {
		out = append(out, r.Event)
	}
	return out, nil
}

// Since returns the events of key at or after the given time, oldest first.
func (b *Badger) Since(ctx context.Context, key string, after time.Time) ([]*history.ChangeEvent, error) {
	recs, err := b.records(key, false)
	if err != nil {
		return nil, err
	}
	ledger.SortOldestFirst(recs)
	var out []*history.ChangeEvent
	for _, r := range recs {
		if !r.Event.Timestamp.Before(after) {
			out = append(out, r.Event)
		}
	}
	return out, nil
}

// ListContexts summarizes every context.
func (b *Badger) ListContexts(ctx context.Context) ([]history.ContextSummary, error) {
	recs, err := b.records("", true)
	if err != nil {
		return nil, err
	}
	return ledger.Summaries(recs), nil
}

// ClearContext deletes every event of key. Appends and other clears wait
// until the count and the delete are both done.
func (b *Badger) ClearContext(ctx context.Context, key string) (int, error) {
	return b.clear(key, false)
}

// ClearAll deletes every event.
func (b *Badger) ClearAll(ctx context.Context) (int, error) {
	return b.clear("", true)
}

func (b *Badger) clear(key string, all bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, err := b.handle()
	if err != nil {
		return 0, err
	}
	recs, err := readRecords(db, key, all)
	if err != nil {
		return 0, err
	}
	if err := deleteRecords(db, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Retract deletes the given events.
func (b *Badger) Retract(ctx context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, err := b.handle()
	if err != nil {
		return err
	}

	var recs []ledger.Record
	err = db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			recs = append(recs, ledger.Record{Event: rec.Event, Seq: rec.Seq})
		}
		return nil
	})
	if err != nil {
		return storageErr("retract changes", err)
	}
	return deleteRecords(db, recs)
}

// deleteRecords removes recs and their index entries. Callers hold b.mu.
func deleteRecords(db *badger.DB, recs []ledger.Record) error {
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		if err := wb.Delete(eventKey(r.Event.ID)); err != nil {
			return storageErr("delete change", err)
		}
		if err := wb.Delete(indexKey(r.Event.ContextKey, r.Seq)); err != nil {
			return storageErr("delete change", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageErr("delete changes", err)
	}
	return nil
}
