// Package ledgertest provides a conformance suite run against every ledger
// backend.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/history"
	"flippio/internal/ledger"
)

// Base is the timestamp of the first generated event.
var Base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Event returns a valid Update event of key at Base plus offset seconds.
func Event(id, key string, offset int) *history.ChangeEvent {
	pulled := Base.Add(-time.Hour)
	return &history.ChangeEvent{
		ID:               id,
		Timestamp:        Base.Add(time.Duration(offset) * time.Second),
		ContextKey:       key,
		DatabasePath:     "/tmp/work/" + key + "/app.db",
		DatabaseFilename: "app.db",
		TableName:        "users",
		Operation:        history.Update{},
		UserContext: history.UserContext{
			Device: history.DeviceContext{
				DeviceID:     "emulator-5554",
				DeviceName:   "Pixel 8",
				DeviceType:   history.DeviceAndroidEmulator,
				PackageName:  "com.example.app",
				AppName:      "Example",
				DatabasePath: "/data/data/com.example.app/databases/app.db",
			},
			SessionID: "session-1",
		},
		Changes: []history.FieldChange{
			{FieldName: "name", OldValue: "Ada", NewValue: "Grace", DataType: "TEXT"},
		},
		RowIdentifier: map[string]any{"id": int64(1)},
		Metadata: history.Metadata{
			AffectedRows:       1,
			ExecutionTimeMs:    3,
			OriginalRemotePath: "/data/data/com.example.app/databases/app.db",
			PullTimestamp:      &pulled,
		},
	}
}

// Opener creates an empty ledger for one subtest.
type Opener func(t *testing.T) ledger.Ledger

// Run executes the conformance suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, l ledger.Ledger)
	}{
		{"AppendGetRoundTrip", testRoundTrip},
		{"OperationTypesRoundTrip", testOperationTypes},
		{"DuplicateID", testDuplicateID},
		{"BatchAllOrNothing", testBatchAllOrNothing},
		{"GetMissing", testGetMissing},
		{"QueryOrdering", testQueryOrdering},
		{"QueryPagination", testQueryPagination},
		{"Since", testSince},
		{"ListContexts", testListContexts},
		{"ClearContextIdempotent", testClearContext},
		{"ClearAll", testClearAll},
		{"Retract", testRetract},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ConcurrentClears", testConcurrentClears},
		{"ReturnsCopies", testReturnsCopies},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := open(t)
			t.Cleanup(func() { l.Close() })
			tt.fn(t, l)
		})
	}
}

func testRoundTrip(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	e := Event("c1", "ctx_a", 0)
	e.Changes = []history.FieldChange{
		{FieldName: "name", OldValue: "Ada", NewValue: "Grace", DataType: "TEXT"},
		{FieldName: "age", OldValue: int64(36), NewValue: int64(37), DataType: "INTEGER"},
		{FieldName: "score", OldValue: 2.0, NewValue: 2.5, DataType: "REAL"},
		{FieldName: "avatar", OldValue: nil, NewValue: []byte{0, 1, 2}, DataType: "BLOB"},
	}
	require.NoError(t, l.Append(ctx, e))

	got, err := l.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func testOperationTypes(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	ops := []history.Operation{
		history.Insert{},
		history.Delete{},
		history.Clear{},
		history.BulkInsert{Count: 2},
		history.BulkUpdate{Count: 3},
		history.BulkDelete{Count: 4},
		history.Revert{OriginalChangeID: "orig", CascadeRevertedIDs: []string{"c2", "c3"}},
		history.Revert{OriginalChangeID: "orig2", CascadeRevertedIDs: []string{}},
	}
	for i, op := range ops {
		e := Event(fmt.Sprintf("op%d", i), "ctx_ops", i)
		e.Operation = op
		if !history.IsRowLevel(op) {
			e.Changes = []history.FieldChange{}
			e.RowIdentifier = nil
			e.Metadata.SQLStatement = "DELETE FROM users"
		}
		require.NoError(t, l.Append(ctx, e))

		got, err := l.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, op, got.Operation, "operation %s", op.Kind())
		assert.Equal(t, e.Metadata, got.Metadata)
	}
}

func testDuplicateID(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("c1", "ctx_a", 0)))

	dup := Event("c1", "ctx_a", 5)
	dup.Changes[0].NewValue = "Other"
	err := l.Append(ctx, dup)
	assert.ErrorIs(t, err, history.ErrStorage)

	got, err := l.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.Changes[0].NewValue)
}

func testBatchAllOrNothing(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("c1", "ctx_a", 0)))

	err := l.AppendBatch(ctx, []*history.ChangeEvent{Event("c2", "ctx_a", 1), Event("c1", "ctx_a", 2)})
	require.Error(t, err)

	_, err = l.Get(ctx, "c2")
	assert.ErrorIs(t, err, history.ErrNotFound)

	require.NoError(t, l.AppendBatch(ctx, []*history.ChangeEvent{Event("c2", "ctx_a", 1), Event("c3", "ctx_a", 2)}))
	events, err := l.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func testGetMissing(t *testing.T, l ledger.Ledger) {
	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func ids(events []*history.ChangeEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func testQueryOrdering(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	// e2 and e3 share a timestamp; the later append sorts first.
	require.NoError(t, l.Append(ctx, Event("e1", "ctx_a", 0)))
	require.NoError(t, l.Append(ctx, Event("e3", "ctx_a", 5)))
	require.NoError(t, l.Append(ctx, Event("e2", "ctx_a", 5)))
	require.NoError(t, l.Append(ctx, Event("e0", "ctx_a", -5)))
	require.NoError(t, l.Append(ctx, Event("x1", "ctx_b", 10)))

	events, err := l.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e3", "e1", "e0"}, ids(events))

	empty, err := l.Query(ctx, "ctx_missing", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testQueryPagination(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, l.Append(ctx, Event(fmt.Sprintf("p%d", i), "ctx_a", i)))
	}

	var paged []string
	for offset := 0; offset < 7; offset += 3 {
		page, err := l.Query(ctx, "ctx_a", 3, offset)
		require.NoError(t, err)
		paged = append(paged, ids(page)...)
	}
	all, err := l.Query(ctx, "ctx_a", -1, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(all), paged)
	assert.Equal(t, "p6", paged[0])

	beyond, err := l.Query(ctx, "ctx_a", 3, 50)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testSince(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("s0", "ctx_a", 0)))
	require.NoError(t, l.Append(ctx, Event("s2", "ctx_a", 2)))
	require.NoError(t, l.Append(ctx, Event("s1", "ctx_a", 1)))
	require.NoError(t, l.Append(ctx, Event("s1b", "ctx_a", 1)))
	require.NoError(t, l.Append(ctx, Event("o1", "ctx_b", 1)))

	events, err := l.Since(ctx, "ctx_a", Base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s1b", "s2"}, ids(events))
}

func testListContexts(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("a1", "ctx_a", 0)))
	require.NoError(t, l.Append(ctx, Event("a2", "ctx_a", 30)))
	require.NoError(t, l.Append(ctx, Event("b1", "ctx_b", 10)))

	newest := Event("c1", "ctx_c", 20)
	newest.UserContext.Device.DeviceName = "iPhone 15"
	newest.UserContext.Device.AppName = "Other"
	require.NoError(t, l.Append(ctx, newest))

	summaries, err := l.ListContexts(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, "ctx_a", summaries[0].ContextKey)
	assert.Equal(t, 2, summaries[0].TotalChanges)
	assert.True(t, Base.Add(30*time.Second).Equal(summaries[0].LastChangeTime))
	assert.Equal(t, "ctx_c", summaries[1].ContextKey)
	assert.Equal(t, "iPhone 15", summaries[1].DeviceName)
	assert.Equal(t, "Other", summaries[1].AppName)
	assert.Equal(t, "app.db", summaries[1].DatabaseFilename)
	assert.Equal(t, "ctx_b", summaries[2].ContextKey)
}

func testClearContext(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("a1", "ctx_a", 0)))
	require.NoError(t, l.Append(ctx, Event("a2", "ctx_a", 1)))
	require.NoError(t, l.Append(ctx, Event("b1", "ctx_b", 2)))

	n, err := l.ClearContext(ctx, "ctx_a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.ClearContext(ctx, "ctx_a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	events, err := l.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	summaries, err := l.ListContexts(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "ctx_b", summaries[0].ContextKey)
}

func testClearAll(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	n, err := l.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, l.Append(ctx, Event("a1", "ctx_a", 0)))
	require.NoError(t, l.Append(ctx, Event("b1", "ctx_b", 1)))

	n, err = l.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	summaries, err := l.ListContexts(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	// Ids are free again after a clear.
	require.NoError(t, l.Append(ctx, Event("a1", "ctx_a", 0)))
}

func testRetract(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Event("a1", "ctx_a", 0)))
	require.NoError(t, l.AppendBatch(ctx, []*history.ChangeEvent{Event("r1", "ctx_a", 1), Event("r2", "ctx_a", 2)}))

	require.NoError(t, l.Retract(ctx, []string{"r1", "r2", "unknown"}))

	events, err := l.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(events))
}

func testConcurrentAppends(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- l.Append(ctx, Event(fmt.Sprintf("c%02d", i), "ctx_a", i%5))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := l.Query(ctx, "ctx_a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, n)

	seen := make(map[string]bool)
	for _, e := range events {
		assert.False(t, seen[e.ID], "duplicate %s", e.ID)
		seen[e.ID] = true
	}
}

// Concurrent clears of the same events must count each event exactly once.
func testConcurrentClears(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	const n, workers = 20, 8

	fill := func(prefix string) {
		for i := 0; i < n; i++ {
			require.NoError(t, l.Append(ctx, Event(fmt.Sprintf("%s%02d", prefix, i), "ctx_a", i)))
		}
	}
	race := func(clearFn func() (int, error)) int {
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total int
		)
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cleared, err := clearFn()
				errs <- err
				mu.Lock()
				total += cleared
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		return total
	}

	fill("x")
	assert.Equal(t, n, race(func() (int, error) { return l.ClearContext(ctx, "ctx_a") }))

	fill("y")
	assert.Equal(t, n, race(func() (int, error) { return l.ClearAll(ctx) }))

	summaries, err := l.ListContexts(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func testReturnsCopies(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	e := Event("a1", "ctx_a", 0)
	require.NoError(t, l.Append(ctx, e))
	e.Changes[0].NewValue = "mutated after append"

	got, err := l.Get(ctx, "a1")
	require.NoError(t, err)
	got.Changes[0].NewValue = "mutated after get"

	again, err := l.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", again.Changes[0].NewValue)
}
