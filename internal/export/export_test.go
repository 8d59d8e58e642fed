package export

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/contextkey"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/ledger/ledgertest"
)

var (
	keyA = contextkey.MustDerive("emulator-5554", "com.example.app", "databases/app.db").String()
	keyB = contextkey.MustDerive("", "", "/home/me/notes.db").String()
)

func seed(t *testing.T) *ledger.Memory {
	t.Helper()
	l := ledger.NewMemory()
	ctx := context.Background()

	blob := ledgertest.Event("a2", keyA, 2)
	blob.Operation = history.Delete{}
	blob.Changes = []history.FieldChange{{FieldName: "avatar", OldValue: []byte{0, 1, 2}, DataType: "BLOB"}}

	bulk := ledgertest.Event("b1", keyB, 1)
	bulk.Operation = history.BulkUpdate{Count: 4}
	bulk.Changes = nil
	bulk.RowIdentifier = nil
	bulk.Metadata.SQLStatement = "UPDATE t SET x = 1"

	rev := ledgertest.Event("a3", keyA, 3)
	rev.Operation = history.Revert{OriginalChangeID: "a1", CascadeRevertedIDs: []string{}}

	require.NoError(t, l.AppendBatch(ctx, []*history.ChangeEvent{
		ledgertest.Event("a1", keyA, 0), blob, bulk, rev,
	}))
	return l
}

func TestSchemaCompiles(t *testing.T) {
	s, err := Schema()
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestExportRoundTrip(t *testing.T) {
	src := seed(t)
	ctx := context.Background()

	doc, err := Export(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, Version, doc.Version)
	assert.Len(t, doc.Contexts, 2)
	require.Len(t, doc.Events, 4)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc))

	read, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, read.Events, 4)

	dst := ledger.NewMemory()
	res, err := Import(ctx, dst, read)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 4}, res)

	for _, key := range []string{keyA, keyB} {
		want, err := src.Query(ctx, key, 0, 0)
		require.NoError(t, err)
		got, err := dst.Query(ctx, key, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	blob, err := dst.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, blob.Changes[0].OldValue)

	res, err = Import(ctx, dst, read)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Skipped: 4}, res, "re-import is idempotent")
}

func TestExportSelectedContexts(t *testing.T) {
	doc, err := Export(context.Background(), seed(t), keyB)
	require.NoError(t, err)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, "b1", doc.Events[0].ID)
	require.Len(t, doc.Contexts, 1)
	assert.Equal(t, keyB, doc.Contexts[0].ContextKey)
}

func TestExportOrdersOldestFirst(t *testing.T) {
	doc, err := Export(context.Background(), seed(t), keyA)
	require.NoError(t, err)
	var ids []string
	for _, e := range doc.Events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids)
}

func TestReadRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"version":`,
		"wrong version":  `{"version":2,"exportedAt":"2026-03-01T09:00:00Z","events":[]}`,
		"missing events": `{"version":1,"exportedAt":"2026-03-01T09:00:00Z"}`,
		"bad key": `{"version":1,"exportedAt":"2026-03-01T09:00:00Z","events":[{
			"id":"x","timestamp":"2026-03-01T09:00:00Z","contextKey":"nope","databasePath":"a.db","tableName":"t",
			"operationType":{"type":"Insert"},"userContext":{"device":{"databasePath":"a.db"},"sessionId":"s"},
			"changes":[],"metadata":{"affectedRows":1,"executionTimeMs":0}}]}`,
		"bulk without count": `{"version":1,"exportedAt":"2026-03-01T09:00:00Z","events":[{
			"id":"x","timestamp":"2026-03-01T09:00:00Z","contextKey":"` + keyA + `","databasePath":"a.db","tableName":"t",
			"operationType":{"type":"BulkDelete"},"userContext":{"device":{"databasePath":"a.db"},"sessionId":"s"},
			"changes":[],"metadata":{"affectedRows":1,"executionTimeMs":0}}]}`,
		"unknown field": `{"version":1,"exportedAt":"2026-03-01T09:00:00Z","events":[],"extra":true}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(body))
			assert.ErrorIs(t, err, history.ErrInvalidArgument)
		})
	}
}

func TestImportRejectsInvalidEvent(t *testing.T) {
	e := ledgertest.Event("x", keyA, 0)
	e.Changes = nil
	doc := &Document{Version: Version, Events: []*history.ChangeEvent{e}}

	dst := ledger.NewMemory()
	_, err := Import(context.Background(), dst, doc)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestImportBatches(t *testing.T) {
	old := importBatch
	importBatch = 2
	defer func() { importBatch = old }()

	doc, err := Export(context.Background(), seed(t))
	require.NoError(t, err)
	doc.Events = append(doc.Events, doc.Events[0])

	res, err := Import(context.Background(), ledger.NewMemory(), doc)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 4, Skipped: 1}, res)
}
