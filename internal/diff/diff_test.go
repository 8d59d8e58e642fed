package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/history"
)

var userColumns = []Column{
	{Name: "id", Type: "INTEGER", PK: 1},
	{Name: "name", Type: "TEXT"},
	{Name: "age", Type: "INTEGER"},
	{Name: "prefs", Type: "TEXT"},
	{Name: "score", Type: "REAL"},
}

func TestUpdateEmitsOnlyDifferingFields(t *testing.T) {
	before := Row{"id": int64(1), "name": "A", "age": int64(30), "prefs": `{"a":1,"b":2}`, "score": 1.5}
	after := Row{"id": int64(1), "name": "B", "age": "30", "prefs": map[string]any{"b": 2, "a": 1}, "score": 1.5}

	changes := Update(userColumns, before, after)

	require.Len(t, changes, 1)
	assert.Equal(t, history.FieldChange{FieldName: "name", OldValue: "A", NewValue: "B", DataType: "TEXT"}, changes[0])
}

func TestUpdateCoercesToColumnType(t *testing.T) {
	changes := Update(userColumns, Row{"age": "30"}, Row{"age": int64(31)})

	require.Len(t, changes, 1)
	assert.Equal(t, int64(30), changes[0].OldValue)
	assert.Equal(t, int64(31), changes[0].NewValue)
	assert.Equal(t, "INTEGER", changes[0].DataType)
}

func TestUpdateIgnoresFieldsMissingOnOneSide(t *testing.T) {
	changes := Update(userColumns, Row{"name": "A", "age": int64(1)}, Row{"name": "A"})
	assert.Empty(t, changes)
}

func TestInsertSkipsNulls(t *testing.T) {
	changes := Insert(userColumns, Row{"id": int64(5), "name": "A", "age": nil})

	require.Len(t, changes, 2)
	assert.Equal(t, "id", changes[0].FieldName)
	assert.Nil(t, changes[0].OldValue)
	assert.Equal(t, int64(5), changes[0].NewValue)
	assert.Equal(t, "name", changes[1].FieldName)
}

func TestDeleteKeepsEveryField(t *testing.T) {
	changes := Delete(userColumns, Row{"id": int64(5), "name": "A", "age": nil})

	require.Len(t, changes, 3)
	for _, c := range changes {
		assert.Nil(t, c.NewValue)
	}
	assert.Equal(t, int64(5), changes[0].OldValue)
}

func TestUnknownColumnsInferType(t *testing.T) {
	changes := Insert(nil, Row{"z": 1.5, "a": int64(2), "m": []byte{1}})

	require.Len(t, changes, 3)
	assert.Equal(t, "a", changes[0].FieldName)
	assert.Equal(t, history.AffinityInteger, changes[0].DataType)
	assert.Equal(t, "m", changes[1].FieldName)
	assert.Equal(t, history.AffinityBlob, changes[1].DataType)
	assert.Equal(t, history.AffinityReal, changes[2].DataType)
}

func TestInvert(t *testing.T) {
	inv := Invert([]history.FieldChange{{FieldName: "name", OldValue: "A", NewValue: "B", DataType: "TEXT"}})
	assert.Equal(t, []history.FieldChange{{FieldName: "name", OldValue: "B", NewValue: "A", DataType: "TEXT"}}, inv)
}

func testBuilder() *Builder {
	n := 0
	return &Builder{
		Now: func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return "id-" + string(rune('0'+n))
		},
	}
}

func testBase() Base {
	return Base{
		ContextKey:         "ctx_test",
		DatabasePath:       "/tmp/work/app.db",
		Device:             history.DeviceContext{DeviceID: "dev1", PackageName: "com.app", DatabasePath: "/data/data/com.app/databases/app.db"},
		SessionID:          "session",
		OriginalRemotePath: "/data/data/com.app/databases/app.db",
	}
}

func TestRowEvent(t *testing.T) {
	b := testBuilder()
	ev, err := b.RowEvent(testBase(), "users", history.Update{}, userColumns,
		Row{"id": int64(1), "name": "A"}, Row{"id": int64(1), "name": "B"},
		map[string]any{"id": int64(1)}, history.Metadata{AffectedRows: 1})
	require.NoError(t, err)

	assert.Equal(t, "id-1", ev.ID)
	assert.Equal(t, "app.db", ev.DatabaseFilename)
	assert.Equal(t, "users", ev.TableName)
	assert.Equal(t, history.Update{}, ev.Operation)
	assert.Equal(t, "session", ev.UserContext.SessionID)
	assert.Equal(t, "/data/data/com.app/databases/app.db", ev.Metadata.OriginalRemotePath)
	assert.NoError(t, ev.Validate())
}

func TestRowEventWithoutChanges(t *testing.T) {
	_, err := testBuilder().RowEvent(testBase(), "users", history.Update{}, userColumns,
		Row{"name": "A"}, Row{"name": "A"}, nil, history.Metadata{})
	assert.ErrorIs(t, err, history.ErrNoChanges)

	_, err = testBuilder().RowEvent(testBase(), "users", history.Clear{}, userColumns, nil, nil, nil, history.Metadata{})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestBulkEvent(t *testing.T) {
	sql := "DELETE FROM users WHERE age > 40"
	ev, err := testBuilder().BulkEvent(testBase(), "users", history.BulkDelete{Count: 3}, history.Metadata{SQLStatement: sql})
	require.NoError(t, err)

	assert.Empty(t, ev.Changes)
	assert.Equal(t, int64(3), ev.Metadata.AffectedRows)
	assert.Equal(t, sql, ev.Metadata.SQLStatement)

	clear, err := testBuilder().BulkEvent(testBase(), "users", history.Clear{}, history.Metadata{AffectedRows: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(9), clear.Metadata.AffectedRows)

	_, err = testBuilder().BulkEvent(testBase(), "users", history.Insert{}, history.Metadata{})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestRevertEvent(t *testing.T) {
	ev := testBuilder().RevertEvent(testBase(), "users", "orig", nil,
		[]history.FieldChange{{FieldName: "name", OldValue: "B", NewValue: "A", DataType: "TEXT"}}, nil, history.Metadata{})

	op, ok := ev.Operation.(history.Revert)
	require.True(t, ok)
	assert.Equal(t, "orig", op.OriginalChangeID)
	assert.NotNil(t, op.CascadeRevertedIDs)
	assert.Empty(t, op.CascadeRevertedIDs)
}
