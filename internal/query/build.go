package query

import (
	"fmt"
	"slices"
	"strings"

	"flippio/internal/diff"
)

// RowID is the implicit key used for tables without a declared primary key.
const RowID = "rowid"

// QuoteIdent quotes a table or column name for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// KeyColumns returns the identifying columns of a table: its primary key in
// declaration order, or the implicit rowid when none is declared.
func KeyColumns(cols []diff.Column) []string {
	var pk []diff.Column
	for _, c := range cols {
		if c.PK > 0 {
			pk = append(pk, c)
		}
	}
	if len(pk) == 0 {
		return []string{RowID}
	}
	slices.SortFunc(pk, func(a, b diff.Column) int { return a.PK - b.PK })
	names := make([]string, len(pk))
	for i, c := range pk {
		names[i] = c.Name
	}
	return names
}

// UsesRowID reports whether keys is the implicit rowid key.
func UsesRowID(keys []string) bool {
	return len(keys) == 1 && keys[0] == RowID
}

// Identity extracts the key column values from row.
func Identity(keys []string, row diff.Row) (map[string]any, error) {
	id := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := row[k]
		if !ok {
			return nil, fmt.Errorf("row is missing key column %s", k)
		}
		id[k] = v
	}
	return id, nil
}

// where renders a conjunction matching every column of match. IS is used
// so NULL keys compare equal.
func where(match map[string]any) (string, []any) {
	names := sortedKeys(match)
	parts := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		parts[i] = quoteColumn(n) + " IS ?"
		args[i] = match[n]
	}
	return strings.Join(parts, " AND "), args
}

func quoteColumn(name string) string {
	if name == RowID {
		return RowID
	}
	return QuoteIdent(name)
}

// SelectRows renders a SELECT of the rows matching match. When withRowID is
// set the implicit rowid is returned as an extra column.
func SelectRows(table string, match map[string]any, withRowID bool) (string, []any) {
	cols := "*"
	if withRowID {
		cols = RowID + ` AS "` + RowID + `", *`
	}
	q := "SELECT " + cols + " FROM " + QuoteIdent(table)
	if len(match) == 0 {
		return q, nil
	}
	w, args := where(match)
	return q + " WHERE " + w, args
}

// InsertRow renders an INSERT of values.
func InsertRow(table string, values map[string]any) (string, []any) {
	if len(values) == 0 {
		return "INSERT INTO " + QuoteIdent(table) + " DEFAULT VALUES", nil
	}
	names := sortedKeys(values)
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		cols[i] = quoteColumn(n)
		marks[i] = "?"
		args[i] = values[n]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return q, args
}

// UpdateRow renders an UPDATE setting values on the rows matching match.
func UpdateRow(table string, values, match map[string]any) (string, []any) {
	names := sortedKeys(values)
	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+len(match))
	for i, n := range names {
		sets[i] = quoteColumn(n) + " = ?"
		args = append(args, values[n])
	}
	w, wargs := where(match)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteIdent(table), strings.Join(sets, ", "), w)
	return q, append(args, wargs...)
}

// DeleteRow renders a DELETE of the rows matching match.
func DeleteRow(table string, match map[string]any) (string, []any) {
	w, args := where(match)
	return "DELETE FROM " + QuoteIdent(table) + " WHERE " + w, args
}

// DeleteAll renders a DELETE of every row of table.
func DeleteAll(table string) string {
	return "DELETE FROM " + QuoteIdent(table)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
