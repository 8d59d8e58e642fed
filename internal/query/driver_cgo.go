//go:build !purego

package query

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver backing every SQLite handle.
const DriverName = "sqlite3"

func dsn(path string, opts DBOptions) string {
	s := fmt.Sprintf("%s?_busy_timeout=%d", path, opts.BusyTimeout.Milliseconds())
	if opts.ForeignKeys {
		s += "&_foreign_keys=on"
	}
	if opts.WAL {
		s += "&_journal_mode=WAL"
	}
	return s
}
