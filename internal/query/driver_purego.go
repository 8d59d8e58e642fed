//go:build purego

package query

import (
	"fmt"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver backing every SQLite handle.
const DriverName = "sqlite"

func dsn(path string, opts DBOptions) string {
	s := fmt.Sprintf("%s?_pragma=busy_timeout(%d)", path, opts.BusyTimeout.Milliseconds())
	if opts.ForeignKeys {
		s += "&_pragma=foreign_keys(1)"
	}
	if opts.WAL {
		s += "&_pragma=journal_mode(WAL)"
	}
	return s
}
