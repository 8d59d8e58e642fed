package ledger

import (
	"context"
	"time"
)

// SchemaVersion is one step of a backend's schema history.
type SchemaVersion struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"appliedAt,omitzero"`
}

// SchemaStatus reports which schema versions a backend has applied.
type SchemaStatus struct {
	Current int             `json:"current"`
	Latest  int             `json:"latest"`
	Applied []SchemaVersion `json:"applied"`
	Pending []SchemaVersion `json:"pending"`
}

// UpToDate reports whether every known version is applied.
func (s *SchemaStatus) UpToDate() bool {
	return s.Current == s.Latest && len(s.Pending) == 0
}

// Versioned is implemented by backends whose storage schema is migrated.
type Versioned interface {
	// SchemaStatus lists applied and pending versions.
	SchemaStatus(ctx context.Context) (*SchemaStatus, error)
	// CheckSchema fails unless the schema is current and complete.
	CheckSchema(ctx context.Context) error
	// RollbackSchema undoes every applied version above to, newest first,
	// and returns the versions it removed. The backend migrates forward
	// again the next time it is opened.
	RollbackSchema(ctx context.Context, to int) ([]SchemaVersion, error)
}

// AsVersioned unwraps decorators around l and returns its Versioned
// implementation, if any.
func AsVersioned(l Ledger) (Versioned, bool) {
	for l != nil {
		if v, ok := l.(Versioned); ok {
			return v, true
		}
		u, ok := l.(interface{ Unwrap() Ledger })
		if !ok {
			return nil, false
		}
		l = u.Unwrap()
	}
	return nil, false
}
