package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

// DefaultIndex is populated in creation order for kinds without an explicit ordering.
const DefaultIndex = "default"

// Fields is the raw field map of a record as held by the substrate.
type Fields map[string]string

// Clone returns a copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Entry pairs a primary key with its fields, as returned by range scans.
type Entry struct {
	PK     string
	Fields Fields
}

// ErrTransient marks substrate failures (unreachable, timeouts) that a caller
// may retry.
var ErrTransient = errors.New("transient storage error")

// ErrNoRecord is returned by writes that require an existing record.
var ErrNoRecord = errors.New("record does not exist")

// IsTransient reports whether err was marked as a transient substrate failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the key/value plus sorted-index substrate the record layer builds on.
// Absence is signalled by an empty Fields value, never by an error.
type Store interface {
	Add(ctx context.Context, kind string, fields Fields) (string, error)
	Set(ctx context.Context, kind, pk string, fields Fields) error
	Get(ctx context.Context, kind, pk string) (Fields, error)
	// Increment adds amount to an integer field of an existing record and
	// returns ErrNoRecord when the record is absent.
	Increment(ctx context.Context, kind, pk, field string, amount int64) (int64, error)
	// RaiseField atomically writes raw to field and moves pk to score in index,
	// but only when score is above pk's current score there. It reports
	// whether it wrote and returns ErrNoRecord when the record is absent.
	RaiseField(ctx context.Context, kind, pk, field, raw, index string, score float64) (bool, error)
	Delete(ctx context.Context, kind, pk string) error

	SetMeta(ctx context.Context, kind, pk string, fields Fields) error
	GetMeta(ctx context.Context, kind, pk string) (Fields, error)

	AddToIndex(ctx context.Context, kind, pk, index string, score float64) error
	RemoveFromIndex(ctx context.Context, kind, pk, index string) error
	List(ctx context.Context, kind, index string, offset, limit int, desc bool) ([]Entry, error)
	Count(ctx context.Context, kind, index string) (int64, error)

	AddRelation(ctx context.Context, fromKind, fromPK, toKind, toPK string, score float64) error
	// RemoveRelation drops a single edge, or every edge of fromPK towards
	// toKind when toPK is empty.
	RemoveRelation(ctx context.Context, fromKind, fromPK, toKind, toPK string) error
	ListRelations(ctx context.Context, fromKind, fromPK, toKind string, offset, limit int, desc bool) ([]Entry, error)

	AddToConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) error
	// ClaimConstraint atomically inserts pk into the constraint set only when the
	// set is empty and returns the canonical member afterwards.
	ClaimConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) (string, error)
	RemoveFromConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) error
	ListByConstraint(ctx context.Context, kind string, keyFields map[string]string) ([]string, error)

	Close() error
}

// rankRange converts offset/limit into inclusive start/stop ranks; limit <= 0
// means "to the end".
func rankRange(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return offset, -1
	}
	return offset, offset + limit - 1
}
