// Package source defines the remote data source contract the sync core talks
// to: row queries built from a closed set of filter primitives, single-row
// writes, and per-table change subscriptions.
package source

import (
	"context"
	"errors"
	"fmt"
)

// Row is one record as returned by a data source.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Sort orders query results by a single column.
type Sort struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// Query is a logical read against one table.
type Query struct {
	Table  string `json:"table"`
	Select string `json:"select"`
	Filter Filter `json:"-"`
	Sort   *Sort  `json:"sort,omitempty"`
}

// Handle identifies a live subscription opened through Subscribe.
type Handle struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Source is implemented by every backend the core can read from and write to.
type Source interface {
	Query(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, row Row, matchColumn string, matchValue any) (Row, error)
	Upsert(ctx context.Context, table string, row Row, onConflict string) (Row, error)
	Delete(ctx context.Context, table string, matchColumn string, matchValue any) error

	// Subscribe delivers change events for table to onEvent, in delivery
	// order, until Unsubscribe is called with the returned handle.
	Subscribe(ctx context.Context, table string, onEvent func(ChangeEvent)) (Handle, error)
	Unsubscribe(h Handle) error
}

var (
	ErrNotFound     = errors.New("row not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrNoSuchHandle = errors.New("no such subscription")
)

// DefaultSelect is used when a query leaves Select empty.
const DefaultSelect = "*"

// DefaultIdentity is the identity column used when none is configured.
const DefaultIdentity = "id"

// IdentityOf renders the identity value of row as a comparable string so
// that ids decoded as float64 from JSON match ids scanned as int64.
func IdentityOf(row Row, column string) (string, bool) {
	if row == nil {
		return "", false
	}
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	return FormatValue(v), true
}

// FormatValue renders a scalar identity or match value.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case float32:
		if t == float32(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
