// Package entity binds the budget tables to the reactive store. Each
// resource fixes the defaults of its table (sort, identity, stale time and
// the tables invalidated by its writes) so callers only name what they want.
package entity

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/reactive"
	"github.com/zoravur/budgetsync/internal/source"
)

// Dependents lists, per table, the tables whose cached results must be
// dropped after a write to it.
var Dependents = map[string][]string{
	Ministries:  {Portfolios},
	Portfolios:  {Programs},
	Programs:    {Actions},
	Actions:     {Operations},
	Operations:  {Engagements},
	Engagements: {Payments},
	Payments:    {Engagements},
}

// Selector picks a slice of a table: All, ByID or By.
type Selector struct {
	key    []string
	filter source.Filter
	single bool
	// an empty id or value disables the query instead of matching nothing
	disabled bool
}

func All() Selector { return Selector{key: []string{"all"}} }

func ByID(id string) Selector {
	return Selector{
		key:      []string{"byId", id},
		filter:   source.Eq{Column: source.DefaultIdentity, Value: id},
		single:   true,
		disabled: id == "",
	}
}

// By selects rows whose column equals value.
func By(column string, value any) Selector {
	v := source.FormatValue(value)
	return Selector{
		key:      []string{"by", column, v},
		filter:   source.Eq{Column: column, Value: value},
		disabled: value == nil || v == "",
	}
}

// QueryKey returns the cache query key of s.
func (s Selector) QueryKey() []string { return append([]string(nil), s.key...) }

// Resource is the typed access point for one table.
type Resource[T any] struct {
	reg   *reactive.Registry
	table string
	sort  *source.Sort
}

func NewResource[T any](reg *reactive.Registry, table string, sort *source.Sort) *Resource[T] {
	return &Resource[T]{reg: reg, table: table, sort: sort}
}

func (r *Resource[T]) Table() string { return r.table }

// Descriptor builds the query for sel with the table defaults applied.
func (r *Resource[T]) Descriptor(sel Selector) reactive.Descriptor {
	return reactive.Descriptor{
		Table:     r.table,
		QueryKey:  sel.QueryKey(),
		Filter:    sel.filter,
		Sort:      r.sort,
		StaleTime: cache.Forever,
		Single:    sel.single,
		Disabled:  sel.disabled,
	}
}

func (r *Resource[T]) List(ctx context.Context) ([]T, error) {
	return r.Select(ctx, All())
}

// Get returns the row with id, or source.ErrNotFound.
func (r *Resource[T]) Get(ctx context.Context, id string) (*T, error) {
	st, err := r.reg.Read(ctx, r.Descriptor(ByID(id)))
	if err != nil {
		return nil, err
	}
	row := st.One()
	if row == nil {
		return nil, fmt.Errorf("%s %s: %w", r.table, id, source.ErrNotFound)
	}
	return decodeRow[T](row)
}

func (r *Resource[T]) ListBy(ctx context.Context, column string, value any) ([]T, error) {
	return r.Select(ctx, By(column, value))
}

func (r *Resource[T]) Select(ctx context.Context, sel Selector) ([]T, error) {
	st, err := r.reg.Read(ctx, r.Descriptor(sel))
	if err != nil {
		return nil, err
	}
	return decodeRows[T](st.Data)
}

// Observe opens a live view of sel. Realtime views patch themselves from
// the change stream; the others refresh on invalidation only.
func (r *Resource[T]) Observe(sel Selector, realtime bool) *View[T] {
	d := r.Descriptor(sel)
	d.Realtime = realtime
	return &View[T]{res: r, obs: r.reg.Observe(d), realtime: realtime}
}

func (r *Resource[T]) options() reactive.MutationOptions {
	return reactive.MutationOptions{InvalidateTables: Dependents[r.table]}
}

func (r *Resource[T]) Create(ctx context.Context, v T) (*T, error) {
	row, err := toRow(v)
	if err != nil {
		return nil, err
	}
	return r.write(ctx, reactive.MutationRequest{Type: reactive.Insert, Table: r.table, Data: row})
}

// Update applies patch to the row with id.
func (r *Resource[T]) Update(ctx context.Context, id string, patch source.Row) (*T, error) {
	return r.write(ctx, reactive.MutationRequest{Type: reactive.Update, Table: r.table, ID: id, Data: patch})
}

func (r *Resource[T]) Upsert(ctx context.Context, v T) (*T, error) {
	row, err := toRow(v)
	if err != nil {
		return nil, err
	}
	return r.write(ctx, reactive.MutationRequest{Type: reactive.Upsert, Table: r.table, Data: row})
}

func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	_, err := r.reg.Mutate(ctx, reactive.MutationRequest{Type: reactive.Delete, Table: r.table, ID: id}, r.options())
	return err
}

// Batch runs reqs in order against this table and stops at the first
// failure. Rows written before the failure are returned with the error.
func (r *Resource[T]) Batch(ctx context.Context, reqs []reactive.MutationRequest) ([]T, error) {
	rows, err := r.reg.MutateBatch(ctx, r.table, reqs, r.options())
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, derr := decodeRow[T](row)
		if derr != nil {
			return out, derr
		}
		out = append(out, *v)
	}
	return out, err
}

// Invalidate drops every cached result of the table.
func (r *Resource[T]) Invalidate() {
	r.reg.InvalidateTable(r.table)
}

func (r *Resource[T]) write(ctx context.Context, req reactive.MutationRequest) (*T, error) {
	row, err := r.reg.Mutate(ctx, req, r.options())
	if err != nil {
		return nil, err
	}
	return decodeRow[T](row)
}

// toRow converts a model to a row through its JSON form; decimals stay
// exact as strings.
func toRow(v any) (source.Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var row source.Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return row, nil
}

func decodeRow[T any](row source.Row) (*T, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

func decodeRows[T any](rows []source.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decodeRow[T](row)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
