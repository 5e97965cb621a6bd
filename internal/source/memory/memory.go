// Package memory is an in-process Source. Tables are ordered trees keyed by
// row identity; every write is pushed to the table's subscribers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

type (
	Source struct {
		mu       sync.Mutex
		tables   map[string]*btree.Tree[string, source.Row]
		hub      *source.Hub
		identity string
		strict   map[string]bool
		log      *zap.Logger
	}

	Option func(*Source)
)

var _ source.Source = (*Source)(nil)

// WithTables restricts the source to the named tables; any other table
// fails with source.ErrUnknownTable.
func WithTables(tables ...string) Option {
	return func(s *Source) {
		s.strict = make(map[string]bool, len(tables))
		for _, t := range tables {
			s.strict[t] = true
		}
	}
}

func WithIdentity(column string) Option {
	return func(s *Source) { s.identity = column }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.log = l }
}

func New(options ...Option) *Source {
	s := &Source{
		tables:   make(map[string]*btree.Tree[string, source.Row]),
		identity: source.DefaultIdentity,
		log:      zap.L(),
	}
	for _, o := range options {
		o(s)
	}
	s.hub = source.NewHub(s.log.Named("memory"))
	return s
}

// Seed stores rows without emitting change events.
func (s *Source) Seed(table string, rows ...source.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		id, ok := source.IdentityOf(r, s.identity)
		if !ok {
			return fmt.Errorf("seed %s: row without %s", table, s.identity)
		}
		t.Put(id, r.Clone())
	}
	return nil
}

// Size returns the number of rows in table.
func (s *Source) Size(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[table]; ok {
		return t.Size()
	}
	return 0
}

func (s *Source) table(name string) (*btree.Tree[string, source.Row], error) {
	if s.strict != nil && !s.strict[name] {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownTable, name)
	}
	t, ok := s.tables[name]
	if !ok {
		t = btree.New[string, source.Row](generic.Less[string])
		s.tables[name] = t
	}
	return t, nil
}

func (s *Source) Query(ctx context.Context, q source.Query) ([]source.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	t, err := s.table(q.Table)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	cols := projection(q.Select)
	out := make([]source.Row, 0)
	t.Each(func(_ string, r source.Row) {
		if source.Match(q.Filter, r) {
			out = append(out, project(r, cols))
		}
	})
	s.mu.Unlock()

	if q.Sort != nil {
		col, asc := q.Sort.Column, q.Sort.Ascending
		sort.SliceStable(out, func(i, j int) bool {
			c := source.Compare(out[i][col], out[j][col])
			if asc {
				return c < 0
			}
			return c > 0
		})
	}
	return out, nil
}

func (s *Source) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return s.insertLocked(t, table, row)
}

func (s *Source) insertLocked(t *btree.Tree[string, source.Row], table string, row source.Row) (source.Row, error) {
	r := row.Clone()
	if r == nil {
		r = source.Row{}
	}
	id, ok := source.IdentityOf(r, s.identity)
	if !ok {
		id = uuid.NewString()
		r[s.identity] = id
	}
	if _, exists := t.Get(id); exists {
		return nil, fmt.Errorf("insert %s: duplicate %s %q", table, s.identity, id)
	}
	t.Put(id, r)
	s.hub.Publish(source.ChangeEvent{Type: source.ChangeInsert, Table: table, New: r.Clone()})
	return r.Clone(), nil
}

func (s *Source) Update(ctx context.Context, table string, row source.Row, matchColumn string, matchValue any) (source.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	ids := s.matchLocked(t, matchColumn, matchValue)
	if len(ids) == 0 {
		return nil, fmt.Errorf("update %s where %s=%v: %w", table, matchColumn, matchValue, source.ErrNotFound)
	}
	var first source.Row
	for _, id := range ids {
		updated := s.updateLocked(t, table, id, row)
		if first == nil {
			first = updated
		}
	}
	return first, nil
}

func (s *Source) updateLocked(t *btree.Tree[string, source.Row], table, id string, patch source.Row) source.Row {
	old, _ := t.Get(id)
	merged := old.Clone()
	for k, v := range patch {
		if k == s.identity {
			continue
		}
		merged[k] = v
	}
	t.Put(id, merged)
	s.hub.Publish(source.ChangeEvent{Type: source.ChangeUpdate, Table: table, New: merged.Clone(), Old: old.Clone()})
	return merged.Clone()
}

func (s *Source) Upsert(ctx context.Context, table string, row source.Row, onConflict string) (source.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onConflict == "" {
		onConflict = s.identity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	if v, ok := row[onConflict]; ok {
		if ids := s.matchLocked(t, onConflict, v); len(ids) > 0 {
			return s.updateLocked(t, table, ids[0], row), nil
		}
	}
	return s.insertLocked(t, table, row)
}

func (s *Source) Delete(ctx context.Context, table string, matchColumn string, matchValue any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	for _, id := range s.matchLocked(t, matchColumn, matchValue) {
		old, _ := t.Get(id)
		t.Remove(id)
		s.hub.Publish(source.ChangeEvent{Type: source.ChangeDelete, Table: table, Old: old.Clone()})
	}
	return nil
}

func (s *Source) matchLocked(t *btree.Tree[string, source.Row], column string, value any) []string {
	if column == "" {
		column = s.identity
	}
	if column == s.identity {
		id := source.FormatValue(value)
		if _, ok := t.Get(id); ok {
			return []string{id}
		}
		return nil
	}
	var ids []string
	f := source.Eq{Column: column, Value: value}
	t.Each(func(id string, r source.Row) {
		if source.Match(f, r) {
			ids = append(ids, id)
		}
	})
	return ids
}

func projection(sel string) []string {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == source.DefaultSelect {
		return nil
	}
	var cols []string
	for _, c := range strings.Split(sel, ",") {
		c = strings.TrimSpace(c)
		if c == source.DefaultSelect {
			return nil
		}
		// relation embeds are not resolved in memory
		if c == "" || strings.ContainsAny(c, "():") {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

func project(r source.Row, cols []string) source.Row {
	if cols == nil {
		return r.Clone()
	}
	out := make(source.Row, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}
