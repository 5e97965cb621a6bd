package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/zoravur/budgetsync/internal/source"
)

// stmt is a statement with positional arguments.
type stmt struct {
	sql  string
	args []any
}

type builder struct {
	t    *Table
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) column(c string) (string, error) {
	if !b.t.Has(c) {
		return "", fmt.Errorf("%s: unknown column %q", b.t.Name, c)
	}
	return pq.QuoteIdentifier(c), nil
}

func (b *builder) where(f source.Filter) (string, error) {
	switch f := f.(type) {
	case nil:
		return "", nil
	case source.Eq:
		col, err := b.column(f.Column)
		if err != nil {
			return "", err
		}
		if f.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + b.bind(f.Value), nil
	case source.Gte:
		col, err := b.column(f.Column)
		if err != nil {
			return "", err
		}
		return col + " >= " + b.bind(f.Value), nil
	case source.Lte:
		col, err := b.column(f.Column)
		if err != nil {
			return "", err
		}
		return col + " <= " + b.bind(f.Value), nil
	case source.ILike:
		col, err := b.column(f.Column)
		if err != nil {
			return "", err
		}
		return col + "::text ILIKE " + b.bind(f.Pattern), nil
	case source.And:
		parts := make([]string, 0, len(f))
		for _, m := range f {
			p, err := b.where(m)
			if err != nil {
				return "", err
			}
			if p != "" {
				parts = append(parts, p)
			}
		}
		switch len(parts) {
		case 0:
			return "", nil
		case 1:
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	default:
		return "", fmt.Errorf("unsupported filter %T", f)
	}
}

// selectList validates a select expression and renders it with quoted
// identifiers. Only bare columns and * are accepted; relation embeds such
// as "engagements(amount)" are dropped.
func selectList(t *Table, sel string) (string, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == source.DefaultSelect {
		return "*", nil
	}
	tree, err := pg_query.Parse("SELECT " + sel)
	if err != nil {
		return "", fmt.Errorf("select %q: %w", sel, err)
	}
	stmts := tree.GetStmts()
	if len(stmts) != 1 || stmts[0].GetStmt().GetSelectStmt() == nil {
		return "", fmt.Errorf("select %q: not a column list", sel)
	}
	s := stmts[0].GetStmt().GetSelectStmt()
	if len(s.GetFromClause()) > 0 || s.GetWhereClause() != nil || len(s.GetSortClause()) > 0 {
		return "", fmt.Errorf("select %q: not a column list", sel)
	}

	var cols []string
	for _, n := range s.GetTargetList() {
		rt := n.GetResTarget()
		if rt == nil || rt.GetVal() == nil {
			return "", fmt.Errorf("select %q: not a column list", sel)
		}
		if rt.GetName() != "" {
			return "", fmt.Errorf("select %q: aliases are not supported", sel)
		}
		if rt.GetVal().GetFuncCall() != nil {
			continue
		}
		cr := rt.GetVal().GetColumnRef()
		if cr == nil || len(cr.GetFields()) != 1 {
			return "", fmt.Errorf("select %q: only bare columns are supported", sel)
		}
		field := cr.GetFields()[0]
		if field.GetAStar() != nil {
			return "*", nil
		}
		name := field.GetString_().GetSval()
		b := builder{t: t}
		col, err := b.column(name)
		if err != nil {
			return "", err
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return "*", nil
	}
	return strings.Join(cols, ", "), nil
}

func buildSelect(t *Table, q source.Query) (stmt, error) {
	cols, err := selectList(t, q.Select)
	if err != nil {
		return stmt{}, err
	}
	b := builder{t: t}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, t.Ident())
	w, err := b.where(q.Filter)
	if err != nil {
		return stmt{}, err
	}
	if w != "" {
		sb.WriteString(" WHERE " + w)
	}
	if q.Sort != nil {
		col, err := b.column(q.Sort.Column)
		if err != nil {
			return stmt{}, err
		}
		dir := "DESC"
		if q.Sort.Ascending {
			dir = "ASC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", col, dir)
	}
	return stmt{sql: sb.String(), args: b.args}, nil
}

// sortedColumns returns the keys of row in a stable order, rejecting
// columns the table does not have.
func sortedColumns(t *Table, row source.Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if !t.Has(c) {
			return nil, fmt.Errorf("%s: unknown column %q", t.Name, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func buildInsert(t *Table, row source.Row) (stmt, error) {
	cols, err := sortedColumns(t, row)
	if err != nil {
		return stmt{}, err
	}
	if len(cols) == 0 {
		return stmt{sql: fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", t.Ident())}, nil
	}
	b := builder{t: t}
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = pq.QuoteIdentifier(c)
		params[i] = b.bind(row[c])
	}
	return stmt{
		sql: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			t.Ident(), strings.Join(names, ", "), strings.Join(params, ", ")),
		args: b.args,
	}, nil
}

func buildUpdate(t *Table, row source.Row, matchColumn string, matchValue any) (stmt, error) {
	cols, err := sortedColumns(t, row)
	if err != nil {
		return stmt{}, err
	}
	b := builder{t: t}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == matchColumn {
			continue
		}
		sets = append(sets, pq.QuoteIdentifier(c)+" = "+b.bind(row[c]))
	}
	if len(sets) == 0 {
		return stmt{}, fmt.Errorf("update %s: no columns to set", t.Name)
	}
	w, err := b.where(source.Eq{Column: matchColumn, Value: matchValue})
	if err != nil {
		return stmt{}, err
	}
	return stmt{
		sql:  fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *", t.Ident(), strings.Join(sets, ", "), w),
		args: b.args,
	}, nil
}

func buildUpsert(t *Table, row source.Row, onConflict string) (stmt, error) {
	if _, ok := row[onConflict]; !ok {
		return stmt{}, fmt.Errorf("upsert %s: row has no %s", t.Name, onConflict)
	}
	ins, err := buildInsert(t, row)
	if err != nil {
		return stmt{}, err
	}
	cols, _ := sortedColumns(t, row)
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != onConflict {
			q := pq.QuoteIdentifier(c)
			sets = append(sets, q+" = EXCLUDED."+q)
		}
	}
	if len(sets) == 0 {
		// DO NOTHING would return no row
		q := pq.QuoteIdentifier(onConflict)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	conflict, err := (&builder{t: t}).column(onConflict)
	if err != nil {
		return stmt{}, err
	}
	ins.sql = strings.TrimSuffix(ins.sql, " RETURNING *") +
		fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s RETURNING *", conflict, strings.Join(sets, ", "))
	return ins, nil
}

func buildDelete(t *Table, matchColumn string, matchValue any) (stmt, error) {
	b := builder{t: t}
	w, err := b.where(source.Eq{Column: matchColumn, Value: matchValue})
	if err != nil {
		return stmt{}, err
	}
	return stmt{sql: fmt.Sprintf("DELETE FROM %s WHERE %s", t.Ident(), w), args: b.args}, nil
}
