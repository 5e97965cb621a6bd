package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/zoravur/budgetsync/internal/source"
)

// Table describes one relation of the served schema.
type Table struct {
	Schema     string
	Name       string
	Columns    []string
	Types      map[string]string
	PrimaryKey []string
}

// Ident is the quoted, schema-qualified name of t.
func (t *Table) Ident() string {
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

func (t *Table) Has(column string) bool {
	_, ok := t.Types[column]
	return ok
}

// Identity is the single-column primary key of t, or "" for composite or
// missing keys.
func (t *Table) Identity() string {
	if len(t.PrimaryKey) == 1 {
		return t.PrimaryKey[0]
	}
	return ""
}

// Catalog holds the tables of one schema keyed by bare name.
type Catalog struct {
	schema string
	tables map[string]*Table
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadCatalog reads the columns and primary keys of schema from
// information_schema.
func LoadCatalog(ctx context.Context, db querier, schema string) (*Catalog, error) {
	cat := &Catalog{schema: schema, tables: make(map[string]*Table)}

	rows, err := db.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, schema)
	if err != nil {
		return nil, fmt.Errorf("query information_schema: %w", err)
	}
	for rows.Next() {
		var tbl, col, typ string
		if err := rows.Scan(&tbl, &col, &typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan: %w", err)
		}
		t := cat.tables[tbl]
		if t == nil {
			t = &Table{Schema: schema, Name: tbl, Types: make(map[string]string)}
			cat.tables[tbl] = t
		}
		t.Columns = append(t.Columns, col)
		t.Types[col] = typ
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}

	rows, err = db.Query(ctx, `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1
		ORDER BY kcu.table_name, kcu.ordinal_position`, schema)
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl, col string
		if err := rows.Scan(&tbl, &col); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if t := cat.tables[tbl]; t != nil {
			t.PrimaryKey = append(t.PrimaryKey, col)
		}
	}
	return cat, rows.Err()
}

// NewCatalog builds a catalog from known tables.
func NewCatalog(schema string, tables ...*Table) *Catalog {
	cat := &Catalog{schema: schema, tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if t.Schema == "" {
			t.Schema = schema
		}
		cat.tables[t.Name] = t
	}
	return cat
}

// Lookup returns the table called name or source.ErrUnknownTable.
func (c *Catalog) Lookup(name string) (*Table, error) {
	if t, ok := c.tables[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", source.ErrUnknownTable, name)
}

func (c *Catalog) Schema() string { return c.schema }

// Tables returns the sorted table names.
func (c *Catalog) Tables() []string {
	keys := make([]string, 0, len(c.tables))
	for k := range c.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
