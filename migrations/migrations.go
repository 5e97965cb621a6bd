// Package migrations embeds the goose migrations of the budget schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Up applies every pending migration to schema of the database at dsn,
// creating the schema when it is missing.
func Up(ctx context.Context, dsn, schema string) ([]*goose.MigrationResult, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	// search_path is per connection
	db.SetMaxOpenConns(1)

	if schema != "" && schema != "public" {
		ident := pq.QuoteIdentifier(schema)
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, "SET search_path TO "+ident); err != nil {
			return nil, fmt.Errorf("search_path: %w", err)
		}
	}

	p, err := goose.NewProvider(goose.DialectPostgres, db, FS)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return res, fmt.Errorf("goose up: %w", err)
	}
	return res, nil
}
