package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zoravur/budgetsync/internal/source"
)

// Seed upserts rows on the table identity in a single transaction.
func (s *Source) Seed(table string, rows ...source.Row) error {
	if len(rows) == 0 {
		return nil
	}
	t, err := s.cat.Lookup(table)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range rows {
		st, err := buildUpsert(t, r, identity(t))
		if err != nil {
			return fmt.Errorf("seed %s: %w", table, err)
		}
		batch.Queue(st.sql, st.args...)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seed %s: %w", table, err)
		}
		return nil
	})
}
