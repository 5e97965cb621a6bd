// Package postgres is a Source backed by a Postgres database. Reads and
// writes go through a pgx pool; change events come from a wal2json logical
// replication slot when one is configured.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
	"github.com/zoravur/budgetsync/internal/wal"
)

type (
	Source struct {
		pool   *pgxpool.Pool
		cat    *Catalog
		hub    *source.Hub
		log    *zap.Logger
		dsn    string
		schema string
		slot   string

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	Option func(*Source)
)

var _ source.Source = (*Source)(nil)

func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithSchema serves the tables of schema instead of public.
func WithSchema(schema string) Option {
	return func(s *Source) { s.schema = schema }
}

// WithReplication streams changes from the logical replication slot. The
// server must run with wal_level=logical and have wal2json installed.
func WithReplication(slot string) Option {
	return func(s *Source) { s.slot = slot }
}

// Open connects to dsn and loads the catalog of the served schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Source, error) {
	s := &Source{dsn: dsn, schema: "public", log: zap.L()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	cat, err := LoadCatalog(ctx, pool, s.schema)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool, s.cat = pool, cat
	s.hub = source.NewHub(s.log)
	s.log.Info("catalog loaded", zap.String("schema", s.schema), zap.Strings("tables", cat.Tables()))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.slot != "" {
		consumer := &wal.Consumer{Hub: s.hub, Log: s.log, Schema: s.schema}
		stream := wal.NewStream(dsn, s.slot, consumer, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := stream.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("replication stopped", zap.Error(err))
			}
		}()
	}
	return s, nil
}

func (s *Source) Catalog() *Catalog { return s.cat }

// Close stops replication and releases the pool.
func (s *Source) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.pool.Close()
	return nil
}

func (s *Source) query(ctx context.Context, st stmt) ([]source.Row, error) {
	s.log.Debug("query", zap.String("sql", st.sql), zap.Int("args", len(st.args)))
	rows, err := s.pool.Query(ctx, st.sql, st.args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]source.Row, len(maps))
	for i, m := range maps {
		out[i] = toRow(m)
	}
	return out, nil
}

func (s *Source) Query(ctx context.Context, q source.Query) ([]source.Row, error) {
	t, err := s.cat.Lookup(q.Table)
	if err != nil {
		return nil, err
	}
	st, err := buildSelect(t, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	return rows, nil
}

func (s *Source) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	t, err := s.cat.Lookup(table)
	if err != nil {
		return nil, err
	}
	st, err := buildInsert(t, row)
	if err != nil {
		return nil, err
	}
	return s.one(ctx, "insert", table, st)
}

func (s *Source) Update(ctx context.Context, table string, row source.Row, matchColumn string, matchValue any) (source.Row, error) {
	t, err := s.cat.Lookup(table)
	if err != nil {
		return nil, err
	}
	if matchColumn == "" {
		matchColumn = identity(t)
	}
	st, err := buildUpdate(t, row, matchColumn, matchValue)
	if err != nil {
		return nil, err
	}
	return s.one(ctx, "update", table, st)
}

func (s *Source) Upsert(ctx context.Context, table string, row source.Row, onConflict string) (source.Row, error) {
	t, err := s.cat.Lookup(table)
	if err != nil {
		return nil, err
	}
	if onConflict == "" {
		onConflict = identity(t)
	}
	st, err := buildUpsert(t, row, onConflict)
	if err != nil {
		return nil, err
	}
	return s.one(ctx, "upsert", table, st)
}

func (s *Source) Delete(ctx context.Context, table string, matchColumn string, matchValue any) error {
	t, err := s.cat.Lookup(table)
	if err != nil {
		return err
	}
	if matchColumn == "" {
		matchColumn = identity(t)
	}
	st, err := buildDelete(t, matchColumn, matchValue)
	if err != nil {
		return err
	}
	s.log.Debug("exec", zap.String("sql", st.sql))
	if _, err := s.pool.Exec(ctx, st.sql, st.args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// one runs a RETURNING statement and returns its first row.
func (s *Source) one(ctx context.Context, op, table string, st stmt) (source.Row, error) {
	rows, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", op, table, source.ErrNotFound)
	}
	return rows[0], nil
}

func identity(t *Table) string {
	if id := t.Identity(); id != "" {
		return id
	}
	return source.DefaultIdentity
}

func (s *Source) Subscribe(ctx context.Context, table string, onEvent func(source.ChangeEvent)) (source.Handle, error) {
	if err := ctx.Err(); err != nil {
		return source.Handle{}, err
	}
	if _, err := s.cat.Lookup(table); err != nil {
		return source.Handle{}, err
	}
	if s.slot == "" {
		s.log.Warn("subscription without replication slot; no events will arrive", zap.String("table", table))
	}
	return s.hub.Subscribe(table, onEvent), nil
}

func (s *Source) Unsubscribe(h source.Handle) error {
	return s.hub.Unsubscribe(h)
}
