// Package fixgres runs one throwaway Postgres container per test binary and
// hands every test its own migrated schema.
package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image      string
	dbName     string
	user       string
	password   string
	migrations fs.FS
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithMigrations applies the goose migrations in migFS to every sandbox.
func WithMigrations(migFS fs.FS) Option {
	return func(c *config) { c.migrations = migFS }
}

var (
	mu         sync.Mutex
	pg         *postgres.PostgresContainer
	connString string
	booted     *config
)

// Boot starts the container. Later calls reuse it and ignore their options.
func Boot(ctx context.Context, opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if booted != nil {
		return nil
	}
	c := &config{
		image:    "docker.io/postgres:16-alpine",
		dbName:   "app",
		user:     "postgres",
		password: "pass",
	}
	for _, o := range opts {
		o(c)
	}

	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("start postgres: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}
	pg = container
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)
	booted = c
	return nil
}

// Migrate applies the migrations of migFS to db.
func Migrate(ctx context.Context, db *sql.DB, migFS fs.FS) error {
	p, err := goose.NewProvider(goose.DialectPostgres, db, migFS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg, booted = nil, nil
	return err
}
