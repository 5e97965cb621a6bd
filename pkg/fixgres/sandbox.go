package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"
)

// Sandbox is a schema private to one test. DSN connects with the sandbox
// first on the search_path.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
}

func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := Boot(ctx, opts...); err != nil {
		t.Fatalf("fixgres boot failed: %v", err)
	}
}

func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	mu.Lock()
	cfg, base := booted, connString
	mu.Unlock()
	if cfg == nil {
		t.Fatalf("fixgres not booted. Call fixgres.BootOnce first.")
	}

	admin, err := sql.Open("pgx", base) // admin connection (no search_path)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	dsn := withSearchPath(base, schema)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}
	if cfg.migrations != nil {
		if err := Migrate(ctx, db, cfg.migrations); err != nil {
			t.Fatalf("migrate sandbox: %v", err)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Close()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = admin.Close()
	})
	return &Sandbox{DB: db, DSN: dsn, Schema: schema}
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
