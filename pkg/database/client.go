// Package database provides the persistence boundary: per-request
// connection scoping (no connection is ever cached across requests),
// idempotent schema setup via embedded golang-migrate migrations, and an
// in-memory fallback used when the initial connectivity probe fails.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database connection settings.
type Config struct {
	URL         string
	PoolMinSize int
	PoolMaxSize int
	PoolTimeout time.Duration
}

// Client wraps a pgx-backed *sql.DB. Nothing acquired from Client is ever
// cached on the caller's behalf: Conn checks out a fresh *sql.Conn from the
// pool per call and hands back a value scoped to the caller's own context,
// released on scope exit. A shared pool that cached synchronisation
// primitives on whichever goroutine first touched it would break the moment
// a different goroutine reused it; per-request acquisition avoids that.
type Client struct {
	db *stdsql.DB
}

// DB returns the underlying shared pool. cmd/agentrtd builds every
// SQL-backed domain store on it, and the /health handler probes it; Conn is
// the transaction-scoped alternative that sets the RLS variables.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the connection pool, probes connectivity, and applies
// migrations. On probe failure the caller is expected to fall back to the
// in-memory MemStores built on MemoryFallback (memory.go) rather than
// retrying here.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolMaxSize)
	db.SetMaxIdleConns(cfg.PoolMinSize)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.PoolTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connectivity probe failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an already-open *sql.DB. Used by tests that set up
// their own testcontainers-backed instance.
func NewClientFromDB(db *stdsql.DB) *Client {
	return &Client{db: db}
}

// runMigrations applies every pending embedded migration. Deliberately does
// not call m.Close(), which would close the *sql.DB passed into
// postgres.WithInstance via the shared driver handle — the pool outlives
// this call.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "langgraph_server", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return sourceDriver.Close()
}
