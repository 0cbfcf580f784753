package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// Conn is a single checked-out connection scoped to one request. It always
// runs inside a transaction with the RLS session variables already set
// transaction-locally, so every statement issued through it is automatically
// owner-scoped by Postgres itself, not just by application-level WHERE
// clauses. The caller must call Commit explicitly to keep its work; Close
// alone rolls back if Commit was not called, mirroring
// database/sql's own "defer tx.Rollback() is a no-op after Commit" idiom.
type Conn struct {
	conn *stdsql.Conn
	tx   *stdsql.Tx
	done bool
}

// Tx exposes the underlying transaction for callers that need ExecContext/
// QueryRowContext/QueryContext directly.
func (c *Conn) Tx() *stdsql.Tx {
	return c.tx
}

// Commit commits the underlying transaction and releases the connection
// back to the pool.
func (c *Conn) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	err := c.tx.Commit()
	_ = c.conn.Close()
	return err
}

// Close rolls back (if not already committed) and releases the connection.
// Safe to call unconditionally via defer after a successful Commit.
func (c *Conn) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	_ = c.tx.Rollback()
	return c.conn.Close()
}

// Conn checks out one fresh connection from the pool, opens a transaction on
// it, and sets the RLS session variables app.current_owner / app.current_org
// for the lifetime of that transaction via set_config(name, value, true) —
// the function form of SET LOCAL, which accepts a bind parameter and, unlike
// a plain SET, automatically reverts at transaction end even if the
// connection is later reused by the pool for an unrelated request.
func (c *Client) Conn(ctx context.Context, owner, orgID string) (*Conn, error) {
	raw, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking out connection: %w", err)
	}

	tx, err := raw.BeginTx(ctx, nil)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_owner', $1, true)`, owner); err != nil {
		_ = tx.Rollback()
		_ = raw.Close()
		return nil, fmt.Errorf("setting app.current_owner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_org', $1, true)`, orgID); err != nil {
		_ = tx.Rollback()
		_ = raw.Close()
		return nil, fmt.Errorf("setting app.current_org: %w", err)
	}

	return &Conn{conn: raw, tx: tx}, nil
}

// Checkpointer opens a dedicated scoped connection for thread-state
// (checkpoint) access — kept as a distinct entry point from Store even
// though both currently delegate to Conn, so the two persistence concerns
// can diverge (e.g. a future dedicated checkpoint connection pool) without
// callers noticing.
func (c *Client) Checkpointer(ctx context.Context, owner, orgID string) (*Conn, error) {
	return c.Conn(ctx, owner, orgID)
}

// Store opens a dedicated scoped connection for the cross-thread memory
// store.
func (c *Client) Store(ctx context.Context, owner, orgID string) (*Conn, error) {
	return c.Conn(ctx, owner, orgID)
}
