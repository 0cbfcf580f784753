// Package store implements the cross-thread memory store: namespaced
// key/value items an assistant can read and write independently of any one
// thread's checkpoint history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/namespace"
)

// Item is one namespaced key/value entry.
type Item struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store persists Item records, scoped by owner and namespace.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts or overwrites an item at (namespace, key) for owner.
func (s *Store) Put(ctx context.Context, owner string, ns []string, key string, value, metadata map[string]any) (*Item, error) {
	if key == "" {
		return nil, apierr.NewValidationError("key", "must not be empty")
	}
	now := time.Now().UTC()
	valueJSON, err := marshal(value)
	if err != nil {
		return nil, err
	}
	metaJSON, err := marshal(metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO langgraph_server.store_items (namespace, key, owner, value, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (namespace, key, owner)
		DO UPDATE SET value = EXCLUDED.value, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		namespace.Join(ns), key, owner, valueJSON, metaJSON, now)
	if err != nil {
		return nil, fmt.Errorf("upserting store item: %w", err)
	}

	return &Item{Namespace: ns, Key: key, Value: value, Metadata: metadata, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns the item at (namespace, key), scoped to owner (own or system).
func (s *Store) Get(ctx context.Context, owner string, ns []string, key string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, metadata, created_at, updated_at
		FROM langgraph_server.store_items
		WHERE namespace = $1 AND key = $2 AND (owner = $3 OR owner = 'system')`,
		namespace.Join(ns), key, owner)
	it, err := scanItem(row, ns)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return it, nil
}

// Delete removes the item at (namespace, key) for owner.
func (s *Store) Delete(ctx context.Context, owner string, ns []string, key string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM langgraph_server.store_items
		WHERE namespace = $1 AND key = $2 AND owner = $3`,
		namespace.Join(ns), key, owner)
	if err != nil {
		return fmt.Errorf("deleting store item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// List returns every item whose namespace equals ns for owner, newest first;
// items in longer namespaces that start with ns are not included. A nil or
// empty ns lists every item the owner can see.
func (s *Store) List(ctx context.Context, owner string, ns []string, limit, offset int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{owner, limit, offset}
	query := `
		SELECT namespace, key, value, metadata, created_at, updated_at
		FROM langgraph_server.store_items
		WHERE (owner = $1 OR owner = 'system')`
	if len(ns) > 0 {
		query += ` AND namespace = $4`
		args = append(args, namespace.Join(ns))
	}
	query += ` ORDER BY updated_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing store items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		var rawNS, key string
		var valueJSON, metaJSON []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&rawNS, &key, &valueJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		it := &Item{Key: key, Namespace: splitNamespace(rawNS), CreatedAt: createdAt, UpdatedAt: updatedAt}
		if err := json.Unmarshal(valueJSON, &it.Value); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner, ns []string) (*Item, error) {
	var key string
	var valueJSON, metaJSON []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&key, &valueJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	it := &Item{Key: key, Namespace: ns, CreatedAt: createdAt, UpdatedAt: updatedAt}
	if err := json.Unmarshal(valueJSON, &it.Value); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
		return nil, err
	}
	return it, nil
}

func splitNamespace(joined string) []string {
	var out []string
	start := 0
	for i := 0; i < len(joined); i++ {
		if joined[i] == 0 {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	out = append(out, joined[start:])
	return out
}

func marshal(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}
