// Package threads implements the thread record (conversation container) and
// the append-only thread-state snapshot store.
package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
)

// Status values for a Thread.
const (
	StatusIdle        = "idle"
	StatusBusy        = "busy"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// Thread is a conversation: current values, pending interrupts, metadata.
type Thread struct {
	ID         uuid.UUID      `json:"thread_id"`
	Status     string         `json:"status"`
	Values     map[string]any `json:"values"`
	Interrupts map[string]any `json:"interrupts"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Owner reads metadata["owner"].
func (t *Thread) Owner() string {
	if t.Metadata == nil {
		return ""
	}
	o, _ := t.Metadata["owner"].(string)
	return o
}

// State is an append-only snapshot of graph state at a node boundary.
type State struct {
	CheckpointID uuid.UUID      `json:"checkpoint_id"`
	ThreadID     uuid.UUID      `json:"thread_id"`
	Values       map[string]any `json:"values"`
	Next         []string       `json:"next"`
	Tasks        []any          `json:"tasks"`
	Interrupts   map[string]any `json:"interrupts"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store persists Thread and State records.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store over the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new thread, honouring a caller-chosen id when given.
func (s *Store) Create(ctx context.Context, t *Thread) (*Thread, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusIdle
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	values, err := marshal(t.Values)
	if err != nil {
		return nil, err
	}
	interrupts, err := marshal(t.Interrupts)
	if err != nil {
		return nil, err
	}
	meta, err := marshal(t.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO langgraph_server.threads (thread_id, status, values, interrupts, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Status, values, interrupts, meta, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	return t, nil
}

// Get returns a thread scoped to owner (own or system-owned).
func (s *Store) Get(ctx context.Context, id uuid.UUID, owner string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, status, values, interrupts, metadata, created_at, updated_at
		FROM langgraph_server.threads
		WHERE thread_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')`,
		id, owner)
	t, err := scanThread(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// SetStatus transitions a thread's status. Called by the scheduler on run
// start (→busy), terminal transition (→idle), and HIL pause (→interrupted).
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE langgraph_server.threads SET status = $2, updated_at = $3 WHERE thread_id = $1`,
		id, status, now)
	if err != nil {
		return fmt.Errorf("updating thread status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// Delete removes a thread; the runs/thread_states foreign keys cascade
// (ON DELETE CASCADE).
func (s *Store) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM langgraph_server.threads
		WHERE thread_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')`,
		id, owner)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// List returns threads visible to owner, newest first.
func (s *Store) List(ctx context.Context, owner string, limit, offset int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, status, values, interrupts, metadata, created_at, updated_at
		FROM langgraph_server.threads
		WHERE metadata->>'owner' = $1 OR metadata->>'owner' = 'system'
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddStateSnapshot appends a new checkpoint row and updates the thread's
// denormalised Values cache in lock-step, in a single transaction — the two
// writes must never be observed out of sync.
func (s *Store) AddStateSnapshot(ctx context.Context, threadID uuid.UUID, values map[string]any, next []string, tasks []any, interrupts map[string]any) (*State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	valuesJSON, err := marshal(values)
	if err != nil {
		return nil, err
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	interruptsJSON, err := marshal(interrupts)
	if err != nil {
		return nil, err
	}

	snap := &State{
		CheckpointID: uuid.New(),
		ThreadID:     threadID,
		Values:       values,
		Next:         next,
		Tasks:        tasks,
		Interrupts:   interrupts,
		CreatedAt:    time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO langgraph_server.thread_states (checkpoint_id, thread_id, values, next, tasks, interrupts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.CheckpointID, snap.ThreadID, valuesJSON, nextJSON, tasksJSON, interruptsJSON, snap.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting thread_state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE langgraph_server.threads SET values = $2, interrupts = $3, updated_at = $4 WHERE thread_id = $1`,
		threadID, valuesJSON, interruptsJSON, snap.CreatedAt); err != nil {
		return nil, fmt.Errorf("updating thread values cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetState returns the most recent snapshot, or nil if none exists.
func (s *Store) GetState(ctx context.Context, threadID uuid.UUID) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, values, next, tasks, interrupts, created_at
		FROM langgraph_server.thread_states
		WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1`, threadID)
	st, err := scanState(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

// GetHistory returns up to limit snapshots, newest first, optionally
// excluding snapshots at or after the `before` checkpoint's created_at.
func (s *Store) GetHistory(ctx context.Context, threadID uuid.UUID, limit int, before *uuid.UUID) ([]*State, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{threadID}
	query := `SELECT checkpoint_id, thread_id, values, next, tasks, interrupts, created_at
		FROM langgraph_server.thread_states WHERE thread_id = $1`
	if before != nil {
		query += ` AND created_at < (SELECT created_at FROM langgraph_server.thread_states WHERE checkpoint_id = $2)`
		args = append(args, *before)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanThread(row scanner) (*Thread, error) {
	var t Thread
	var values, interrupts, meta []byte
	if err := row.Scan(&t.ID, &t.Status, &values, &interrupts, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(values, &t.Values); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(interrupts, &t.Interrupts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanState(row scanner) (*State, error) {
	var st State
	var values, next, tasks, interrupts []byte
	if err := row.Scan(&st.CheckpointID, &st.ThreadID, &values, &next, &tasks, &interrupts, &st.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(values, &st.Values); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(next, &st.Next); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tasks, &st.Tasks); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(interrupts, &st.Interrupts); err != nil {
		return nil, err
	}
	return &st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func marshal(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}
