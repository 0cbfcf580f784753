// Package runs implements the durable run record store (C4): CRUD over Run,
// multitask conflict detection, and one-way status transitions.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
)

// Status values for a Run. Terminal states are Success, Error, Timeout,
// Interrupted; only Pending/Running may be cancelled or transitioned.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusInterrupted = "interrupted"
)

// IsTerminal reports whether status is one a run cannot leave.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusError, StatusTimeout, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Multitask strategies governing what happens when a new run is started
// against a thread that already has an active run.
const (
	StrategyReject    = "reject"
	StrategyEnqueue   = "enqueue"
	StrategyInterrupt = "interrupt"
	StrategyRollback  = "rollback"
)

// Run is one invocation of a graph against a thread's current state.
type Run struct {
	ID                 uuid.UUID      `json:"run_id"`
	ThreadID           uuid.UUID      `json:"thread_id"`
	AssistantID        uuid.UUID      `json:"assistant_id"`
	Status             string         `json:"status"`
	Metadata           map[string]any `json:"metadata"`
	Kwargs             map[string]any `json:"kwargs"`
	MultitaskStrategy  string         `json:"multitask_strategy"`
	PodID              string         `json:"-"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	LastInteractionAt  *time.Time     `json:"-"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Owner reads metadata["owner"].
func (r *Run) Owner() string {
	if r.Metadata == nil {
		return ""
	}
	o, _ := r.Metadata["owner"].(string)
	return o
}

// ErrInvalidTransition is returned when a caller attempts to move a run out
// of a terminal status.
var ErrInvalidTransition = fmt.Errorf("run: invalid status transition")

// Store persists Run records.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new run, honouring a caller-chosen id when given.
func (s *Store) Create(ctx context.Context, r *Run) (*Run, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.MultitaskStrategy == "" {
		r.MultitaskStrategy = StrategyReject
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	meta, err := marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	kwargs, err := marshal(r.Kwargs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO langgraph_server.runs
			(run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ThreadID, r.AssistantID, r.Status, meta, kwargs, r.MultitaskStrategy, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return r, nil
}

// Get returns a run scoped to owner (own or system-owned).
func (s *Store) Get(ctx context.Context, id uuid.UUID, owner string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs
		WHERE run_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')`,
		id, owner)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// GetActiveRun returns the run currently in {pending, running} for a thread,
// or nil if none. Concurrent starters race here; Postgres's read-committed
// default means the loser of a race still observes the winner's insert only
// once it commits, so callers relying on this for reject semantics should
// hold a row lock; this query takes none.
func (s *Store) GetActiveRun(ctx context.Context, threadID uuid.UUID, owner string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs
		WHERE thread_id = $1 AND status IN ($2, $3)
		  AND (metadata->>'owner' = $4 OR metadata->>'owner' = 'system')
		ORDER BY created_at ASC LIMIT 1`,
		threadID, StatusPending, StatusRunning, owner)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// TransitionStatus moves a run to a new status. Terminal states are one-way;
// attempting to transition out of one returns ErrInvalidTransition. Setting
// a terminal status also stamps completed_at.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	current, err := s.getByID(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminal(current.Status) {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if IsTerminal(status) {
		completedAt = &now
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE langgraph_server.runs
		SET status = $2, error_message = $3, completed_at = $4, updated_at = $5
		WHERE run_id = $1`,
		id, status, errMsg, completedAt, now)
	if err != nil {
		return fmt.Errorf("transitioning run status: %w", err)
	}
	return nil
}

// Touch updates last_interaction_at, the heartbeat column StaleRunning reads.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE langgraph_server.runs SET last_interaction_at = $2, updated_at = $2 WHERE run_id = $1`,
		id, now)
	return err
}

// ClaimNext atomically claims the oldest pending run for pod podID, skipping
// rows already locked by other pods, using FOR UPDATE SKIP LOCKED.
// pkg/scheduler does not call it: it starts runs directly rather than
// polling for them.
func (s *Store) ClaimNext(ctx context.Context, podID string) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs
		WHERE status = $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, StatusPending)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE langgraph_server.runs
		SET status = $2, pod_id = $3, started_at = $4, last_interaction_at = $4, updated_at = $4
		WHERE run_id = $1`,
		r.ID, StatusRunning, podID, now); err != nil {
		return nil, fmt.Errorf("claiming run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.Status = StatusRunning
	r.PodID = podID
	r.StartedAt = &now
	return r, nil
}

// DeleteByThread removes a single run scoped to thread and owner. Threads do
// not cascade-delete their runs automatically; callers that want to clear
// every run for a thread must delete each explicitly. The database foreign
// key (pkg/database/migrations) does cascade when the thread itself is
// deleted — a separate, multi-row cascade case distinct from this
// single-run API.
func (s *Store) DeleteByThread(ctx context.Context, threadID, runID uuid.UUID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM langgraph_server.runs
		WHERE thread_id = $1 AND run_id = $2 AND (metadata->>'owner' = $3 OR metadata->>'owner' = 'system')`,
		threadID, runID, owner)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// ListByThread returns runs for a thread, newest first.
func (s *Store) ListByThread(ctx context.Context, threadID uuid.UUID, owner string, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs
		WHERE thread_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		threadID, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StaleRunning returns runs stuck in "running" whose last_interaction_at is
// older than threshold — the query behind the scheduler's orphan sweeps.
// Runs whose last_interaction_at is NULL are not returned.
func (s *Store) StaleRunning(ctx context.Context, threshold time.Duration) ([]*Run, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs
		WHERE status = $1 AND last_interaction_at < $2`,
		StatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) getByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy,
		       pod_id, started_at, last_interaction_at, completed_at, error_message, created_at, updated_at
		FROM langgraph_server.runs WHERE run_id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var meta, kwargs []byte
	var podID sql.NullString
	var startedAt, lastInteraction, completedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.ThreadID, &r.AssistantID, &r.Status, &meta, &kwargs, &r.MultitaskStrategy,
		&podID, &startedAt, &lastInteraction, &completedAt, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &r.Metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(kwargs, &r.Kwargs); err != nil {
		return nil, err
	}
	r.PodID = podID.String
	r.ErrorMessage = errMsg.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if lastInteraction.Valid {
		r.LastInteractionAt = &lastInteraction.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func marshal(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}
