// Package cron implements the cron scheduler (C8): durable schedule
// templates that fire runs on a recurring basis. Grounded structurally on
// the teacher's pkg/cleanup/service.go ticker-plus-context-cancel
// background-loop shape (Start/Stop/run, one time.Ticker, idempotent
// per-tick work); schedule parsing and next-fire computation reuse
// github.com/robfig/cron/v3's standard/seconds-optional parser rather than
// running cron.Cron's own dispatch goroutine, since fire-time logic
// (reload-before-fire, thread-reuse, payload replay) is domain-specific and
// does not fit the library's callback model.
package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/agentgraph/runtime/pkg/apierr"
)

// OnRunCompleted controls thread lifecycle after each fire.
const (
	OnRunCompletedDelete = "delete"
	OnRunCompletedKeep   = "keep"
)

// Cron is a scheduled run template. ThreadID is optional on the record
// (per spec.md §9's resolution of the source's null/required mismatch) and
// is only required at fire time, computed from OnRunCompleted: a "delete"
// cron reuses the same (disposable) thread every fire; a "keep" cron
// creates a fresh thread per fire so history is never shared across runs.
type Cron struct {
	ID              uuid.UUID      `json:"cron_id"`
	AssistantID     uuid.UUID      `json:"assistant_id"`
	ThreadID        *uuid.UUID     `json:"thread_id,omitempty"`
	Schedule        string         `json:"schedule"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	Payload         map[string]any `json:"payload"`
	NextRunDate     time.Time      `json:"next_run_date"`
	OnRunCompleted  string         `json:"on_run_completed"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Owner reads metadata["owner"].
func (c *Cron) Owner() string {
	if c.Metadata == nil {
		return ""
	}
	o, _ := c.Metadata["owner"].(string)
	return o
}

// parser accepts both 5-field (standard, minute resolution) and 6-field
// (seconds-optional) schedules, matching spec.md §3's "5- or 6-field cron"
// data model note.
var parser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a schedule string and returns its parsed form.
func ParseSchedule(schedule string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, apierr.NewValidationError("schedule", fmt.Sprintf("invalid cron schedule %q: %v", schedule, err))
	}
	return sched, nil
}

// NextFireAfter computes the next fire time strictly after `after`, in UTC.
func NextFireAfter(schedule string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()).UTC(), nil
}

// CronStore is the persistence surface pkg/api and this package's own
// Scheduler depend on. *Store is the Postgres-backed implementation;
// *MemStore is the in-process fallback pkg/database.NewClient degrades to
// on a failed connectivity probe (spec.md §4.2).
type CronStore interface {
	Create(ctx context.Context, c *Cron) (*Cron, error)
	Get(ctx context.Context, id uuid.UUID, owner string) (*Cron, error)
	Delete(ctx context.Context, id uuid.UUID, owner string) error
	List(ctx context.Context, owner string, limit, offset int) ([]*Cron, error)
	DueBefore(ctx context.Context, cutoff time.Time) ([]*Cron, error)
	SetThread(ctx context.Context, id uuid.UUID, threadID uuid.UUID) error
	AdvanceNextRunDate(ctx context.Context, id uuid.UUID, schedule string, from time.Time) (time.Time, error)
	// Reload returns a cron by id with no owner scoping — used internally
	// by the fire loop, which already resolved the cron once via DueBefore.
	Reload(ctx context.Context, id uuid.UUID) (*Cron, error)
}

var _ CronStore = (*Store)(nil)

// Store persists Cron records.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new cron, validating the schedule and (if set) that
// end_time is in the future, and computing the initial next_run_date.
func (s *Store) Create(ctx context.Context, c *Cron) (*Cron, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.OnRunCompleted == "" {
		c.OnRunCompleted = OnRunCompletedKeep
	}
	now := time.Now().UTC()
	if c.EndTime != nil && !c.EndTime.After(now) {
		return nil, apierr.NewValidationError("end_time", "must be in the future")
	}
	next, err := NextFireAfter(c.Schedule, now)
	if err != nil {
		return nil, err
	}
	c.NextRunDate = next
	c.CreatedAt, c.UpdatedAt = now, now

	payload, err := marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	meta, err := marshal(c.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO langgraph_server.crons
			(cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.AssistantID, nullUUID(c.ThreadID), c.Schedule, c.EndTime, payload, c.NextRunDate, c.OnRunCompleted, meta, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting cron: %w", err)
	}
	return c, nil
}

// Get returns a cron scoped to owner (own or system-owned).
func (s *Store) Get(ctx context.Context, id uuid.UUID, owner string) (*Cron, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at
		FROM langgraph_server.crons
		WHERE cron_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')`,
		id, owner)
	c, err := scanCron(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// Delete removes a cron.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM langgraph_server.crons
		WHERE cron_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = 'system')`,
		id, owner)
	if err != nil {
		return fmt.Errorf("deleting cron: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// List returns every cron visible to owner, newest first.
func (s *Store) List(ctx context.Context, owner string, limit, offset int) ([]*Cron, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at
		FROM langgraph_server.crons
		WHERE metadata->>'owner' = $1 OR metadata->>'owner' = 'system'
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Cron
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DueBefore returns every cron whose next_run_date is at or before cutoff —
// the query the scheduler's tick uses to find fireable crons.
func (s *Store) DueBefore(ctx context.Context, cutoff time.Time) ([]*Cron, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at
		FROM langgraph_server.crons
		WHERE next_run_date <= $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Cron
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetThread records the thread a cron's latest fire ran on. The fire loop
// calls it whenever it creates a thread: on every fire of a "keep" cron, and
// on the first fire of a "delete" cron, which reuses that ThreadID afterwards.
func (s *Store) SetThread(ctx context.Context, id uuid.UUID, threadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE langgraph_server.crons SET thread_id = $2, updated_at = $3 WHERE cron_id = $1`,
		id, threadID, time.Now().UTC())
	return err
}

// AdvanceNextRunDate recomputes and persists next_run_date after a fire.
// Only next_run_date and updated_at are written — payload and metadata are
// never rebound here, so the source system's documented bug of binding raw
// dicts as scalar parameters on cron updates (spec.md §9) cannot occur.
func (s *Store) AdvanceNextRunDate(ctx context.Context, id uuid.UUID, schedule string, from time.Time) (time.Time, error) {
	next, err := NextFireAfter(schedule, from)
	if err != nil {
		return time.Time{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE langgraph_server.crons SET next_run_date = $2, updated_at = $3 WHERE cron_id = $1`,
		id, next, time.Now().UTC())
	if err != nil {
		return time.Time{}, fmt.Errorf("advancing next_run_date: %w", err)
	}
	return next, nil
}

// Reload returns a cron by id with no owner scoping, for the fire loop's
// own use once DueBefore has already surfaced it.
func (s *Store) Reload(ctx context.Context, id uuid.UUID) (*Cron, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at
		FROM langgraph_server.crons WHERE cron_id = $1`, id)
	c, err := scanCron(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCron(row scanner) (*Cron, error) {
	var c Cron
	var threadID uuid.NullUUID
	var endTime sql.NullTime
	var payload, meta []byte
	if err := row.Scan(&c.ID, &c.AssistantID, &threadID, &c.Schedule, &endTime, &payload, &c.NextRunDate, &c.OnRunCompleted, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if threadID.Valid {
		t := threadID.UUID
		c.ThreadID = &t
	}
	if endTime.Valid {
		c.EndTime = &endTime.Time
	}
	if err := json.Unmarshal(payload, &c.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func marshal(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}
