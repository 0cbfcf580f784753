package runs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/database"
)

// RunStore is the persistence surface pkg/scheduler and pkg/api depend on.
// *Store is the Postgres-backed implementation; *MemStore is the in-process
// fallback pkg/database.NewClient degrades to when the startup probe fails
// (spec.md §4.2). Both satisfy it with identical scoping semantics.
type RunStore interface {
	Create(ctx context.Context, r *Run) (*Run, error)
	Get(ctx context.Context, id uuid.UUID, owner string) (*Run, error)
	GetActiveRun(ctx context.Context, threadID uuid.UUID, owner string) (*Run, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error
	Touch(ctx context.Context, id uuid.UUID) error
	ClaimNext(ctx context.Context, podID string) (*Run, error)
	DeleteByThread(ctx context.Context, threadID, runID uuid.UUID, owner string) error
	ListByThread(ctx context.Context, threadID uuid.UUID, owner string, limit, offset int) ([]*Run, error)
	StaleRunning(ctx context.Context, threshold time.Duration) ([]*Run, error)
}

var (
	_ RunStore = (*Store)(nil)
	_ RunStore = (*MemStore)(nil)
)

const runKeyPrefix = "run:"

// MemStore is the in-process RunStore pkg/database.NewClient falls back to
// on a failed connectivity probe. Data lives only in the owning pod's
// memory for the process lifetime, per the MemoryFallback contract.
type MemStore struct {
	mu  sync.Mutex
	mem *database.MemoryFallback
}

// NewMemStore builds a RunStore over a shared MemoryFallback.
func NewMemStore(mem *database.MemoryFallback) *MemStore {
	return &MemStore{mem: mem}
}

func runKey(id uuid.UUID) string { return runKeyPrefix + id.String() }

func (s *MemStore) put(r *Run) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mem.Put(runKey(r.ID), b)
	return nil
}

func (s *MemStore) load(id uuid.UUID) (*Run, bool, error) {
	b, ok := s.mem.Get(runKey(id))
	if !ok {
		return nil, false, nil
	}
	var r Run
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *MemStore) all() ([]*Run, error) {
	var out []*Run
	for _, k := range s.mem.Keys(runKeyPrefix) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var r Run
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

func ownerVisible(owner, recordOwner string) bool {
	return recordOwner == owner || recordOwner == "system"
}

func (s *MemStore) Create(ctx context.Context, r *Run) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	if err := s.put(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID, owner string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !ok || !ownerVisible(owner, r.Owner()) {
		return nil, apierr.ErrNotFound
	}
	return r, nil
}

func (s *MemStore) GetActiveRun(ctx context.Context, threadID uuid.UUID, owner string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var best *Run
	for _, r := range all {
		if r.ThreadID != threadID || !ownerVisible(owner, r.Owner()) {
			continue
		}
		if r.Status != StatusPending && r.Status != StatusRunning {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	return best, nil
}

func (s *MemStore) TransitionStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.ErrNotFound
	}
	if IsTerminal(r.Status) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = status
	r.ErrorMessage = errMsg
	r.UpdatedAt = now
	if IsTerminal(status) {
		r.CompletedAt = &now
	}
	return s.put(r)
}

func (s *MemStore) Touch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.ErrNotFound
	}
	now := time.Now().UTC()
	r.LastInteractionAt = &now
	r.UpdatedAt = now
	return s.put(r)
}

func (s *MemStore) ClaimNext(ctx context.Context, podID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, r := range all {
		if r.Status != StatusPending {
			continue
		}
		now := time.Now().UTC()
		r.Status = StatusRunning
		r.PodID = podID
		r.StartedAt = &now
		r.LastInteractionAt = &now
		r.UpdatedAt = now
		if err := s.put(r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, nil
}

func (s *MemStore) DeleteByThread(ctx context.Context, threadID, runID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.load(runID)
	if err != nil {
		return err
	}
	if !ok || r.ThreadID != threadID || !ownerVisible(owner, r.Owner()) {
		return apierr.ErrNotFound
	}
	s.mem.Delete(runKey(runID))
	return nil
}

func (s *MemStore) ListByThread(ctx context.Context, threadID uuid.UUID, owner string, limit, offset int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var matched []*Run
	for _, r := range all {
		if r.ThreadID == threadID && ownerVisible(owner, r.Owner()) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginateRuns(matched, limit, offset), nil
}

func (s *MemStore) StaleRunning(ctx context.Context, threshold time.Duration) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Run
	for _, r := range all {
		if r.Status == StatusRunning && r.LastInteractionAt != nil && r.LastInteractionAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func paginateRuns(rs []*Run, limit, offset int) []*Run {
	if offset >= len(rs) {
		return nil
	}
	end := offset + limit
	if end > len(rs) {
		end = len(rs)
	}
	return rs[offset:end]
}
