package threads

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

// ThreadStore is the persistence surface pkg/scheduler and pkg/api depend
// on. *Store is the Postgres-backed implementation; *MemStore is the
// in-process fallback pkg/database.NewClient degrades to on a failed
// connectivity probe (spec.md §4.2).
type ThreadStore interface {
	Create(ctx context.Context, t *Thread) (*Thread, error)
	Get(ctx context.Context, id uuid.UUID, owner string) (*Thread, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID, owner string) error
	List(ctx context.Context, owner string, limit, offset int) ([]*Thread, error)
	AddStateSnapshot(ctx context.Context, threadID uuid.UUID, values map[string]any, next []string, tasks []any, interrupts map[string]any) (*State, error)
	GetState(ctx context.Context, threadID uuid.UUID) (*State, error)
	GetHistory(ctx context.Context, threadID uuid.UUID, limit int, before *uuid.UUID) ([]*State, error)
}

var (
	_ ThreadStore = (*Store)(nil)
	_ ThreadStore = (*MemStore)(nil)
)

const (
	threadKeyPrefix = "thread:"
	stateKeyPrefix  = "threadstate:"
)

// MemStore is the in-process ThreadStore pkg/database.NewClient falls back
// to on a failed connectivity probe. Data lives only in the owning pod's
// memory for the process lifetime.
type MemStore struct {
	mu  sync.Mutex
	mem *database.MemoryFallback
}

// NewMemStore builds a ThreadStore over a shared MemoryFallback.
func NewMemStore(mem *database.MemoryFallback) *MemStore {
	return &MemStore{mem: mem}
}

func threadKey(id uuid.UUID) string { return threadKeyPrefix + id.String() }

func stateKeyPrefixFor(threadID uuid.UUID) string {
	return stateKeyPrefix + threadID.String() + ":"
}

func stateKey(threadID, checkpointID uuid.UUID) string {
	return stateKeyPrefixFor(threadID) + checkpointID.String()
}

func ownerVisible(owner, recordOwner string) bool {
	return recordOwner == owner || recordOwner == "system"
}

func (s *MemStore) putThread(t *Thread) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mem.Put(threadKey(t.ID), b)
	return nil
}

func (s *MemStore) loadThread(id uuid.UUID) (*Thread, bool, error) {
	b, ok := s.mem.Get(threadKey(id))
	if !ok {
		return nil, false, nil
	}
	var t Thread
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (s *MemStore) allThreads() ([]*Thread, error) {
	var out []*Thread
	for _, k := range s.mem.Keys(threadKeyPrefix) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var t Thread
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *MemStore) Create(ctx context.Context, t *Thread) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusIdle
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := s.putThread(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID, owner string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok, err := s.loadThread(id)
	if err != nil {
		return nil, err
	}
	if !ok || !ownerVisible(owner, t.Owner()) {
		return nil, apierr.ErrNotFound
	}
	return t, nil
}

func (s *MemStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok, err := s.loadThread(id)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return s.putThread(t)
}

func (s *MemStore) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok, err := s.loadThread(id)
	if err != nil {
		return err
	}
	if !ok || !ownerVisible(owner, t.Owner()) {
		return apierr.ErrNotFound
	}
	s.mem.Delete(threadKey(id))
	for _, k := range s.mem.Keys(stateKeyPrefixFor(id)) {
		s.mem.Delete(k)
	}
	return nil
}

func (s *MemStore) List(ctx context.Context, owner string, limit, offset int) ([]*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all, err := s.allThreads()
	if err != nil {
		return nil, err
	}
	var matched []*Thread
	for _, t := range all {
		if ownerVisible(owner, t.Owner()) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginateThreads(matched, limit, offset), nil
}

func (s *MemStore) AddStateSnapshot(ctx context.Context, threadID uuid.UUID, values map[string]any, next []string, tasks []any, interrupts map[string]any) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok, err := s.loadThread(threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.ErrNotFound
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
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	s.mem.Put(stateKey(threadID, snap.CheckpointID), b)

	t.Values = values
	t.Interrupts = interrupts
	t.UpdatedAt = snap.CreatedAt
	if err := s.putThread(t); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *MemStore) statesFor(threadID uuid.UUID) ([]*State, error) {
	var out []*State
	for _, k := range s.mem.Keys(stateKeyPrefixFor(threadID)) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal(b, &st); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) GetState(ctx context.Context, threadID uuid.UUID) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, err := s.statesFor(threadID)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states[0], nil
}

func (s *MemStore) GetHistory(ctx context.Context, threadID uuid.UUID, limit int, before *uuid.UUID) ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	states, err := s.statesFor(threadID)
	if err != nil {
		return nil, err
	}
	if before != nil {
		var cutoff time.Time
		for _, st := range states {
			if st.CheckpointID == *before {
				cutoff = st.CreatedAt
				break
			}
		}
		if !cutoff.IsZero() {
			var filtered []*State
			for _, st := range states {
				if st.CreatedAt.Before(cutoff) {
					filtered = append(filtered, st)
				}
			}
			states = filtered
		}
	}
	if len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

func paginateThreads(ts []*Thread, limit, offset int) []*Thread {
	if offset >= len(ts) {
		return nil
	}
	end := offset + limit
	if end > len(ts) {
		end = len(ts)
	}
	return ts[offset:end]
}
