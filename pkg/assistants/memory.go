package assistants

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

// AssistantStore is the persistence surface pkg/scheduler and pkg/api
// depend on. *Store is the Postgres-backed implementation; *MemStore is the
// in-process fallback pkg/database.NewClient degrades to on a failed
// connectivity probe (spec.md §4.2).
type AssistantStore interface {
	Create(ctx context.Context, a *Assistant) (*Assistant, error)
	Get(ctx context.Context, id uuid.UUID, owner string) (*Assistant, error)
	Update(ctx context.Context, a *Assistant, callerOwner string) (*Assistant, error)
	Delete(ctx context.Context, id uuid.UUID, callerOwner string) error
	List(ctx context.Context, owner string, limit, offset int) ([]*Assistant, error)
	ResolveByIDOrGraphID(ctx context.Context, idOrGraphID string, owner string) (*Assistant, error)
}

var (
	_ AssistantStore = (*Store)(nil)
	_ AssistantStore = (*MemStore)(nil)
)

const assistantKeyPrefix = "assistant:"

// MemStore is the in-process AssistantStore pkg/database.NewClient falls
// back to on a failed connectivity probe. Data lives only in the owning
// pod's memory for the process lifetime.
type MemStore struct {
	mu  sync.Mutex
	mem *database.MemoryFallback
}

// NewMemStore builds an AssistantStore over a shared MemoryFallback.
func NewMemStore(mem *database.MemoryFallback) *MemStore {
	return &MemStore{mem: mem}
}

func assistantKey(id uuid.UUID) string { return assistantKeyPrefix + id.String() }

func (s *MemStore) put(a *Assistant) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.mem.Put(assistantKey(a.ID), b)
	return nil
}

func (s *MemStore) load(id uuid.UUID) (*Assistant, bool, error) {
	b, ok := s.mem.Get(assistantKey(id))
	if !ok {
		return nil, false, nil
	}
	var a Assistant
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

func (s *MemStore) all() ([]*Assistant, error) {
	var out []*Assistant
	for _, k := range s.mem.Keys(assistantKeyPrefix) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var a Assistant
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

func visible(owner, recordOwner string) bool {
	return recordOwner == owner || recordOwner == SystemOwner
}

func (s *MemStore) Create(ctx context.Context, a *Assistant) (*Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Version == 0 {
		a.Version = 1
	}
	if err := s.put(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID, owner string) (*Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !ok || !visible(owner, a.Owner()) {
		return nil, apierr.ErrNotFound
	}
	return a, nil
}

func (s *MemStore) Update(ctx context.Context, a *Assistant, callerOwner string) (*Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok, err := s.load(a.ID)
	if err != nil {
		return nil, err
	}
	if !ok || !visible(callerOwner, existing.Owner()) {
		return nil, apierr.ErrNotFound
	}
	if existing.Owner() == SystemOwner && callerOwner != SystemOwner {
		return nil, apierr.NewValidationError("owner", "system-owned assistants are only mutable by system")
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.put(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *MemStore) Delete(ctx context.Context, id uuid.UUID, callerOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok || !visible(callerOwner, existing.Owner()) {
		return apierr.ErrNotFound
	}
	if existing.Owner() == SystemOwner && callerOwner != SystemOwner {
		return apierr.NewValidationError("owner", "system-owned assistants are only mutable by system")
	}
	s.mem.Delete(assistantKey(id))
	return nil
}

func (s *MemStore) List(ctx context.Context, owner string, limit, offset int) ([]*Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var matched []*Assistant
	for _, a := range all {
		if visible(owner, a.Owner()) {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *MemStore) ResolveByIDOrGraphID(ctx context.Context, idOrGraphID string, owner string) (*Assistant, error) {
	if id, err := uuid.Parse(idOrGraphID); err == nil {
		return s.Get(ctx, id, owner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var best *Assistant
	for _, a := range all {
		if a.GraphID != idOrGraphID || !visible(owner, a.Owner()) {
			continue
		}
		if best == nil || a.CreatedAt.Before(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, apierr.ErrNotFound
	}
	return best, nil
}
