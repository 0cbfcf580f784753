package cron

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

var _ CronStore = (*MemStore)(nil)

const cronKeyPrefix = "cron:"

// MemStore is the in-process CronStore pkg/database.NewClient falls back to
// on a failed connectivity probe. Data lives only in the owning pod's
// memory for the process lifetime.
type MemStore struct {
	mu  sync.Mutex
	mem *database.MemoryFallback
}

// NewMemStore builds a CronStore over a shared MemoryFallback.
func NewMemStore(mem *database.MemoryFallback) *MemStore {
	return &MemStore{mem: mem}
}

func cronKey(id uuid.UUID) string { return cronKeyPrefix + id.String() }

func (s *MemStore) put(c *Cron) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mem.Put(cronKey(c.ID), b)
	return nil
}

func (s *MemStore) load(id uuid.UUID) (*Cron, bool, error) {
	b, ok := s.mem.Get(cronKey(id))
	if !ok {
		return nil, false, nil
	}
	var c Cron
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *MemStore) all() ([]*Cron, error) {
	var out []*Cron
	for _, k := range s.mem.Keys(cronKeyPrefix) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var c Cron
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemStore) Create(ctx context.Context, c *Cron) (*Cron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	if err := s.put(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID, owner string) (*Cron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !ok || !visibleOwner(owner, c.Owner()) {
		return nil, apierr.ErrNotFound
	}
	return c, nil
}

func visibleOwner(owner, recordOwner string) bool {
	return recordOwner == owner || recordOwner == "system"
}

func (s *MemStore) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok || !visibleOwner(owner, c.Owner()) {
		return apierr.ErrNotFound
	}
	s.mem.Delete(cronKey(id))
	return nil
}

func (s *MemStore) List(ctx context.Context, owner string, limit, offset int) ([]*Cron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var matched []*Cron
	for _, c := range all {
		if visibleOwner(owner, c.Owner()) {
			matched = append(matched, c)
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

func (s *MemStore) DueBefore(ctx context.Context, cutoff time.Time) ([]*Cron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Cron
	for _, c := range all {
		if !c.NextRunDate.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) SetThread(ctx context.Context, id uuid.UUID, threadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.ErrNotFound
	}
	c.ThreadID = &threadID
	c.UpdatedAt = time.Now().UTC()
	return s.put(c)
}

func (s *MemStore) AdvanceNextRunDate(ctx context.Context, id uuid.UUID, schedule string, from time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := NextFireAfter(schedule, from)
	if err != nil {
		return time.Time{}, err
	}
	c, ok, err := s.load(id)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, apierr.ErrNotFound
	}
	c.NextRunDate = next
	c.UpdatedAt = time.Now().UTC()
	if err := s.put(c); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

func (s *MemStore) Reload(ctx context.Context, id uuid.UUID) (*Cron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return c, nil
}
