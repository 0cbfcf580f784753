package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/database"
	"github.com/agentgraph/runtime/pkg/namespace"
)

// ItemStore is the persistence surface pkg/api depends on. *Store is the
// Postgres-backed implementation; *MemStore is the in-process fallback
// pkg/database.NewClient degrades to on a failed connectivity probe
// (spec.md §4.2).
type ItemStore interface {
	Put(ctx context.Context, owner string, ns []string, key string, value, metadata map[string]any) (*Item, error)
	Get(ctx context.Context, owner string, ns []string, key string) (*Item, error)
	Delete(ctx context.Context, owner string, ns []string, key string) error
	List(ctx context.Context, owner string, ns []string, limit, offset int) ([]*Item, error)
}

var (
	_ ItemStore = (*Store)(nil)
	_ ItemStore = (*MemStore)(nil)
)

// storedItem is the record MemStore persists per (owner, namespace, key) —
// Item itself carries no owner field, so it rides alongside it here.
type storedItem struct {
	Owner string `json:"owner"`
	Item  *Item  `json:"item"`
}

const itemKeyPrefix = "item:"

// MemStore is the in-process ItemStore pkg/database.NewClient falls back to
// on a failed connectivity probe. Data lives only in the owning pod's
// memory for the process lifetime.
type MemStore struct {
	mu  sync.Mutex
	mem *database.MemoryFallback
}

// NewMemStore builds an ItemStore over a shared MemoryFallback.
func NewMemStore(mem *database.MemoryFallback) *MemStore {
	return &MemStore{mem: mem}
}

func itemKey(owner string, ns []string, key string) string {
	return itemKeyPrefix + owner + "\x00" + namespace.Join(ns) + "\x00" + key
}

func (s *MemStore) loadItem(owner string, ns []string, key string) (*Item, bool) {
	b, ok := s.mem.Get(itemKey(owner, ns, key))
	if !ok {
		return nil, false
	}
	var rec storedItem
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false
	}
	return rec.Item, true
}

// Put inserts or overwrites an item at (namespace, key) for owner.
func (s *MemStore) Put(ctx context.Context, owner string, ns []string, key string, value, metadata map[string]any) (*Item, error) {
	if key == "" {
		return nil, apierr.NewValidationError("key", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	it := &Item{Namespace: ns, Key: key, Value: value, Metadata: metadata, CreatedAt: now, UpdatedAt: now}
	if existing, ok := s.loadItem(owner, ns, key); ok {
		it.CreatedAt = existing.CreatedAt
	}
	b, err := json.Marshal(storedItem{Owner: owner, Item: it})
	if err != nil {
		return nil, err
	}
	s.mem.Put(itemKey(owner, ns, key), b)
	return it, nil
}

// Get returns the item at (namespace, key), scoped to owner (own or system).
func (s *MemStore) Get(ctx context.Context, owner string, ns []string, key string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.loadItem(owner, ns, key); ok {
		return it, nil
	}
	if it, ok := s.loadItem("system", ns, key); ok {
		return it, nil
	}
	return nil, apierr.ErrNotFound
}

// Delete removes the item at (namespace, key) for owner.
func (s *MemStore) Delete(ctx context.Context, owner string, ns []string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := itemKey(owner, ns, key)
	if _, ok := s.mem.Get(k); !ok {
		return apierr.ErrNotFound
	}
	s.mem.Delete(k)
	return nil
}

// List returns every item whose namespace equals ns for owner, newest
// first; items in longer namespaces that start with ns are not included. A
// nil or empty ns lists every item the owner can see.
func (s *MemStore) List(ctx context.Context, owner string, ns []string, limit, offset int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	nsJoined := namespace.Join(ns)
	var out []*Item
	for _, k := range s.mem.Keys(itemKeyPrefix) {
		b, ok := s.mem.Get(k)
		if !ok {
			continue
		}
		var rec storedItem
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		if rec.Owner != owner && rec.Owner != "system" {
			continue
		}
		if len(ns) > 0 && namespace.Join(rec.Item.Namespace) != nsJoined {
			continue
		}
		out = append(out, rec.Item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}
