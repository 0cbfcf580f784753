// Package assistants implements the thin CRUD surface for configured graph
// instances. It sits outside the execution/streaming core but is wired so
// every run in the system resolves through it.
package assistants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
)

// SystemOwner is the sentinel owner whose assistants are readable by any
// authenticated caller but mutable only by the system owner itself.
const SystemOwner = "system"

// Assistant is a configured graph instance.
type Assistant struct {
	ID          uuid.UUID      `json:"assistant_id"`
	GraphID     string         `json:"graph_id"`
	Config      map[string]any `json:"config"`
	Context     map[string]any `json:"context"`
	Metadata    map[string]any `json:"metadata"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Owner reads the "owner" key out of Metadata.
func (a *Assistant) Owner() string {
	if a.Metadata == nil {
		return ""
	}
	owner, _ := a.Metadata["owner"].(string)
	return owner
}

// Store persists Assistant records directly via database/sql (see
// pkg/database for why this isn't an ORM: ent's generated client cannot be
// produced without running `go generate`, so the CRUD here is hand-written
// SQL against the same pgx driver ent would have used underneath).
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-scoped *sql.DB-compatible handle. Call sites
// pass the shared pool; query predicates enforce owner scoping explicitly,
// since assistants are also visible across the "system" sentinel which RLS
// session variables alone cannot express as cleanly as a parameterised
// predicate.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new assistant. The caller-chosen id is honoured
// verbatim — never silently regenerated.
func (s *Store) Create(ctx context.Context, a *Assistant) (*Assistant, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Version == 0 {
		a.Version = 1
	}

	cfg, err := marshalJSON(a.Config)
	if err != nil {
		return nil, err
	}
	ctxJSON, err := marshalJSON(a.Context)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO langgraph_server.assistants
			(assistant_id, graph_id, config, context, metadata, name, description, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.GraphID, cfg, ctxJSON, meta, a.Name, a.Description, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting assistant: %w", err)
	}
	return a, nil
}

// Get returns the assistant iff owner is the assistant's own owner or
// "system" — mirroring the universal invariant that system-owned entities
// are visible to any authenticated owner.
func (s *Store) Get(ctx context.Context, id uuid.UUID, owner string) (*Assistant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT assistant_id, graph_id, config, context, metadata, name, description, version, created_at, updated_at
		FROM langgraph_server.assistants
		WHERE assistant_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)`,
		id, owner, SystemOwner)
	a, err := scanAssistant(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// Update mutates an assistant. Only the system owner may mutate a
// system-owned assistant; a non-system owner may only mutate their own.
func (s *Store) Update(ctx context.Context, a *Assistant, callerOwner string) (*Assistant, error) {
	existing, err := s.Get(ctx, a.ID, callerOwner)
	if err != nil {
		return nil, err
	}
	if existing.Owner() == SystemOwner && callerOwner != SystemOwner {
		return nil, apierr.NewValidationError("owner", "system-owned assistants are only mutable by system")
	}

	a.UpdatedAt = time.Now().UTC()
	cfg, err := marshalJSON(a.Config)
	if err != nil {
		return nil, err
	}
	ctxJSON, err := marshalJSON(a.Context)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE langgraph_server.assistants
		SET graph_id = $2, config = $3, context = $4, metadata = $5, name = $6, description = $7, version = $8, updated_at = $9
		WHERE assistant_id = $1`,
		a.ID, a.GraphID, cfg, ctxJSON, meta, a.Name, a.Description, a.Version, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating assistant: %w", err)
	}
	return a, nil
}

// Delete removes an assistant. Like Update, only system may delete a
// system-owned assistant.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, callerOwner string) error {
	existing, err := s.Get(ctx, id, callerOwner)
	if err != nil {
		return err
	}
	if existing.Owner() == SystemOwner && callerOwner != SystemOwner {
		return apierr.NewValidationError("owner", "system-owned assistants are only mutable by system")
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM langgraph_server.assistants WHERE assistant_id = $1`, id)
	return err
}

// List returns every assistant visible to owner (own + system-owned),
// newest first.
func (s *Store) List(ctx context.Context, owner string, limit, offset int) ([]*Assistant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT assistant_id, graph_id, config, context, metadata, name, description, version, created_at, updated_at
		FROM langgraph_server.assistants
		WHERE metadata->>'owner' = $1 OR metadata->>'owner' = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		owner, SystemOwner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing assistants: %w", err)
	}
	defer rows.Close()

	var out []*Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveByIDOrGraphID looks the assistant up by UUID first, falling back to
// treating the identifier as a graph_id — the two namespaces overlap by
// design, since a run may target either.
func (s *Store) ResolveByIDOrGraphID(ctx context.Context, idOrGraphID string, owner string) (*Assistant, error) {
	if id, err := uuid.Parse(idOrGraphID); err == nil {
		return s.Get(ctx, id, owner)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT assistant_id, graph_id, config, context, metadata, name, description, version, created_at, updated_at
		FROM langgraph_server.assistants
		WHERE graph_id = $1 AND (metadata->>'owner' = $2 OR metadata->>'owner' = $3)
		ORDER BY created_at ASC
		LIMIT 1`,
		idOrGraphID, owner, SystemOwner)
	a, err := scanAssistant(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssistant(row scanner) (*Assistant, error) {
	var a Assistant
	var cfg, ctxJSON, meta []byte
	if err := row.Scan(&a.ID, &a.GraphID, &cfg, &ctxJSON, &meta, &a.Name, &a.Description, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &a.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ctxJSON, &a.Context); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

// marshalJSON always serialises explicitly to JSONB — binding a raw Go map
// as a scalar parameter is the kind of mistake that produces a silently
// mis-encoded payload; every JSONB field in this service goes through this
// helper instead.
func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}
