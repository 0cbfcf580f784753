package assistants

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		URL:         connStr,
		PoolMinSize: 2,
		PoolMaxSize: 10,
		PoolTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client.DB())
}

func TestStore_CreateHonoursCallerChosenID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	a := &Assistant{
		ID:       id,
		GraphID:  "agent",
		Metadata: map[string]any{"owner": "alice"},
	}
	created, err := store.Create(ctx, a)
	require.NoError(t, err)
	require.Equal(t, id, created.ID)
}

func TestStore_SystemOwnedVisibleToAnyOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sys := &Assistant{GraphID: "agent", Metadata: map[string]any{"owner": SystemOwner}}
	created, err := store.Create(ctx, sys)
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
}

func TestStore_SystemOwnedNotMutableByOthers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sys := &Assistant{GraphID: "agent", Metadata: map[string]any{"owner": SystemOwner}}
	created, err := store.Create(ctx, sys)
	require.NoError(t, err)

	created.Name = "renamed"
	_, err = store.Update(ctx, created, "alice")
	require.Error(t, err)
	require.True(t, apierr.IsValidationError(err))

	_, err = store.Update(ctx, created, SystemOwner)
	require.NoError(t, err)
}

func TestStore_GetNotFoundForOtherOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Assistant{GraphID: "agent", Metadata: map[string]any{"owner": "alice"}}
	created, err := store.Create(ctx, a)
	require.NoError(t, err)

	_, err = store.Get(ctx, created.ID, "bob")
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestStore_ResolveByIDOrGraphID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Assistant{GraphID: "research", Metadata: map[string]any{"owner": "alice"}}
	created, err := store.Create(ctx, a)
	require.NoError(t, err)

	byID, err := store.ResolveByIDOrGraphID(ctx, created.ID.String(), "alice")
	require.NoError(t, err)
	require.Equal(t, created.ID, byID.ID)

	byGraphID, err := store.ResolveByIDOrGraphID(ctx, "research", "alice")
	require.NoError(t, err)
	require.Equal(t, created.ID, byGraphID.ID)
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, &Assistant{GraphID: "agent", Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, &Assistant{GraphID: "agent", Metadata: map[string]any{"owner": "bob"}})
	require.NoError(t, err)

	list, err := store.List(ctx, "alice", 50, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
