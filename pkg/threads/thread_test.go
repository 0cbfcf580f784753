package threads

import (
	"context"
	"testing"
	"time"

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

func TestStore_CreateDefaultsToIdle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, &Thread{Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)
	require.Equal(t, StatusIdle, th.Status)
}

func TestStore_SetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, &Thread{Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, th.ID, StatusBusy))

	got, err := store.Get(ctx, th.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusBusy, got.Status)
}

func TestStore_AddStateSnapshotUpdatesValuesCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, &Thread{Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	values := map[string]any{"messages": []any{"hello"}}
	_, err = store.AddStateSnapshot(ctx, th.ID, values, []string{"respond"}, nil, nil)
	require.NoError(t, err)

	got, err := store.Get(ctx, th.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, values, got.Values)
}

func TestStore_GetHistoryOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, &Thread{Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	first, err := store.AddStateSnapshot(ctx, th.ID, map[string]any{"step": float64(1)}, nil, nil, nil)
	require.NoError(t, err)
	second, err := store.AddStateSnapshot(ctx, th.ID, map[string]any{"step": float64(2)}, nil, nil, nil)
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, th.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, second.CheckpointID, history[0].CheckpointID)
	require.Equal(t, first.CheckpointID, history[1].CheckpointID)
}

func TestStore_DeleteNotFoundForOtherOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, &Thread{Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	err = store.Delete(ctx, th.ID, "bob")
	require.ErrorIs(t, err, apierr.ErrNotFound)
}
