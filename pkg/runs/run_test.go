package runs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentgraph/runtime/pkg/database"
)

func newTestStore(t *testing.T) (*Store, uuid.UUID) {
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

	threadID := uuid.New()
	assistantID := uuid.New()
	_, err = client.DB().ExecContext(ctx, `
		INSERT INTO langgraph_server.assistants (assistant_id, graph_id, config, context, metadata, name, description, version, created_at, updated_at)
		VALUES ($1, 'agent', '{}', '{}', '{"owner":"alice"}', '', '', 1, now(), now())`, assistantID)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, `
		INSERT INTO langgraph_server.threads (thread_id, status, values, interrupts, metadata, created_at, updated_at)
		VALUES ($1, 'idle', '{}', '{}', '{"owner":"alice"}', now(), now())`, threadID)
	require.NoError(t, err)

	return NewStore(client.DB()), threadID
}

func TestStore_GetActiveRunEmpty(t *testing.T) {
	store, threadID := newTestStore(t)
	ctx := context.Background()

	active, err := store.GetActiveRun(ctx, threadID, "alice")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestStore_TransitionStatusTerminalIsOneWay(t *testing.T) {
	store, threadID := newTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, &Run{ThreadID: threadID, Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	require.NoError(t, store.TransitionStatus(ctx, r.ID, StatusSuccess, ""))

	err = store.TransitionStatus(ctx, r.ID, StatusRunning, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_ClaimNextSkipsNonPending(t *testing.T) {
	store, threadID := newTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, &Run{ThreadID: threadID, Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	require.Equal(t, r.ID, claimed.ID)
	require.Equal(t, StatusRunning, claimed.Status)

	none, err := store.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestStore_GetActiveRunFindsPending(t *testing.T) {
	store, threadID := newTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, &Run{ThreadID: threadID, Metadata: map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	active, err := store.GetActiveRun(ctx, threadID, "alice")
	require.NoError(t, err)
	require.Equal(t, r.ID, active.ID)
}
