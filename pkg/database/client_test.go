package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient spins up a throwaway Postgres container and runs the real
// embedded migrations against it, mirroring how NewClient behaves in
// production.
func newTestClient(t *testing.T) *Client {
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

	client, err := NewClient(ctx, Config{
		URL:         connStr,
		PoolMinSize: 2,
		PoolMaxSize: 10,
		PoolTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClient_ConnScopesRLSVariables(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	conn, err := client.Conn(ctx, "user-1", "org-1")
	require.NoError(t, err)
	defer conn.Close()

	var owner string
	err = conn.Tx().QueryRowContext(ctx, `SELECT current_setting('app.current_owner', true)`).Scan(&owner)
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)

	require.NoError(t, conn.Commit())
}

func TestClient_MigrationsCreateSchema(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var exists bool
	err := client.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'langgraph_server' AND table_name = 'runs')`,
	).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)
}
