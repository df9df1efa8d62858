//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/event/postgres"
	"github.com/fluxgate-ai/agentrun/migrate"
	"github.com/fluxgate-ai/agentrun/scope"
)

// TestStoreAppendAndReadPage spins up an ephemeral Postgres container,
// applies the project's migrations against it, and exercises Store's
// AppendOne/AppendMany/ReadPage against a real database rather than the
// in-memory store in event/inmem.
func TestStoreAppendAndReadPage(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("agentrun_test"),
		tcpostgres.WithUsername("agentrun"),
		tcpostgres.WithPassword("agentrun"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrate.Up("../../migrations", dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sc := scope.New("org-integration", "user-integration")
	runID := insertTestRun(ctx, t, pool, sc)

	store := postgres.New(pool)

	e, err := event.NewDraft(runID, event.TypeToolCalled, map[string]string{"tool": "echo"})
	require.NoError(t, err)
	e.AgentID = "agent-1"
	e.StepID = "step-1"
	e.SpanID = "span-1"
	id, err := store.AppendOne(ctx, sc, e)
	require.NoError(t, err)
	require.Positive(t, id)

	second, err := event.NewDraft(runID, event.TypeToolResult, map[string]string{"status": "ok"})
	require.NoError(t, err)
	second.AgentID, second.StepID, second.SpanID = "agent-1", "step-1", "span-1"
	ids, err := store.AppendMany(ctx, sc, []event.Event{second})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	page, err := store.ReadPage(ctx, sc, runID, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, event.TypeToolCalled, page.Items[0].Type)
	require.Equal(t, event.TypeToolResult, page.Items[1].Type)
	require.Nil(t, page.NextCursor)

	filtered, err := store.ReadPage(ctx, sc, runID, 0, 10, []event.Type{event.TypeToolResult})
	require.NoError(t, err)
	require.Len(t, filtered.Items, 1)
	require.Equal(t, event.TypeToolCalled, filtered.Items[0].Type)

	otherScope := scope.New("org-other", "user-other")
	_, err = store.ReadPage(ctx, otherScope, runID, 0, 10, nil)
	require.Error(t, err)
}

// insertTestRun writes the minimal runs row Store.checkRunScope requires,
// bypassing the run package so this test exercises only the event store.
func insertTestRun(ctx context.Context, t *testing.T, pool *pgxpool.Pool, sc scope.Scope) string {
	t.Helper()
	runID := "run-integration-1"
	_, err := pool.Exec(ctx,
		`INSERT INTO runs (run_id, org_id, user_id, project_id, session_key, agent_id, input, status, created_at, updated_at)
		 VALUES ($1, $2, $3, NULL, 'session-integration', 'agent-1', '{}'::jsonb, 'running', now(), now())`,
		runID, sc.OrgID, sc.UserID)
	require.NoError(t, err)
	return runID
}
