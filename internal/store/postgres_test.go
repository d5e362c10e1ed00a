package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/store"
)

// setupPostgres spins up a Postgres container, applies migrations and returns a connected store.
func setupPostgres(t *testing.T, history int) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("assets_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(dsn))

	st, err := store.NewPostgres(ctx, dsn, history)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPostgresStore_RoundTripAndPrune(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	st := setupPostgres(t, 2)

	job := sampleJob("job-pg", models.StatusProcessing)
	require.NoError(t, st.Persist(ctx, job))
	for _, p := range []int{10, 20, 30} {
		require.NoError(t, st.Checkpoint(ctx, models.Checkpoint{JobID: job.ID, Timestamp: time.Now().UTC(), Progress: p}))
	}

	rec, ok, err := st.Load(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.Request, rec.Job.Request)
	require.Len(t, rec.Checkpoints, 2)
	assert.Equal(t, 30, rec.Checkpoints[0].Progress)
	assert.Equal(t, 30, rec.Job.Progress)

	recs, err := st.ListRecoverable(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CanRecover)

	require.NoError(t, st.AppendAudit(ctx, job.ID, "started", ""))
	events, err := st.ListAudit(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, st.Delete(ctx, job.ID))
	_, ok, err = st.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
