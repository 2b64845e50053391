package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/partscout/partscout/internal/pipeline"
	"github.com/partscout/partscout/internal/store"
	"github.com/partscout/partscout/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("partscout_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultAccountID returns the UUID of the seeded default account.
func defaultAccountID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	account, err := s.GetDefaultAccount(context.Background())
	require.NoError(t, err)
	return account.ID
}

func newJob(ownerID uuid.UUID) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Keyword:   "hydraulic pump seal",
		Stage:     pipeline.StageQueued,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- Accounts ---

func TestGetDefaultAccount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	account, err := s.GetDefaultAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", account.Name)
	assert.NotEqual(t, uuid.Nil, account.ID)
	assert.Zero(t, account.CreditBalance)
}

// --- API Keys ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "ps_abcd1",
		Scopes:    []string{"jobs", "credits"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.CreateAPIKey(ctx, key)
	require.NoError(t, err)

	keys, err := s.GetAPIKeyByPrefix(ctx, "ps_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "test-key", keys[0].Name)
}

func TestAPIKey_Revoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID: uuid.New(), AccountID: accountID, Name: "doomed",
		KeyHash: "h", KeyPrefix: "ps_dead1", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, accountID))

	keys, err := s.GetAPIKeyByPrefix(ctx, "ps_dead1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Revoking again reports not found.
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, accountID), store.ErrNotFound)
}

// --- Jobs ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, pipeline.StageQueued, got.Stage)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Zero(t, got.ProgressPercent)
	assert.Nil(t, got.CreditTxnID)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_UpdateAdvancesStage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	updated, err := s.UpdateJob(ctx, job.ID,
		store.WithStatus(models.JobStatusRunning),
		store.WithStage(pipeline.StageImageAnalysis, pipeline.ProgressFor(pipeline.StageImageAnalysis)))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.Equal(t, pipeline.StageImageAnalysis, updated.Stage)
	assert.Positive(t, updated.ProgressPercent)
}

func TestJob_UpdateRejectsBackwardStage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.UpdateJob(ctx, job.ID,
		store.WithStage(pipeline.StageTechnicalResearch, pipeline.ProgressFor(pipeline.StageTechnicalResearch)))
	require.NoError(t, err)

	// Moving backward is a no-op returning the current row.
	current, err := s.UpdateJob(ctx, job.ID,
		store.WithStage(pipeline.StageImageAnalysis, pipeline.ProgressFor(pipeline.StageImageAnalysis)))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageTechnicalResearch, current.Stage)
	assert.Equal(t, pipeline.ProgressFor(pipeline.StageTechnicalResearch), current.ProgressPercent)
}

func TestJob_UpdateAllowsFailureFromAnyStage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.UpdateJob(ctx, job.ID,
		store.WithStatus(models.JobStatusRunning),
		store.WithStage(pipeline.StageSupplierDiscovery, pipeline.ProgressFor(pipeline.StageSupplierDiscovery)))
	require.NoError(t, err)

	// failed sits outside the ordered stage list; the backward guard must not
	// swallow the transition.
	failed, err := s.UpdateJob(ctx, job.ID,
		store.WithStage(pipeline.StageFailed, pipeline.ProgressFor(pipeline.StageSupplierDiscovery)),
		store.WithStatus(models.JobStatusFailed),
		store.WithErrorDetail("supplier lookup failed"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, failed.Stage)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, "supplier lookup failed", *failed.ErrorDetail)
	require.NotNil(t, failed.CompletedAt)
}

func TestJob_UpdateRejectsTerminalMutation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	completed, err := s.UpdateJob(ctx, job.ID,
		store.WithStatus(models.JobStatusCompleted),
		store.WithStage(pipeline.StageCompleted, 100),
		store.WithResultRef("reports/xyz.pdf"))
	require.NoError(t, err)
	assert.True(t, completed.Terminal())
	require.NotNil(t, completed.CompletedAt)

	// Any further patch, including a retry, is a no-op.
	after, err := s.UpdateJob(ctx, job.ID, store.WithStatus(models.JobStatusFailed))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, after.Status)

	after, err = s.UpdateJob(ctx, job.ID, store.AsRetry())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCompleted, after.Stage)
	assert.Equal(t, 100, after.ProgressPercent)
}

func TestJob_RetryResetsStageAndProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(defaultAccountID(t, s))
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.UpdateJob(ctx, job.ID,
		store.WithStatus(models.JobStatusRunning),
		store.WithStage(pipeline.StageSupplierDiscovery, pipeline.ProgressFor(pipeline.StageSupplierDiscovery)),
		store.WithErrorDetail("supplier timeout"))
	require.NoError(t, err)

	retried, err := s.UpdateJob(ctx, job.ID, store.AsRetry())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageQueued, retried.Stage)
	assert.Zero(t, retried.ProgressPercent)
	assert.Equal(t, 1, retried.Attempts)
	assert.Nil(t, retried.ErrorDetail)
	assert.Equal(t, models.JobStatusRunning, retried.Status)
}

func TestJob_UpdateSetsCreditTxn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultAccountID(t, s)

	job := newJob(owner)
	require.NoError(t, s.CreateJob(ctx, job))

	txnID := uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO credit_transactions (id, owner_id, kind, amount, balance_before, balance_after, reason)
		 VALUES ($1, $2, 'reserve', 1, 1, 0, 'test')`, txnID, owner)
	require.NoError(t, err)

	updated, err := s.UpdateJob(ctx, job.ID, store.WithCreditTxnID(txnID))
	require.NoError(t, err)
	require.NotNil(t, updated.CreditTxnID)
	assert.Equal(t, txnID, *updated.CreditTxnID)
}

func TestJob_ListForOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultAccountID(t, s)

	for i := 0; i < 3; i++ {
		job := newJob(owner)
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateJob(ctx, job))
	}
	failed := newJob(owner)
	failed.Status = models.JobStatusFailed
	failed.CreatedAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateJob(ctx, failed))

	jobs, total, err := s.ListJobsForOwner(ctx, store.JobFilter{OwnerID: owner, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt), "newest first")

	jobs, total, err = s.ListJobsForOwner(ctx, store.JobFilter{
		OwnerID: owner, Status: models.JobStatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, failed.ID, jobs[0].ID)
}
