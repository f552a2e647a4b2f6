package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set, so the default test run
// stays hermetic. It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables, children before parents.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"test_results", "tests",
		"run_events", "runs",
		"build_events", "builds",
		"project_triggers", "projects",
		"workers",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

func createTestProject(t *testing.T, pool *pgxpool.Pool, name string, synchronous bool) *domain.Project {
	t.Helper()
	p, err := postgres.NewProjectStore(pool).Create(context.Background(), name, synchronous)
	require.NoError(t, err)
	return p
}

func createTestWorker(t *testing.T, pool *pgxpool.Pool, name string) {
	t.Helper()
	err := postgres.NewWorkerStore(pool).Create(context.Background(), &domain.Worker{
		Name:           name,
		ConcurrentRuns: 1,
		APIKeyHash:     "test-hash",
		Enlisted:       true,
		Online:         true,
	})
	require.NoError(t, err)
}

func queuedRun(buildID int64, name, hostTag string, priority int) *domain.Run {
	return &domain.Run{
		BuildID:       buildID,
		Name:          name,
		Status:        domain.StatusQueued,
		APIKey:        "testkey-" + name,
		HostTag:       hostTag,
		QueuePriority: priority,
	}
}
