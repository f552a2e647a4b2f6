package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// TestStore persists tests and their results under runs.
type TestStore struct {
	pool *pgxpool.Pool
}

func NewTestStore(pool *pgxpool.Pool) *TestStore {
	return &TestStore{pool: pool}
}

// Create inserts a test and its results in one transaction. Result output is
// truncated to the storage cap before insert.
func (s *TestStore) Create(ctx context.Context, t *domain.Test, results []domain.TestResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin test insert: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO tests (run_id, name, context, status) VALUES ($1, $2, $3, $4)
		 RETURNING id, created`,
		t.RunID, t.Name, t.Context, t.Status).Scan(&t.ID, &t.Created)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}

	for i := range results {
		r := &results[i]
		r.TestID = t.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO test_results (test_id, name, context, status, output)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			t.ID, r.Name, r.Context, r.Status, domain.TruncateOutput(r.Output)).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("create test result: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *TestStore) ListForRun(ctx context.Context, runID int64) ([]domain.Test, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, context, status, created FROM tests
		 WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var result []domain.Test
	for rows.Next() {
		var t domain.Test
		if err := rows.Scan(&t.ID, &t.RunID, &t.Name, &t.Context, &t.Status,
			&t.Created); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *TestStore) ListResults(ctx context.Context, testID int64) ([]domain.TestResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, test_id, name, context, status, output FROM test_results
		 WHERE test_id = $1 ORDER BY id`, testID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	var result []domain.TestResult
	for rows.Next() {
		var r domain.TestResult
		if err := rows.Scan(&r.ID, &r.TestID, &r.Name, &r.Context, &r.Status,
			&r.Output); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// IncompleteCount counts test results under the run that are not yet in a
// terminal state. A run cannot finalize while this is non-zero.
func (s *TestStore) IncompleteCount(ctx context.Context, runID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM test_results tr
		 JOIN tests t ON t.id = tr.test_id
		 WHERE t.run_id = $1 AND tr.status NOT IN ($2, $3, $4, $5)`,
		runID, domain.StatusPassed, domain.StatusFailed, domain.StatusPromoted,
		domain.StatusSkipped).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count incomplete results: %w", err)
	}
	return count, nil
}
