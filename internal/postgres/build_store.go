package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// buildIDRetries bounds how many consecutive build numbers Create will try
// when concurrent creators race on the (project_id, build_id) constraint.
const buildIDRetries = 10

// BuildStore persists builds and their status events.
type BuildStore struct {
	pool *pgxpool.Pool
}

func NewBuildStore(pool *pgxpool.Pool) *BuildStore {
	return &BuildStore{pool: pool}
}

const buildColumns = `id, project_id, build_id, status, reason, trigger_name, name, annotation`

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var b domain.Build
	err := row.Scan(&b.ID, &b.ProjectID, &b.Number, &b.Status, &b.Reason,
		&b.TriggerName, &b.Name, &b.Annotation)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Create allocates the next build number for the project and inserts the
// build as QUEUED. Concurrent creators race on the unique constraint; each
// loser advances one number and retries, bounded by buildIDRetries.
func (s *BuildStore) Create(ctx context.Context, projectID int64, reason, triggerName string) (*domain.Build, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(build_id), 0) + 1 FROM builds WHERE project_id = $1`,
		projectID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next build id: %w", err)
	}

	for attempt := 0; attempt < buildIDRetries; attempt++ {
		row := s.pool.QueryRow(ctx,
			`INSERT INTO builds (project_id, build_id, status, reason, trigger_name)
			 VALUES ($1, $2, $3, $4, $5) RETURNING `+buildColumns,
			projectID, next+attempt, domain.StatusQueued, reason, triggerName)
		b, err := scanBuild(row)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("create build: %w", err)
		}
		if err := s.appendEvent(ctx, b.ID, b.Status); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("allocate build id for project %d: %w", projectID, domain.ErrConflict)
}

func (s *BuildStore) Get(ctx context.Context, projectID int64, number int) (*domain.Build, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE project_id = $1 AND build_id = $2`,
		projectID, number)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("build %d: %w", number, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

func (s *BuildStore) GetByID(ctx context.Context, id int64) (*domain.Build, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("build id %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get build by id: %w", err)
	}
	return b, nil
}

func (s *BuildStore) List(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error) {
	return s.list(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE project_id = $1
		 ORDER BY build_id DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
}

func (s *BuildStore) Count(ctx context.Context, projectID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM builds WHERE project_id = $1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count builds: %w", err)
	}
	return count, nil
}

// Latest returns the newest completed build, i.e. the newest whose status is
// PASSED or PROMOTED.
func (s *BuildStore) Latest(ctx context.Context, projectID int64) (*domain.Build, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds
		 WHERE project_id = $1 AND status IN ($2, $3)
		 ORDER BY build_id DESC LIMIT 1`,
		projectID, domain.StatusPassed, domain.StatusPromoted)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no completed build: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("latest build: %w", err)
	}
	return b, nil
}

func (s *BuildStore) ListPromoted(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error) {
	return s.list(ctx,
		`SELECT `+buildColumns+` FROM builds
		 WHERE project_id = $1 AND status = $2
		 ORDER BY build_id DESC LIMIT $3 OFFSET $4`,
		projectID, domain.StatusPromoted, limit, offset)
}

func (s *BuildStore) CountPromoted(ctx context.Context, projectID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM builds WHERE project_id = $1 AND status = $2`,
		projectID, domain.StatusPromoted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count promoted builds: %w", err)
	}
	return count, nil
}

// Promote names a passed build and marks it PROMOTED.
func (s *BuildStore) Promote(ctx context.Context, buildID int64, name, annotation string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE builds SET status = $2, name = $3, annotation = $4
		 WHERE id = $1 AND status = $5`,
		buildID, domain.StatusPromoted, name, annotation, domain.StatusPassed)
	if err != nil {
		return fmt.Errorf("promote build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("build %d is not in a promotable state: %w", buildID, domain.ErrConflict)
	}
	return s.appendEvent(ctx, buildID, domain.StatusPromoted)
}

// SetStatus updates the build status and appends a BuildEvent. It is a no-op
// returning false when the status already matches.
func (s *BuildStore) SetStatus(ctx context.Context, buildID int64, status domain.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE builds SET status = $2 WHERE id = $1 AND status <> $2`,
		buildID, status)
	if err != nil {
		return false, fmt.Errorf("set build status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, s.appendEvent(ctx, buildID, status)
}

func (s *BuildStore) Events(ctx context.Context, buildID int64) ([]domain.BuildEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, build_id, status, time FROM build_events
		 WHERE build_id = $1 ORDER BY time, id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list build events: %w", err)
	}
	defer rows.Close()

	var result []domain.BuildEvent
	for rows.Next() {
		var e domain.BuildEvent
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Status, &e.Time); err != nil {
			return nil, fmt.Errorf("scan build event: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// History returns the statuses of the most recent terminal builds, newest
// first; the notifier uses it for pass/fail context in build-complete mail.
func (s *BuildStore) History(ctx context.Context, projectID int64, limit int) ([]domain.Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status FROM builds
		 WHERE project_id = $1 AND status IN ($2, $3, $4)
		 ORDER BY build_id DESC LIMIT $5`,
		projectID, domain.StatusPassed, domain.StatusFailed, domain.StatusPromoted, limit)
	if err != nil {
		return nil, fmt.Errorf("build history: %w", err)
	}
	defer rows.Close()

	var result []domain.Status
	for rows.Next() {
		var st domain.Status
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan build history: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *BuildStore) appendEvent(ctx context.Context, buildID int64, status domain.Status) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO build_events (build_id, status) VALUES ($1, $2)`,
		buildID, status)
	if err != nil {
		return fmt.Errorf("append build event: %w", err)
	}
	return nil
}

func (s *BuildStore) list(ctx context.Context, query string, args ...any) ([]domain.Build, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var result []domain.Build
	for rows.Next() {
		var b domain.Build
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Number, &b.Status, &b.Reason,
			&b.TriggerName, &b.Name, &b.Annotation); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}
