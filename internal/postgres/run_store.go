package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/dispatch"
	"github.com/jobserv-ci/jobserv/internal/domain"
)

// RunStore persists runs and their status events, and feeds the dispatcher.
type RunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, build_id, name, status, api_key, trigger_name,
	host_tag, queue_priority, worker_name, meta`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var r domain.Run
	var worker pgtype.Text
	err := row.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.APIKey,
		&r.TriggerName, &r.HostTag, &r.QueuePriority, &worker, &r.Meta)
	if err != nil {
		return nil, err
	}
	r.WorkerName = worker.String
	return &r, nil
}

// Create inserts a run. A duplicate name within the build yields
// domain.ErrConflict, never a raw constraint error.
func (s *RunStore) Create(ctx context.Context, r *domain.Run) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO runs (build_id, name, status, api_key, trigger_name, host_tag, queue_priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.BuildID, r.Name, r.Status, r.APIKey, r.TriggerName, r.HostTag,
		r.QueuePriority).Scan(&r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists in this build: %w", r.Name, domain.ErrConflict)
		}
		return fmt.Errorf("create run: %w", err)
	}
	return s.appendEvent(ctx, r.ID, r.Status)
}

func (s *RunStore) Get(ctx context.Context, buildID int64, name string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE build_id = $1 AND name = $2`,
		buildID, name)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *RunStore) GetByID(ctx context.Context, id int64) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run id %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run by id: %w", err)
	}
	return r, nil
}

func (s *RunStore) ListForBuild(ctx context.Context, buildID int64) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE build_id = $1 ORDER BY id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		var r domain.Run
		var worker pgtype.Text
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Status, &r.APIKey,
			&r.TriggerName, &r.HostTag, &r.QueuePriority, &worker, &r.Meta); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.WorkerName = worker.String
		result = append(result, r)
	}
	return result, rows.Err()
}

// SetStatus updates the run status and appends a RunEvent; it reports false
// when the status already matched.
func (s *RunStore) SetStatus(ctx context.Context, runID int64, status domain.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1 AND status <> $2`,
		runID, status)
	if err != nil {
		return false, fmt.Errorf("set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, s.appendEvent(ctx, runID, status)
}

func (s *RunStore) SetMeta(ctx context.Context, runID int64, meta string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET meta = $2 WHERE id = $1`, runID, meta)
	if err != nil {
		return fmt.Errorf("set run meta: %w", err)
	}
	return nil
}

// Requeue puts a terminal run back in the queue with a fresh credential.
func (s *RunStore) Requeue(ctx context.Context, runID int64, newAPIKey string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, api_key = $3, worker_name = NULL WHERE id = $1`,
		runID, domain.StatusQueued, newAPIKey)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	return s.appendEvent(ctx, runID, domain.StatusQueued)
}

func (s *RunStore) Events(ctx context.Context, runID int64) ([]domain.RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, status, time FROM run_events
		 WHERE run_id = $1 ORDER BY time, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var result []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Status, &e.Time); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// DispatchCandidates implements dispatch.Store. RUNNING rows sort before
// QUEUED (status descending) so the dispatcher's sync-project bookkeeping
// sees in-flight builds first.
func (s *RunStore) DispatchCandidates(ctx context.Context) ([]dispatch.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.name, r.status, r.host_tag, r.queue_priority,
		        b.id, b.build_id, p.id, p.name, p.synchronous_builds
		 FROM runs r
		 JOIN builds b ON b.id = r.build_id
		 JOIN projects p ON p.id = b.project_id
		 WHERE r.status IN ($1, $2)
		 ORDER BY r.status DESC, r.queue_priority DESC, b.build_id ASC, r.id ASC`,
		domain.StatusQueued, domain.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("dispatch candidates: %w", err)
	}
	defer rows.Close()

	var result []dispatch.Candidate
	for rows.Next() {
		var c dispatch.Candidate
		if err := rows.Scan(&c.RunID, &c.RunName, &c.Status, &c.HostTag,
			&c.QueuePriority, &c.BuildRowID, &c.BuildNumber, &c.ProjectID,
			&c.ProjectName, &c.Synchronous); err != nil {
			return nil, fmt.Errorf("scan dispatch candidate: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Claim implements dispatch.Store: one conditional update is the entire
// synchronization against concurrent pollers.
func (s *RunStore) Claim(ctx context.Context, runID int64, workerName string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, worker_name = $3
		 WHERE id = $1 AND status = $4`,
		runID, domain.StatusRunning, workerName, domain.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, s.appendEvent(ctx, runID, domain.StatusRunning)
}

// CountByStatus powers the health endpoint.
func (s *RunStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	defer rows.Close()

	result := map[domain.Status]int{}
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		result[st] = n
	}
	return result, rows.Err()
}

// QueuedHostTags returns the QUEUED backlog grouped by host tag; the surge
// monitor consumes it.
func (s *RunStore) QueuedHostTags(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT lower(host_tag), COUNT(*) FROM runs WHERE status = $1 GROUP BY lower(host_tag)`,
		domain.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("queued host tags: %w", err)
	}
	defer rows.Close()

	result := map[string]int{}
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan queued host tag: %w", err)
		}
		result[tag] = n
	}
	return result, rows.Err()
}

// RunSummary is a run joined with its project and build for listings.
type RunSummary struct {
	Project     string     `json:"project"`
	BuildNumber int        `json:"build"`
	Run         domain.Run `json:"run"`
}

// Active returns every non-terminal run with project and build context; the
// health endpoint partitions the result by worker and status.
func (s *RunStore) Active(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.name, b.build_id, `+prefixedRunColumns("r")+`
		 FROM runs r
		 JOIN builds b ON b.id = r.build_id
		 JOIN projects p ON p.id = b.project_id
		 WHERE r.status IN ($1, $2, $3, $4, $5)
		 ORDER BY r.id`,
		domain.StatusQueued, domain.StatusRunning, domain.StatusUploading,
		domain.StatusCancelling, domain.StatusRunningWithFailures)
	if err != nil {
		return nil, fmt.Errorf("active runs: %w", err)
	}
	defer rows.Close()

	var result []RunSummary
	for rows.Next() {
		var sum RunSummary
		var worker pgtype.Text
		r := &sum.Run
		if err := rows.Scan(&sum.Project, &sum.BuildNumber,
			&r.ID, &r.BuildID, &r.Name, &r.Status, &r.APIKey, &r.TriggerName,
			&r.HostTag, &r.QueuePriority, &worker, &r.Meta); err != nil {
			return nil, fmt.Errorf("scan active run: %w", err)
		}
		r.WorkerName = worker.String
		result = append(result, sum)
	}
	return result, rows.Err()
}

func prefixedRunColumns(alias string) string {
	return alias + `.id, ` + alias + `.build_id, ` + alias + `.name, ` +
		alias + `.status, ` + alias + `.api_key, ` + alias + `.trigger_name, ` +
		alias + `.host_tag, ` + alias + `.queue_priority, ` + alias + `.worker_name, ` +
		alias + `.meta`
}

func (s *RunStore) appendEvent(ctx context.Context, runID int64, status domain.Status) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (run_id, status) VALUES ($1, $2)`,
		runID, status)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}
