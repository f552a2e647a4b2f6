package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// WorkerStore persists workers. Workers are soft-deleted only; runs keep
// foreign keys to them forever.
type WorkerStore struct {
	pool *pgxpool.Pool
}

func NewWorkerStore(pool *pgxpool.Pool) *WorkerStore {
	return &WorkerStore{pool: pool}
}

const workerColumns = `name, distro, mem_total, cpu_total, cpu_type,
	concurrent_runs, host_tags, api_key, enlisted, online, surges_only, deleted`

func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(&w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType,
		&w.ConcurrentRuns, &w.HostTags, &w.APIKeyHash, &w.Enlisted, &w.Online,
		&w.SurgesOnly, &w.Deleted)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Create registers a worker. Re-registering an existing name refreshes its
// hardware facts but never resurrects a deleted worker or changes its key.
func (s *WorkerStore) Create(ctx context.Context, w *domain.Worker) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workers (name, distro, mem_total, cpu_total, cpu_type,
		   concurrent_runs, host_tags, api_key, enlisted, online, surges_only)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (name) DO UPDATE SET
		   distro = EXCLUDED.distro,
		   mem_total = EXCLUDED.mem_total,
		   cpu_total = EXCLUDED.cpu_total,
		   cpu_type = EXCLUDED.cpu_type,
		   concurrent_runs = EXCLUDED.concurrent_runs,
		   host_tags = EXCLUDED.host_tags
		 WHERE workers.deleted = false`,
		w.Name, w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns,
		w.HostTags, w.APIKeyHash, w.Enlisted, w.Online, w.SurgesOnly)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

func (s *WorkerStore) Get(ctx context.Context, name string) (*domain.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE name = $1`, name)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// List returns all non-deleted workers.
func (s *WorkerStore) List(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE deleted = false ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var result []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal,
			&w.CPUType, &w.ConcurrentRuns, &w.HostTags, &w.APIKeyHash,
			&w.Enlisted, &w.Online, &w.SurgesOnly, &w.Deleted); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Update writes the mutable worker fields.
func (s *WorkerStore) Update(ctx context.Context, w *domain.Worker) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET distro = $2, mem_total = $3, cpu_total = $4,
		   cpu_type = $5, concurrent_runs = $6, host_tags = $7,
		   enlisted = $8, online = $9, surges_only = $10
		 WHERE name = $1 AND deleted = false`,
		w.Name, w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns,
		w.HostTags, w.Enlisted, w.Online, w.SurgesOnly)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", w.Name, domain.ErrNotFound)
	}
	return nil
}

func (s *WorkerStore) SetOnline(ctx context.Context, name string, online bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workers SET online = $2 WHERE name = $1`, name, online)
	if err != nil {
		return fmt.Errorf("set worker online: %w", err)
	}
	return nil
}

// Delete soft-deletes a worker, removing it from listings and dispatch.
func (s *WorkerStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET deleted = true, enlisted = false WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", name, domain.ErrNotFound)
	}
	return nil
}
