package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// ProjectStore persists projects.
type ProjectStore struct {
	pool *pgxpool.Pool
}

func NewProjectStore(pool *pgxpool.Pool) *ProjectStore {
	return &ProjectStore{pool: pool}
}

const projectColumns = `id, name, synchronous_builds`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.SynchronousBuilds); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProjectStore) Create(ctx context.Context, name string, synchronousBuilds bool) (*domain.Project, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, synchronous_builds) VALUES ($1, $2)
		 RETURNING `+projectColumns,
		name, synchronousBuilds)
	p, err := scanProject(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project %s: %w", name, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *ProjectStore) Get(ctx context.Context, name string) (*domain.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = $1`, name)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *ProjectStore) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project by id: %w", err)
	}
	return p, nil
}

func (s *ProjectStore) List(ctx context.Context, limit, offset int) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY name LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.SynchronousBuilds); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *ProjectStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

// Delete removes a project; triggers, builds, runs, and tests go with it via
// foreign-key cascades.
func (s *ProjectStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", name, domain.ErrNotFound)
	}
	return nil
}
