package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// TriggerStore persists project triggers. Secrets arrive already encrypted;
// this store never sees plaintext.
type TriggerStore struct {
	pool *pgxpool.Pool
}

func NewTriggerStore(pool *pgxpool.Pool) *TriggerStore {
	return &TriggerStore{pool: pool}
}

const triggerColumns = `id, project_id, owner_user, type, definition_repo,
	definition_file, secrets, queue_priority`

func scanTrigger(row pgx.Row) (*domain.ProjectTrigger, error) {
	var t domain.ProjectTrigger
	err := row.Scan(&t.ID, &t.ProjectID, &t.User, &t.Type, &t.DefinitionRepo,
		&t.DefinitionFile, &t.EncryptedSecrets, &t.QueuePriority)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TriggerStore) Create(ctx context.Context, t *domain.ProjectTrigger) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO project_triggers
		 (project_id, owner_user, type, definition_repo, definition_file, secrets, queue_priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.ProjectID, t.User, t.Type, t.DefinitionRepo, t.DefinitionFile,
		t.EncryptedSecrets, t.QueuePriority).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

func (s *TriggerStore) Get(ctx context.Context, id int64) (*domain.ProjectTrigger, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM project_triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trigger %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

// GetByType returns the newest trigger of the given type in a project; used
// for secret inheritance when builds are created with trigger-type.
func (s *TriggerStore) GetByType(ctx context.Context, projectID int64, typ domain.TriggerType) (*domain.ProjectTrigger, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM project_triggers
		 WHERE project_id = $1 AND type = $2 ORDER BY id DESC LIMIT 1`,
		projectID, typ)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trigger type %s: %w", typ, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get trigger by type: %w", err)
	}
	return t, nil
}

func (s *TriggerStore) ListByProject(ctx context.Context, projectID int64) ([]domain.ProjectTrigger, error) {
	return s.list(ctx,
		`SELECT `+triggerColumns+` FROM project_triggers WHERE project_id = $1 ORDER BY id`,
		projectID)
}

// ListByType returns every trigger of the given type across all projects;
// the git poller uses it to enumerate its work.
func (s *TriggerStore) ListByType(ctx context.Context, typ domain.TriggerType) ([]domain.ProjectTrigger, error) {
	return s.list(ctx,
		`SELECT `+triggerColumns+` FROM project_triggers WHERE type = $1 ORDER BY id`,
		typ)
}

func (s *TriggerStore) list(ctx context.Context, query string, args ...any) ([]domain.ProjectTrigger, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var result []domain.ProjectTrigger
	for rows.Next() {
		var t domain.ProjectTrigger
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.User, &t.Type, &t.DefinitionRepo,
			&t.DefinitionFile, &t.EncryptedSecrets, &t.QueuePriority); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *TriggerStore) Update(ctx context.Context, t *domain.ProjectTrigger) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_triggers SET owner_user = $2, type = $3, definition_repo = $4,
		 definition_file = $5, secrets = $6, queue_priority = $7 WHERE id = $1`,
		t.ID, t.User, t.Type, t.DefinitionRepo, t.DefinitionFile,
		t.EncryptedSecrets, t.QueuePriority)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trigger %d: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *TriggerStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM project_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trigger %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
