package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/vault"
)

// ProjectStore is the project persistence surface, implemented by postgres
// and by the mock stores in tests.
type ProjectStore interface {
	Create(ctx context.Context, name string, synchronousBuilds bool) (*domain.Project, error)
	Get(ctx context.Context, name string) (*domain.Project, error)
	GetByID(ctx context.Context, id int64) (*domain.Project, error)
	List(ctx context.Context, limit, offset int) ([]domain.Project, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, name string) error
}

// TriggerStore persists project triggers; secrets pass through the vault
// before they reach it.
type TriggerStore interface {
	Create(ctx context.Context, t *domain.ProjectTrigger) error
	Get(ctx context.Context, id int64) (*domain.ProjectTrigger, error)
	GetByType(ctx context.Context, projectID int64, typ domain.TriggerType) (*domain.ProjectTrigger, error)
	ListByProject(ctx context.Context, projectID int64) ([]domain.ProjectTrigger, error)
	Update(ctx context.Context, t *domain.ProjectTrigger) error
	Delete(ctx context.Context, id int64) error
}

type createProjectRequest struct {
	Name              string `json:"name"`
	SynchronousBuilds bool   `json:"synchronous-builds"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, page := parsePage(r)
	projects, err := s.Projects.List(r.Context(), limit, page*limit)
	if err != nil {
		storeError(w, err)
		return
	}
	total, err := s.Projects.Count(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, pageData(r, "projects", projects, total, limit, page))
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		jsendFail(w, http.StatusBadRequest, "project name is required")
		return
	}
	project, err := s.Projects.Create(r.Context(), req.Name, req.SynchronousBuilds)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.Projects.Delete(r.Context(), urlParam(r, "project")); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

type triggerRequest struct {
	User           string         `json:"user"`
	Type           string         `json:"type"`
	DefinitionRepo string         `json:"definition_repo"`
	DefinitionFile string         `json:"definition_file"`
	Secrets        map[string]any `json:"secrets"`
	QueuePriority  int            `json:"queue_priority"`
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	triggers, err := s.Triggers.ListByProject(r.Context(), project.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	var req triggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !domain.ValidTriggerType(req.Type) {
		jsendFail(w, http.StatusBadRequest, "unknown trigger type: "+req.Type)
		return
	}
	secrets, err := vault.ValidateSecrets(req.Secrets)
	if err != nil {
		jsendFail(w, http.StatusBadRequest, err.Error())
		return
	}
	sealed, err := s.Vault.Seal(secrets)
	if err != nil {
		jsendError(w, "seal trigger secrets", err)
		return
	}
	t := &domain.ProjectTrigger{
		ProjectID:        project.ID,
		User:             req.User,
		Type:             domain.TriggerType(req.Type),
		DefinitionRepo:   req.DefinitionRepo,
		DefinitionFile:   req.DefinitionFile,
		EncryptedSecrets: sealed,
		QueuePriority:    req.QueuePriority,
	}
	if err := s.Triggers.Create(r.Context(), t); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusCreated, map[string]any{"trigger": t})
}

// handleUpdateTrigger patches a trigger; secrets in the body are merged into
// the existing set, with empty-string values deleting keys.
func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTrigger(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type != "" {
		if !domain.ValidTriggerType(req.Type) {
			jsendFail(w, http.StatusBadRequest, "unknown trigger type: "+req.Type)
			return
		}
		t.Type = domain.TriggerType(req.Type)
	}
	if req.User != "" {
		t.User = req.User
	}
	if req.DefinitionRepo != "" {
		t.DefinitionRepo = req.DefinitionRepo
	}
	if req.DefinitionFile != "" {
		t.DefinitionFile = req.DefinitionFile
	}
	if req.QueuePriority != 0 {
		t.QueuePriority = req.QueuePriority
	}
	if len(req.Secrets) > 0 {
		updates, err := vault.ValidateSecrets(req.Secrets)
		if err != nil {
			jsendFail(w, http.StatusBadRequest, err.Error())
			return
		}
		existing, err := s.Vault.Open(t.EncryptedSecrets)
		if err != nil {
			jsendError(w, "open trigger secrets", err)
			return
		}
		for k, v := range updates {
			if v == "" {
				delete(existing, k)
			} else {
				existing[k] = v
			}
		}
		if t.EncryptedSecrets, err = s.Vault.Seal(existing); err != nil {
			jsendError(w, "seal trigger secrets", err)
			return
		}
	}
	if err := s.Triggers.Update(r.Context(), t); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"trigger": t})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTrigger(w, r)
	if !ok {
		return
	}
	if err := s.Triggers.Delete(r.Context(), t.ID); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

// loadTrigger resolves the {trigger} id param within the {project} scope.
func (s *Server) loadTrigger(w http.ResponseWriter, r *http.Request) (*domain.ProjectTrigger, bool) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return nil, false
	}
	id, err := strconv.ParseInt(urlParam(r, "trigger"), 10, 64)
	if err != nil {
		jsendFail(w, http.StatusBadRequest, "trigger id must be an integer")
		return nil, false
	}
	t, err := s.Triggers.Get(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return nil, false
	}
	if t.ProjectID != project.ID {
		jsendFail(w, http.StatusNotFound, "trigger does not belong to this project")
		return nil, false
	}
	return t, true
}
