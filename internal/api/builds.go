package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

// BuildStore is the build persistence the handlers consume.
type BuildStore interface {
	Get(ctx context.Context, projectID int64, number int) (*domain.Build, error)
	List(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error)
	Count(ctx context.Context, projectID int64) (int, error)
	Latest(ctx context.Context, projectID int64) (*domain.Build, error)
	ListPromoted(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error)
	CountPromoted(ctx context.Context, projectID int64) (int, error)
	Promote(ctx context.Context, buildID int64, name, annotation string) error
	Events(ctx context.Context, buildID int64) ([]domain.BuildEvent, error)
}

type createBuildRequest struct {
	Reason            string            `json:"reason"`
	TriggerName       string            `json:"trigger-name"`
	Params            map[string]string `json:"params"`
	Secrets           map[string]string `json:"secrets"`
	ProjectDefinition string            `json:"project-definition"`
	TriggerType       string            `json:"trigger-type"`
	TriggerID         int64             `json:"trigger-id"`
	QueuePriority     int               `json:"queue-priority"`
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	limit, page := parsePage(r)
	builds, err := s.Builds.List(r.Context(), project.ID, limit, page*limit)
	if err != nil {
		storeError(w, err)
		return
	}
	total, err := s.Builds.Count(r.Context(), project.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, pageData(r, "builds", builds, total, limit, page))
}

// handleCreateBuild instantiates a build from a trigger of the project
// definition. A stored trigger referenced by trigger-id or trigger-type
// contributes its secrets and queue priority; body secrets win on conflict.
func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	var req createBuildRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TriggerName == "" {
		jsendFail(w, http.StatusBadRequest, "trigger-name is required")
		return
	}

	secrets := map[string]string{}
	queuePriority := req.QueuePriority
	stored, ok := s.inheritedTrigger(w, r, project, &req)
	if stored != nil {
		inherited, err := s.Vault.Open(stored.EncryptedSecrets)
		if err != nil {
			jsendError(w, "open trigger secrets", err)
			return
		}
		for k, v := range inherited {
			secrets[k] = v
		}
		if queuePriority == 0 {
			queuePriority = stored.QueuePriority
		}
	} else if !ok {
		return
	}
	for k, v := range req.Secrets {
		secrets[k] = v
	}

	defData := []byte(req.ProjectDefinition)
	if len(defData) == 0 {
		jsendFail(w, http.StatusBadRequest, "project-definition is required")
		return
	}

	build, err := s.Engine.TriggerBuild(r.Context(), project, defData,
		req.TriggerName, req.Reason, req.Params, secrets, queuePriority)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusCreated, map[string]any{
		"build": build,
		"url":   buildURL(r, project.Name, build.Number),
	})
}

// inheritedTrigger resolves the stored trigger named by trigger-id or
// trigger-type. The bool reports whether the caller may proceed; a missing
// reference has already written the error response.
func (s *Server) inheritedTrigger(w http.ResponseWriter, r *http.Request,
	project *domain.Project, req *createBuildRequest) (*domain.ProjectTrigger, bool) {
	switch {
	case req.TriggerID != 0:
		t, err := s.Triggers.Get(r.Context(), req.TriggerID)
		if err != nil {
			storeError(w, err)
			return nil, false
		}
		if t.ProjectID != project.ID {
			jsendFail(w, http.StatusNotFound, "trigger does not belong to this project")
			return nil, false
		}
		return t, true
	case req.TriggerType != "":
		if !domain.ValidTriggerType(req.TriggerType) {
			jsendFail(w, http.StatusBadRequest, "unknown trigger type: "+req.TriggerType)
			return nil, false
		}
		t, err := s.Triggers.GetByType(r.Context(), project.ID, domain.TriggerType(req.TriggerType))
		if err != nil {
			storeError(w, err)
			return nil, false
		}
		return t, true
	}
	return nil, true
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	project, build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	runs, err := s.Runs.ListForBuild(r.Context(), build.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	events, err := s.Builds.Events(r.Context(), build.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{
		"build":  build,
		"runs":   runs,
		"events": events,
		"url":    buildURL(r, project.Name, build.Number),
	})
}

func (s *Server) handleLatestBuild(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	build, err := s.Builds.Latest(r.Context(), project.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"build": build})
}

func (s *Server) handleListPromoted(w http.ResponseWriter, r *http.Request) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return
	}
	limit, page := parsePage(r)
	builds, err := s.Builds.ListPromoted(r.Context(), project.ID, limit, page*limit)
	if err != nil {
		storeError(w, err)
		return
	}
	total, err := s.Builds.CountPromoted(r.Context(), project.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, pageData(r, "builds", builds, total, limit, page))
}

type promoteRequest struct {
	Name       string `json:"name"`
	Annotation string `json:"annotation"`
}

func (s *Server) handlePromoteBuild(w http.ResponseWriter, r *http.Request) {
	_, build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		jsendFail(w, http.StatusBadRequest, "promotion name is required")
		return
	}
	if err := s.Builds.Promote(r.Context(), build.ID, req.Name, req.Annotation); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

// handleProjectDef serves the immutable project definition stored at build
// creation.
func (s *Server) handleProjectDef(w http.ResponseWriter, r *http.Request) {
	project, build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	data, err := s.Storage.GetString(r.Context(), storage.ProjectDefPath(project.Name, build.Number))
	if err != nil {
		storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// loadBuild resolves {project} and {build} params.
func (s *Server) loadBuild(w http.ResponseWriter, r *http.Request) (*domain.Project, *domain.Build, bool) {
	project, err := s.Projects.Get(r.Context(), urlParam(r, "project"))
	if err != nil {
		storeError(w, err)
		return nil, nil, false
	}
	number, err := strconv.Atoi(urlParam(r, "build"))
	if err != nil {
		jsendFail(w, http.StatusBadRequest, "build id must be an integer")
		return nil, nil, false
	}
	build, err := s.Builds.Get(r.Context(), project.ID, number)
	if err != nil {
		storeError(w, err)
		return nil, nil, false
	}
	return project, build, true
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func buildURL(r *http.Request, project string, build int) string {
	return requestBase(r) + "/projects/" + project + "/builds/" + strconv.Itoa(build) + "/"
}

func runURL(r *http.Request, project string, build int, run string) string {
	return buildURL(r, project, build) + "runs/" + run + "/"
}
