package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/pipeline"
	"github.com/jobserv-ci/jobserv/internal/postgres"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

const (
	runStatusHeader   = "X-RUN-STATUS"
	runMetadataHeader = "X-RUN-METADATA"
	offsetHeader      = "X-OFFSET"
	expirationHeader  = "X-URL-EXPIRATION"

	defaultSignedExpiry = 1800 * time.Second
	downloadExpiry      = 15 * time.Minute
)

// RunStore is the run persistence surface the handlers consume.
type RunStore interface {
	Get(ctx context.Context, buildID int64, name string) (*domain.Run, error)
	GetByID(ctx context.Context, id int64) (*domain.Run, error)
	ListForBuild(ctx context.Context, buildID int64) ([]domain.Run, error)
	SetMeta(ctx context.Context, runID int64, meta string) error
	Requeue(ctx context.Context, runID int64, newAPIKey string) error
	Events(ctx context.Context, runID int64) ([]domain.RunEvent, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	Active(ctx context.Context) ([]postgres.RunSummary, error)
}

// TestStore persists grepped tests and their results.
type TestStore interface {
	Create(ctx context.Context, t *domain.Test, results []domain.TestResult) error
	ListForRun(ctx context.Context, runID int64) ([]domain.Test, error)
	ListResults(ctx context.Context, testID int64) ([]domain.TestResult, error)
	IncompleteCount(ctx context.Context, runID int64) (int, error)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	_, build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	runs, err := s.Runs.ListForBuild(r.Context(), build.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	project, build, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	artifacts, err := s.Storage.List(r.Context(), storage.RunPrefix(project.Name, build.Number, run.Name))
	if err != nil {
		storeError(w, err)
		return
	}
	if s.Console.Exists(project.Name, build.Number, run.Name) {
		artifacts = append(artifacts, storage.ConsoleFile)
	}
	events, err := s.Runs.Events(r.Context(), run.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	tests, err := s.Tests.ListForRun(r.Context(), run.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	base := runURL(r, project.Name, build.Number, run.Name)
	urls := make([]string, len(artifacts))
	for i, a := range artifacts {
		urls[i] = base + a
	}
	jsendData(w, http.StatusOK, map[string]any{
		"run":       run,
		"artifacts": urls,
		"events":    events,
		"tests":     tests,
	})
}

// handleRunUpdate is the worker-facing ingress: authenticated by the per-run
// api key, it appends console output by default, stores metadata for
// X-RUN-METADATA, and finalizes the run for X-RUN-STATUS.
func (s *Server) handleRunUpdate(w http.ResponseWriter, r *http.Request) {
	project, build, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !runAuthorized(r, run) {
		jsendFail(w, http.StatusUnauthorized, "run api key required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsendFail(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if len(body) > 0 {
		if err := s.Console.Append(project.Name, build.Number, run.Name, body); err != nil {
			jsendError(w, "append console", err)
			return
		}
	}

	if meta := r.Header.Get(runMetadataHeader); meta != "" {
		if err := s.Runs.SetMeta(r.Context(), run.ID, meta); err != nil {
			storeError(w, err)
			return
		}
	}

	statusName := r.Header.Get(runStatusHeader)
	if statusName == "" {
		jsendData(w, http.StatusOK, nil)
		return
	}
	status, err := domain.ParseStatus(statusName)
	if err != nil {
		jsendFail(w, http.StatusBadRequest, err.Error())
		return
	}

	if status == domain.StatusPassed || status == domain.StatusFailed {
		status = s.finalStatus(r.Context(), project, build, run, status)
	}
	if err := s.Engine.SetRunStatus(r.Context(), run, status); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

// finalStatus applies test-grepping to the finished console and the
// incomplete-test gate: a failed grepped result downgrades the run to
// FAILED, and any still-incomplete test coerces the status back to RUNNING.
func (s *Server) finalStatus(ctx context.Context, project *domain.Project,
	build *domain.Build, run *domain.Run, status domain.Status) domain.Status {

	if tg := s.runTestGrepping(ctx, project.Name, build.Number, run.Name); tg != nil {
		console, _, err := s.Console.Read(project.Name, build.Number, run.Name, 0)
		if err != nil {
			slog.Warn("api: read console for test-grepping",
				"run", run.Name, "error", err)
		}
		grepped, err := pipeline.GrepTests(string(console), tg)
		if err != nil {
			slog.Warn("api: test-grepping failed", "run", run.Name, "error", err)
		}
		for _, gt := range grepped {
			test := domain.Test{
				RunID:  run.ID,
				Name:   gt.Name,
				Status: domain.StatusPassed,
			}
			results := make([]domain.TestResult, len(gt.Results))
			for i, gr := range gt.Results {
				results[i] = domain.TestResult{
					Name:   gr.Name,
					Status: gr.Status,
					Output: gr.Output,
				}
				if gr.Status == domain.StatusFailed {
					test.Status = domain.StatusFailed
				}
			}
			if err := s.Tests.Create(ctx, &test, results); err != nil {
				slog.Error("api: store grepped test", "run", run.Name, "error", err)
			}
		}
		if pipeline.AnyFailed(grepped) {
			status = domain.StatusFailed
		}
	}

	incomplete, err := s.Tests.IncompleteCount(ctx, run.ID)
	if err != nil {
		slog.Warn("api: count incomplete tests", "run", run.Name, "error", err)
		return status
	}
	if incomplete > 0 {
		return domain.StatusRunning
	}
	return status
}

// runTestGrepping loads the run's stored grepping rules, nil when absent.
func (s *Server) runTestGrepping(ctx context.Context, project string, build int, run string) *pipeline.TestGrepping {
	rd, err := s.loadRunDef(ctx, project, build, run)
	if err != nil {
		slog.Warn("api: load run definition for grepping",
			"project", project, "build", build, "run", run, "error", err)
		return nil
	}
	return rd.TestGrepping
}

func (s *Server) loadRunDef(ctx context.Context, project string, build int, run string) (*pipeline.RunDefinition, error) {
	data, err := s.Storage.GetString(ctx, storage.RunDefPath(project, build, run))
	if err != nil {
		return nil, err
	}
	var rd pipeline.RunDefinition
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, err
	}
	return &rd, nil
}

// handleCancelRun requests cooperative cancellation: the run is marked
// CANCELLING and the worker finalizes it with FAILED.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	_, _, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status.Terminal() {
		jsendFail(w, http.StatusBadRequest, "run already completed")
		return
	}
	if err := s.Engine.SetRunStatus(r.Context(), run, domain.StatusCancelling); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

// handleRerunRun requeues a terminal run under a fresh credential; the
// stored run definition is rewritten so the next worker gets the new key.
func (s *Server) handleRerunRun(w http.ResponseWriter, r *http.Request) {
	project, build, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !run.Status.Terminal() {
		jsendFail(w, http.StatusBadRequest, "run is still in progress")
		return
	}
	apiKey, err := domain.NewRunAPIKey()
	if err != nil {
		jsendError(w, "generate run api key", err)
		return
	}
	rd, err := s.loadRunDef(r.Context(), project.Name, build.Number, run.Name)
	if err != nil {
		storeError(w, err)
		return
	}
	rd.APIKey = apiKey
	data, err := json.Marshal(rd)
	if err != nil {
		jsendError(w, "marshal run definition", err)
		return
	}
	path := storage.RunDefPath(project.Name, build.Number, run.Name)
	if err := s.Storage.PutString(r.Context(), path, data, "application/json"); err != nil {
		jsendError(w, "store run definition", err)
		return
	}
	if err := s.Runs.Requeue(r.Context(), run.ID, apiKey); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}

type createSignedRequest struct {
	Paths []string `json:"paths"`
}

// handleCreateSigned vends signed upload URLs for the run's artifacts, with
// content types derived from each path's extension.
func (s *Server) handleCreateSigned(w http.ResponseWriter, r *http.Request) {
	project, build, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !runAuthorized(r, run) {
		jsendFail(w, http.StatusUnauthorized, "run api key required")
		return
	}
	var req createSignedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expiry := defaultSignedExpiry
	if v := r.Header.Get(expirationHeader); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			expiry = time.Duration(secs) * time.Second
		}
	}

	type signedURL struct {
		URL         string `json:"url"`
		ContentType string `json:"content-type"`
	}
	urls := map[string]signedURL{}
	for _, rel := range req.Paths {
		path := storage.RunPath(project.Name, build.Number, run.Name, rel)
		ct := storage.ContentType(rel)
		url, err := s.Storage.PutURL(r.Context(), path, expiry, ct)
		if err != nil {
			jsendError(w, "sign upload url", err)
			return
		}
		urls[rel] = signedURL{URL: url, ContentType: ct}
	}
	jsendData(w, http.StatusOK, map[string]any{"urls": urls})
}

// handleGetArtifact serves a run artifact. While the run is incomplete only
// the live console is readable, chunked via X-OFFSET; afterwards artifacts
// come from the store, with .html inline and the run definition scrubbed
// for unauthenticated readers.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	project, build, run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")

	if !run.Status.Terminal() {
		if rel != storage.ConsoleFile {
			jsendFail(w, http.StatusNotFound, "only console.log is available while the run is in progress")
			return
		}
		var offset int64
		if v := r.Header.Get(offsetHeader); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				offset = n
			}
		}
		data, next, err := s.Console.Read(project.Name, build.Number, run.Name, offset)
		if err != nil {
			jsendError(w, "read console", err)
			return
		}
		w.Header().Set(runStatusHeader, run.Status.String())
		w.Header().Set(offsetHeader, strconv.FormatInt(next, 10))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(data)
		return
	}

	path := storage.RunPath(project.Name, build.Number, run.Name, rel)
	w.Header().Set(runStatusHeader, run.Status.String())

	switch {
	case rel == storage.RunDefFile:
		rd, err := s.loadRunDef(r.Context(), project.Name, build.Number, run.Name)
		if err != nil {
			storeError(w, err)
			return
		}
		if !runAuthorized(r, run) {
			rd.Scrub()
		}
		writeJSON(w, http.StatusOK, rd)

	case strings.HasSuffix(rel, ".html"):
		data, err := s.Storage.GetString(r.Context(), path)
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", "inline")
		w.Write(data)

	default:
		url, err := s.Storage.GetURL(r.Context(), path, downloadExpiry)
		if err != nil {
			storeError(w, err)
			return
		}
		if url != "" {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		data, err := s.Storage.GetString(r.Context(), path)
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", storage.ContentType(rel))
		w.Write(data)
	}
}

// loadRun resolves {project}, {build}, and {run} params.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*domain.Project, *domain.Build, *domain.Run, bool) {
	project, build, ok := s.loadBuild(w, r)
	if !ok {
		return nil, nil, nil, false
	}
	run, err := s.Runs.Get(r.Context(), build.ID, urlParam(r, "run"))
	if err != nil {
		storeError(w, err)
		return nil, nil, nil, false
	}
	return project, build, run, true
}
