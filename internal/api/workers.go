package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jobserv-ci/jobserv/internal/dispatch"
	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/pipeline"
)

// WorkerStore is the worker persistence surface.
type WorkerStore interface {
	Create(ctx context.Context, w *domain.Worker) error
	Get(ctx context.Context, name string) (*domain.Worker, error)
	List(ctx context.Context) ([]domain.Worker, error)
	Update(ctx context.Context, w *domain.Worker) error
	SetOnline(ctx context.Context, name string, online bool) error
	Delete(ctx context.Context, name string) error
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.Workers.List(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"workers": workers})
}

// handlePollWorker is the worker heartbeat and dispatch endpoint. Every poll
// records a ping and marks the worker online; when the worker is available
// the dispatcher may hand it one run definition.
func (s *Server) handlePollWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.Workers.Get(r.Context(), urlParam(r, "worker"))
	if err != nil {
		storeError(w, err)
		return
	}
	if !workerAuthorized(r, worker) {
		jsendFail(w, http.StatusUnauthorized, "worker api key required")
		return
	}

	if err := s.Pings.Append(worker.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("api: record worker ping", "worker", worker.Name, "error", err)
	}
	if !worker.Online {
		if err := s.Workers.SetOnline(r.Context(), worker.Name, true); err != nil {
			slog.Warn("api: mark worker online", "worker", worker.Name, "error", err)
		}
	}

	var runDefs []*pipeline.RunDefinition
	candidate, err := s.Dispatcher.PopQueued(r.Context(), worker)
	if err != nil {
		jsendError(w, "dispatch run", err)
		return
	}
	if candidate != nil {
		rd, err := s.claimedRunDef(r.Context(), candidate)
		if err != nil {
			jsendError(w, "load run definition", err)
			return
		}
		runDefs = append(runDefs, rd)
	}

	jsendData(w, http.StatusOK, map[string]any{
		"worker":   worker,
		"run-defs": runDefs,
		"version":  s.Version,
	})
}

// claimedRunDef loads the stored definition for a freshly claimed run and
// rewrites its runner URL to the address workers reach this API on. When the
// definition cannot be served the run goes back to the queue under its
// existing credential, which the stored definition still carries.
func (s *Server) claimedRunDef(ctx context.Context, c *dispatch.Candidate) (*pipeline.RunDefinition, error) {
	rd, err := s.loadRunDef(ctx, c.ProjectName, c.BuildNumber, c.RunName)
	if err != nil {
		s.requeueClaimed(ctx, c.RunID, c.RunName)
		return nil, err
	}
	if s.RunnerURL != "" {
		rd.RunnerURL = s.RunnerURL + "/projects/" + c.ProjectName +
			"/builds/" + strconv.Itoa(c.BuildNumber) + "/runs/" + c.RunName + "/"
	}
	return rd, nil
}

// requeueClaimed returns a claimed run to the queue under its existing api
// key so the already-stored definition stays valid.
func (s *Server) requeueClaimed(ctx context.Context, runID int64, name string) {
	run, err := s.Runs.GetByID(ctx, runID)
	if err != nil {
		slog.Error("api: load run for requeue", "run", name, "error", err)
		return
	}
	if err := s.Runs.Requeue(ctx, runID, run.APIKey); err != nil {
		slog.Error("api: requeue after definition failure", "run", name, "error", err)
	}
}

type registerWorkerRequest struct {
	APIKey         string `json:"api_key"`
	Distro         string `json:"distro"`
	MemTotal       int64  `json:"mem_total"`
	CPUTotal       int    `json:"cpu_total"`
	CPUType        string `json:"cpu_type"`
	ConcurrentRuns int    `json:"concurrent_runs"`
	HostTags       string `json:"host_tags"`
	SurgesOnly     bool   `json:"surges_only"`
}

// handleRegisterWorker creates or refreshes a worker record. New workers
// start unenlisted; an operator enlists them via PATCH.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "worker")
	var req registerWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		jsendFail(w, http.StatusBadRequest, "api_key is required")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.APIKey), bcrypt.DefaultCost)
	if err != nil {
		jsendError(w, "hash worker api key", err)
		return
	}
	worker := &domain.Worker{
		Name:           name,
		Distro:         req.Distro,
		MemTotal:       req.MemTotal,
		CPUTotal:       req.CPUTotal,
		CPUType:        req.CPUType,
		ConcurrentRuns: req.ConcurrentRuns,
		HostTags:       req.HostTags,
		APIKeyHash:     string(hash),
		SurgesOnly:     req.SurgesOnly,
	}
	if err := s.Workers.Create(r.Context(), worker); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusCreated, map[string]any{"worker": worker})
}

type updateWorkerRequest struct {
	Enlisted   *bool   `json:"enlisted"`
	SurgesOnly *bool   `json:"surges_only"`
	HostTags   *string `json:"host_tags"`
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.Workers.Get(r.Context(), urlParam(r, "worker"))
	if err != nil {
		storeError(w, err)
		return
	}
	var req updateWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enlisted != nil {
		worker.Enlisted = *req.Enlisted
	}
	if req.SurgesOnly != nil {
		worker.SurgesOnly = *req.SurgesOnly
	}
	if req.HostTags != nil {
		worker.HostTags = *req.HostTags
	}
	if err := s.Workers.Update(r.Context(), worker); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, map[string]any{"worker": worker})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.Workers.Delete(r.Context(), urlParam(r, "worker")); err != nil {
		storeError(w, err)
		return
	}
	jsendData(w, http.StatusOK, nil)
}
