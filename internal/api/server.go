// Package api exposes the REST surface: project, build, and run resources,
// the run-update ingress workers report through, and the worker poll
// endpoint the dispatcher serves.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jobserv-ci/jobserv/internal/dispatch"
	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/metrics"
	"github.com/jobserv-ci/jobserv/internal/monitor"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

// maxBodySize caps request bodies; console appends from workers are the
// largest legitimate payloads.
const maxBodySize = 8 << 20

// Engine is the trigger engine surface the handlers drive.
type Engine interface {
	SetRunStatus(ctx context.Context, run *domain.Run, status domain.Status) error
	TriggerBuild(ctx context.Context, project *domain.Project, defData []byte,
		triggerName, reason string, params, secrets map[string]string,
		queuePriority int) (*domain.Build, error)
}

// SecretVault seals and opens trigger secrets.
type SecretVault interface {
	Seal(secrets map[string]string) (string, error)
	Open(ciphertext string) (map[string]string, error)
}

// Server holds the dependencies for all handlers.
type Server struct {
	Projects ProjectStore
	Triggers TriggerStore
	Builds   BuildStore
	Runs     RunStore
	Tests    TestStore
	Workers  WorkerStore

	Storage    storage.Store
	Console    *storage.ConsoleDir
	Vault      SecretVault
	Engine     Engine
	Dispatcher *dispatch.Dispatcher
	Pings      *monitor.Pings

	// RunnerURL is the base URL workers reach this API on; run definitions
	// handed to workers carry it.
	RunnerURL string
	Version   string

	// Auth guards the administrative surface (project and trigger
	// management, build creation, promote). Nil leaves it open, for
	// deployments that authenticate at the reverse proxy.
	Auth func(http.Handler) http.Handler

	CORSOrigins []string
}

// NewRouter builds the chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	origins := srv.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-Request-ID", "X-RUN-STATUS", "X-RUN-METADATA", "X-OFFSET",
			"X-URL-EXPIRATION"},
		ExposedHeaders: []string{"X-Request-ID", "X-OFFSET", "X-RUN-STATUS"},
		MaxAge:         300,
	}))
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Get("/health", srv.handleHealth)
	r.Get("/health/runs/", srv.handleHealthRuns)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/version", srv.handleVersion)

	admin := func(r chi.Router) chi.Router {
		if srv.Auth != nil {
			return r.With(srv.Auth)
		}
		return r
	}

	r.Route("/projects", func(r chi.Router) {
		a := admin(r)
		r.Get("/", srv.handleListProjects)
		a.Post("/", srv.handleCreateProject)
		r.Get("/{project}/", srv.handleGetProject)
		a.Delete("/{project}/", srv.handleDeleteProject)

		r.Get("/{project}/triggers/", srv.handleListTriggers)
		a.Post("/{project}/triggers/", srv.handleCreateTrigger)
		a.Patch("/{project}/triggers/{trigger}/", srv.handleUpdateTrigger)
		a.Delete("/{project}/triggers/{trigger}/", srv.handleDeleteTrigger)

		r.Get("/{project}/builds/", srv.handleListBuilds)
		a.Post("/{project}/builds/", srv.handleCreateBuild)
		r.Get("/{project}/builds/latest/", srv.handleLatestBuild)
		r.Get("/{project}/promoted-builds/", srv.handleListPromoted)
		r.Get("/{project}/builds/{build}/", srv.handleGetBuild)
		r.Get("/{project}/builds/{build}/project.yml", srv.handleProjectDef)
		a.Post("/{project}/builds/{build}/promote", srv.handlePromoteBuild)

		r.Get("/{project}/builds/{build}/runs/", srv.handleListRuns)
		r.Get("/{project}/builds/{build}/runs/{run}/", srv.handleGetRun)
		r.Post("/{project}/builds/{build}/runs/{run}/", srv.handleRunUpdate)
		a.Post("/{project}/builds/{build}/runs/{run}/cancel", srv.handleCancelRun)
		a.Post("/{project}/builds/{build}/runs/{run}/rerun", srv.handleRerunRun)
		r.Post("/{project}/builds/{build}/runs/{run}/create_signed", srv.handleCreateSigned)
		r.Get("/{project}/builds/{build}/runs/{run}/*", srv.handleGetArtifact)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", srv.handleListWorkers)
		r.Get("/{worker}/", srv.handlePollWorker)
		r.Post("/{worker}/", srv.handleRegisterWorker)
		a := admin(r)
		a.Patch("/{worker}/", srv.handleUpdateWorker)
		a.Delete("/{worker}/", srv.handleDeleteWorker)
	})

	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	jsendData(w, http.StatusOK, map[string]string{"version": s.Version})
}

// urlParam returns the chi route parameter with surrounding slashes removed.
func urlParam(r *http.Request, key string) string {
	return strings.Trim(chi.URLParam(r, key), "/")
}
