package api

import (
	"net/http"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/postgres"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsendData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthRuns reports the live run picture: per-status counts, the
// queue in dispatch order, and in-flight runs grouped by worker.
func (s *Server) handleHealthRuns(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Runs.CountByStatus(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	active, err := s.Runs.Active(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}

	byStatus := map[string]int{}
	for status, n := range counts {
		byStatus[status.String()] = n
	}

	queue := []postgres.RunSummary{}
	byWorker := map[string][]postgres.RunSummary{}
	for _, rs := range active {
		switch {
		case rs.Run.Status == domain.StatusQueued:
			queue = append(queue, rs)
		case rs.Run.WorkerName != "":
			byWorker[rs.Run.WorkerName] = append(byWorker[rs.Run.WorkerName], rs)
		}
	}

	jsendData(w, http.StatusOK, map[string]any{
		"statuses": byStatus,
		"queue":    queue,
		"workers":  byWorker,
	})
}
