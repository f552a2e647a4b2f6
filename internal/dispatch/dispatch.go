// Package dispatch implements the queued-run dispatcher workers poll.
// Exclusivity relies on a single conditional update per claim; no
// application-level locks are held across storage calls.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/metrics"
)

// Candidate is one row of the dispatcher's scan: a run that is QUEUED or
// RUNNING, joined with its build and project.
type Candidate struct {
	RunID         int64
	RunName       string
	BuildRowID    int64
	BuildNumber   int
	ProjectID     int64
	ProjectName   string
	Synchronous   bool
	Status        domain.Status
	HostTag       string
	QueuePriority int
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	// DispatchCandidates returns QUEUED and RUNNING runs ordered RUNNING
	// first, then queue priority descending, build number ascending, run id
	// ascending.
	DispatchCandidates(ctx context.Context) ([]Candidate, error)

	// Claim flips a run from QUEUED to RUNNING and binds the worker, all in
	// one conditional update. It reports false when another poller won.
	Claim(ctx context.Context, runID int64, workerName string) (bool, error)
}

// SurgeFlags reports whether a host tag currently has an active surge flag.
type SurgeFlags interface {
	Active(tag string) bool
}

// Dispatcher assigns queued runs to polling workers.
type Dispatcher struct {
	store  Store
	surges SurgeFlags
}

func New(store Store, surges SurgeFlags) *Dispatcher {
	return &Dispatcher{store: store, surges: surges}
}

// PopQueued returns at most one run for the worker, claimed atomically, or
// nil when nothing eligible is queued. Sync-project bookkeeping follows the
// scan order: RUNNING rows are seen first, so a synchronous project's
// in-flight build is known before any of its queued rows are considered.
func (d *Dispatcher) PopQueued(ctx context.Context, w *domain.Worker) (*Candidate, error) {
	if !d.available(w) {
		return nil, nil
	}

	candidates, err := d.store.DispatchCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch candidates: %w", err)
	}

	workerTags := append([]string{w.Name}, w.Tags()...)
	syncProjects := map[int64]bool{}
	okaySyncBuilds := map[int64]bool{}

	for i := range candidates {
		c := &candidates[i]
		if c.Status == domain.StatusRunning {
			if c.Synchronous {
				syncProjects[c.ProjectID] = true
				okaySyncBuilds[c.BuildRowID] = true
			}
			continue
		}
		if !tagMatches(c.HostTag, workerTags) {
			continue
		}
		if c.Synchronous && syncProjects[c.ProjectID] && !okaySyncBuilds[c.BuildRowID] {
			continue
		}

		claimed, err := d.store.Claim(ctx, c.RunID, w.Name)
		if err != nil {
			return nil, fmt.Errorf("claim run %d: %w", c.RunID, err)
		}
		if !claimed {
			// another poll won the race; this worker tries again next poll
			slog.Debug("dispatch: lost claim race", "run", c.RunName, "worker", w.Name)
			return nil, nil
		}
		metrics.DispatchedRuns.Inc()
		slog.Info("dispatch: run assigned",
			"project", c.ProjectName, "build", c.BuildNumber, "run", c.RunName,
			"worker", w.Name)
		return c, nil
	}
	return nil, nil
}

// available reports whether the worker may receive work at all. A
// surges-only worker participates only while one of its tags is surging.
func (d *Dispatcher) available(w *domain.Worker) bool {
	if !w.Enlisted || w.Deleted {
		return false
	}
	if !w.SurgesOnly {
		return true
	}
	for _, tag := range w.Tags() {
		if d.surges.Active(tag) {
			return true
		}
	}
	return false
}

// tagMatches reports whether the run's host-tag glob matches any of the
// worker's tags (its name plus its declared host tags), case-insensitively.
func tagMatches(hostTag string, workerTags []string) bool {
	pattern := strings.ToLower(hostTag)
	for _, t := range workerTags {
		if ok, err := path.Match(pattern, strings.ToLower(t)); err == nil && ok {
			return true
		}
	}
	return false
}
