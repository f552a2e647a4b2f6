package monitor

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/metrics"
)

const (
	// DefaultInterval is the monitor's tick cadence.
	DefaultInterval = 120 * time.Second

	// Liveness thresholds on the ping log mtime.
	regularOfflineAfter    = 80 * time.Second
	surgesOnlyOfflineAfter = 120 * time.Second

	// surgeHoldTime is the anti-flap window: a surge flag younger than this
	// is never cleared.
	surgeHoldTime = 300 * time.Second
)

// WorkerStore is the worker persistence the monitor needs.
type WorkerStore interface {
	List(ctx context.Context) ([]domain.Worker, error)
	SetOnline(ctx context.Context, name string, online bool) error
}

// RunStore supplies the QUEUED backlog per host tag.
type RunStore interface {
	QueuedHostTags(ctx context.Context) (map[string]int, error)
}

// Notifier announces surge transitions. SurgeStarted returns the
// notification id stored in the flag file so SurgeEnded can reference it.
type Notifier interface {
	SurgeStarted(ctx context.Context, tag string) (string, error)
	SurgeEnded(ctx context.Context, tag, priorID string) error
}

// Monitor runs worker liveness and surge detection on a fixed cadence.
type Monitor struct {
	workers  WorkerStore
	runs     RunStore
	pings    *Pings
	flags    *Flags
	notifier Notifier

	// ratio is how many queued runs one online worker is assumed to absorb
	// (SURGE_SUPPORT_RATIO).
	ratio    int
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(workers WorkerStore, runs RunStore, pings *Pings, flags *Flags,
	notifier Notifier, ratio int, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ratio <= 0 {
		ratio = 1
	}
	return &Monitor{
		workers:  workers,
		runs:     runs,
		pings:    pings,
		flags:    flags,
		notifier: notifier,
		ratio:    ratio,
		interval: interval,
	}
}

// Flags exposes the flag set for the dispatcher.
func (m *Monitor) Flags() *Flags {
	return m.flags
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		slog.Info("monitor: started", "interval", m.interval, "ratio", m.ratio)
		for {
			select {
			case <-ctx.Done():
				slog.Info("monitor: stopped")
				return
			case <-ticker.C:
				if err := m.Tick(ctx); err != nil {
					slog.Error("monitor: tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Tick runs one monitor pass: liveness first, then queue vs capacity.
func (m *Monitor) Tick(ctx context.Context) error {
	workers, err := m.workers.List(ctx)
	if err != nil {
		return err
	}
	m.checkLiveness(ctx, workers)
	return m.checkSurges(ctx, workers)
}

// checkLiveness marks workers offline when their ping log goes stale, and
// rotates oversized logs.
func (m *Monitor) checkLiveness(ctx context.Context, workers []domain.Worker) {
	for i := range workers {
		w := &workers[i]
		if !w.Enlisted {
			continue
		}
		if err := m.pings.Rotate(w.Name); err != nil {
			slog.Warn("monitor: ping log rotation failed", "worker", w.Name, "error", err)
		}

		threshold := regularOfflineAfter
		if w.SurgesOnly {
			threshold = surgesOnlyOfflineAfter
		}
		last, ok := m.pings.LastSeen(w.Name)
		stale := !ok || time.Since(last) > threshold
		if stale && w.Online {
			slog.Info("monitor: worker went offline", "worker", w.Name)
			if err := m.workers.SetOnline(ctx, w.Name, false); err != nil {
				slog.Error("monitor: mark worker offline", "worker", w.Name, "error", err)
			}
			w.Online = false
		}
	}
}

// workerSlots is one worker's remaining surge-accounting capacity.
type workerSlots struct {
	tags  []string
	slots int
}

// checkSurges compares the QUEUED backlog per tag against non-surge
// capacity and transitions surge flags, with anti-flap hold on clearing.
func (m *Monitor) checkSurges(ctx context.Context, workers []domain.Worker) error {
	queued, err := m.runs.QueuedHostTags(ctx)
	if err != nil {
		return err
	}
	metrics.QueuedRuns.Reset()
	for tag, n := range queued {
		metrics.QueuedRuns.WithLabelValues(tag).Set(float64(n))
	}

	var table []workerSlots
	for i := range workers {
		w := &workers[i]
		if !w.Enlisted || !w.Online || w.SurgesOnly || w.Deleted {
			continue
		}
		table = append(table, workerSlots{
			tags:  append([]string{w.Name}, w.Tags()...),
			slots: m.ratio,
		})
	}

	surging := map[string]bool{}
	for tag, count := range queued {
		for n := 0; n < count; n++ {
			if !assignSlot(table, tag) {
				surging[tag] = true
			}
		}
	}

	// clear flags for tags no longer surging, honoring the hold window
	existing, err := m.flags.List()
	if err != nil {
		return err
	}
	for _, tag := range existing {
		if surging[tag] {
			continue
		}
		if age, ok := m.flags.Age(tag); ok && age < surgeHoldTime {
			continue
		}
		priorID, err := m.flags.NotificationID(tag)
		if err != nil {
			slog.Warn("monitor: surge flag unreadable", "tag", tag, "error", err)
		}
		if err := m.flags.Remove(tag); err != nil {
			slog.Error("monitor: remove surge flag", "tag", tag, "error", err)
			continue
		}
		metrics.SurgeActive.WithLabelValues(tag).Set(0)
		slog.Info("monitor: surge ended", "tag", tag)
		if err := m.notifier.SurgeEnded(ctx, tag, priorID); err != nil {
			slog.Warn("monitor: surge-ended notification failed", "tag", tag, "error", err)
		}
	}

	for tag := range surging {
		if m.flags.Active(tag) {
			continue
		}
		id, err := m.notifier.SurgeStarted(ctx, tag)
		if err != nil {
			slog.Warn("monitor: surge-started notification failed", "tag", tag, "error", err)
		}
		if err := m.flags.Create(tag, id); err != nil {
			slog.Error("monitor: create surge flag", "tag", tag, "error", err)
			continue
		}
		metrics.SurgeActive.WithLabelValues(tag).Set(1)
		slog.Info("monitor: surge started", "tag", tag)
	}
	return nil
}

// assignSlot takes one slot from the first worker matching the tag.
func assignSlot(table []workerSlots, tag string) bool {
	for i := range table {
		if table[i].slots <= 0 {
			continue
		}
		for _, wt := range table[i].tags {
			if ok, err := path.Match(strings.ToLower(tag), strings.ToLower(wt)); err == nil && ok {
				table[i].slots--
				return true
			}
		}
	}
	return false
}
