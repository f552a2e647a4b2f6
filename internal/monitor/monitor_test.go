package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

type mockWorkers struct {
	workers []domain.Worker
	offline []string
}

func (m *mockWorkers) List(_ context.Context) ([]domain.Worker, error) {
	out := make([]domain.Worker, len(m.workers))
	copy(out, m.workers)
	return out, nil
}

func (m *mockWorkers) SetOnline(_ context.Context, name string, online bool) error {
	if !online {
		m.offline = append(m.offline, name)
	}
	for i := range m.workers {
		if m.workers[i].Name == name {
			m.workers[i].Online = online
		}
	}
	return nil
}

type mockRuns struct {
	queued map[string]int
}

func (m *mockRuns) QueuedHostTags(_ context.Context) (map[string]int, error) {
	return m.queued, nil
}

type mockNotifier struct {
	started []string
	ended   []string
	endIDs  []string
}

func (m *mockNotifier) SurgeStarted(_ context.Context, tag string) (string, error) {
	m.started = append(m.started, tag)
	return "note-" + tag, nil
}

func (m *mockNotifier) SurgeEnded(_ context.Context, tag, priorID string) error {
	m.ended = append(m.ended, tag)
	m.endIDs = append(m.endIDs, priorID)
	return nil
}

func onlineWorker(name, tags string) domain.Worker {
	return domain.Worker{
		Name: name, HostTags: tags,
		Enlisted: true, Online: true, ConcurrentRuns: 2,
	}
}

func newTestMonitor(t *testing.T, workers *mockWorkers, runs *mockRuns, notifier *mockNotifier, ratio int) *Monitor {
	t.Helper()
	return New(workers, runs, NewPings(t.TempDir()), NewFlags(t.TempDir()),
		notifier, ratio, time.Minute)
}

func TestTick_StaleWorkerGoesOffline(t *testing.T) {
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w1", "amd64")}}
	runs := &mockRuns{queued: map[string]int{}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	// never pinged at all
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []string{"w1"}, workers.offline)
}

func TestTick_RecentPingStaysOnline(t *testing.T) {
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w1", "amd64")}}
	runs := &mockRuns{queued: map[string]int{}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("w1", time.Now().UTC().Format(time.RFC3339)))
	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, workers.offline)
}

func TestTick_SurgesOnlyThresholdIsLonger(t *testing.T) {
	reserve := onlineWorker("rw", "amd64")
	reserve.SurgesOnly = true
	workers := &mockWorkers{workers: []domain.Worker{reserve}}
	runs := &mockRuns{queued: map[string]int{}}
	m := newTestMonitor(t, workers, runs, &mockNotifier{}, 3)

	// ping aged past the regular threshold but inside the surges-only one
	require.NoError(t, m.pings.Append("rw", "ping"))
	past := time.Now().Add(-100 * time.Second)
	require.NoError(t, os.Chtimes(m.pings.path("rw"), past, past))

	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, workers.offline)
}

func TestPings_RotatePreservesMtime(t *testing.T) {
	pings := NewPings(t.TempDir())
	big := strings.Repeat("x", pingLogMaxSize+1)
	require.NoError(t, pings.Append("w1", big))

	before, ok := pings.LastSeen("w1")
	require.True(t, ok)

	require.NoError(t, pings.Rotate("w1"))

	after, ok := pings.LastSeen("w1")
	require.True(t, ok)
	assert.WithinDuration(t, before, after, time.Second)

	// the rotated file exists alongside the fresh one
	dir := filepath.Dir(pings.path("w1"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTick_SurgeStartsWhenQueueExceedsCapacity(t *testing.T) {
	// one worker with 3 slots, four queued runs: tag surges
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w", "amd64")}}
	runs := &mockRuns{queued: map[string]int{"amd64": 4}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("w", "ping"))
	require.NoError(t, m.Tick(context.Background()))

	assert.Equal(t, []string{"amd64"}, notifier.started)
	assert.True(t, m.flags.Active("amd64"))
	id, err := m.flags.NotificationID("amd64")
	require.NoError(t, err)
	assert.Equal(t, "note-amd64", id)
}

func TestTick_NoSurgeWithinCapacity(t *testing.T) {
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w", "amd64")}}
	runs := &mockRuns{queued: map[string]int{"amd64": 3}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("w", "ping"))
	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, notifier.started)
	assert.False(t, m.flags.Active("amd64"))
}

func TestTick_SurgesOnlyWorkersDoNotCount(t *testing.T) {
	reserve := onlineWorker("rw", "amd64")
	reserve.SurgesOnly = true
	workers := &mockWorkers{workers: []domain.Worker{reserve}}
	runs := &mockRuns{queued: map[string]int{"amd64": 1}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("rw", "ping"))
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []string{"amd64"}, notifier.started)
}

func TestTick_AntiFlapHoldsFreshFlag(t *testing.T) {
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w", "amd64")}}
	runs := &mockRuns{queued: map[string]int{}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("w", "ping"))
	require.NoError(t, m.flags.Create("amd64", "note-1"))

	// fresh flag survives a quiet tick
	require.NoError(t, m.Tick(context.Background()))
	assert.True(t, m.flags.Active("amd64"))
	assert.Empty(t, notifier.ended)

	// age the flag past the hold window; next quiet tick clears it
	past := time.Now().Add(-surgeHoldTime - time.Second)
	require.NoError(t, os.Chtimes(m.flags.path("amd64"), past, past))

	require.NoError(t, m.Tick(context.Background()))
	assert.False(t, m.flags.Active("amd64"))
	assert.Equal(t, []string{"amd64"}, notifier.ended)
	assert.Equal(t, []string{"note-1"}, notifier.endIDs)
}

func TestTick_OngoingSurgeDoesNotRenotify(t *testing.T) {
	workers := &mockWorkers{workers: []domain.Worker{onlineWorker("w", "amd64")}}
	runs := &mockRuns{queued: map[string]int{"amd64": 10}}
	notifier := &mockNotifier{}
	m := newTestMonitor(t, workers, runs, notifier, 3)

	require.NoError(t, m.pings.Append("w", "ping"))
	require.NoError(t, m.Tick(context.Background()))
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []string{"amd64"}, notifier.started)
}

func TestStartStop(t *testing.T) {
	workers := &mockWorkers{}
	runs := &mockRuns{queued: map[string]int{}}
	m := New(workers, runs, NewPings(t.TempDir()), NewFlags(t.TempDir()),
		&mockNotifier{}, 3, 10*time.Millisecond)

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
