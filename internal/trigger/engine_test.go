package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/pipeline"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

type memStore struct {
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) PutString(_ context.Context, path string, data []byte, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) GetString(_ context.Context, path string) ([]byte, error) {
	data, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (m *memStore) PutFile(_ context.Context, path, _, _ string) error {
	m.objects[path] = []byte("file")
	return nil
}

func (m *memStore) List(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (m *memStore) PutURL(_ context.Context, path string, _ time.Duration, _ string) (string, error) {
	return "https://signed/" + path, nil
}

func (m *memStore) GetURL(_ context.Context, path string, _ time.Duration) (string, error) {
	return "https://signed/" + path, nil
}

func (m *memStore) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type mockProjects struct {
	projects map[int64]*domain.Project
}

func (m *mockProjects) GetByID(_ context.Context, id int64) (*domain.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

type mockBuilds struct {
	builds  map[int64]*domain.Build
	nextID  int64
	history []domain.Status
}

func newMockBuilds() *mockBuilds {
	return &mockBuilds{builds: map[int64]*domain.Build{}}
}

func (m *mockBuilds) Create(_ context.Context, projectID int64, reason, triggerName string) (*domain.Build, error) {
	m.nextID++
	number := 0
	for _, b := range m.builds {
		if b.ProjectID == projectID && b.Number > number {
			number = b.Number
		}
	}
	b := &domain.Build{
		ID: m.nextID, ProjectID: projectID, Number: number + 1,
		Status: domain.StatusQueued, Reason: reason, TriggerName: triggerName,
	}
	m.builds[b.ID] = b
	return b, nil
}

func (m *mockBuilds) GetByID(_ context.Context, id int64) (*domain.Build, error) {
	b, ok := m.builds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *mockBuilds) SetStatus(_ context.Context, buildID int64, status domain.Status) (bool, error) {
	b, ok := m.builds[buildID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if b.Status == status {
		return false, nil
	}
	b.Status = status
	return true, nil
}

func (m *mockBuilds) History(_ context.Context, _ int64, _ int) ([]domain.Status, error) {
	return m.history, nil
}

type mockRuns struct {
	runs []*domain.Run
	next int64
}

func (m *mockRuns) Create(_ context.Context, r *domain.Run) error {
	for _, existing := range m.runs {
		if existing.BuildID == r.BuildID && existing.Name == r.Name {
			return fmt.Errorf("run %s already exists in this build: %w", r.Name, domain.ErrConflict)
		}
	}
	m.next++
	r.ID = m.next
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *mockRuns) ListForBuild(_ context.Context, buildID int64) ([]domain.Run, error) {
	var out []domain.Run
	for _, r := range m.runs {
		if r.BuildID == buildID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockRuns) SetStatus(_ context.Context, runID int64, status domain.Status) (bool, error) {
	for _, r := range m.runs {
		if r.ID == runID {
			if r.Status == status {
				return false, nil
			}
			r.Status = status
			return true, nil
		}
	}
	return false, domain.ErrNotFound
}

func (m *mockRuns) byName(buildID int64, name string) *domain.Run {
	for _, r := range m.runs {
		if r.BuildID == buildID && r.Name == name {
			return r
		}
	}
	return nil
}

type nopLocker struct{}

func (nopLocker) WithLock(ctx context.Context, _ int64, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockNotifier struct {
	emails   []BuildNote
	webhooks []BuildNote
}

func (m *mockNotifier) BuildCompleteEmail(_ context.Context, note BuildNote, _ []string, _ bool) {
	m.emails = append(m.emails, note)
}

func (m *mockNotifier) BuildCompleteWebhook(_ context.Context, note BuildNote, _, _ string, _ bool) {
	m.webhooks = append(m.webhooks, note)
}

const fanoutDef = `
timeout: 5
scripts:
  unit-test: "echo ok"
triggers:
  - name: git_poller
    type: git_poller
    email:
      users: ci@example.com
    runs:
      - name: unit
        container: alpine:3.20
        host-tag: amd64
        script: unit-test
        triggers:
          - name: post
            run-names: "{name}-lint"
  - name: post
    type: simple
    runs:
      - name: lint
        container: alpine:3.20
        host-tag: amd64
        script: unit-test
`

type fixture struct {
	engine   *Engine
	projects *mockProjects
	builds   *mockBuilds
	runs     *mockRuns
	store    *memStore
	notifier *mockNotifier
	project  *domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		projects: &mockProjects{projects: map[int64]*domain.Project{
			1: {ID: 1, Name: "p"},
		}},
		builds:   newMockBuilds(),
		runs:     &mockRuns{},
		store:    newMemStore(),
		notifier: &mockNotifier{},
	}
	f.project = f.projects.projects[1]
	f.engine = NewEngine(f.projects, f.builds, f.runs, nopLocker{}, f.store,
		storage.NewConsoleDir(t.TempDir()), f.notifier, "https://jobserv.example.com")
	return f
}

func (f *fixture) rundef(t *testing.T, build int, run string) *pipeline.RunDefinition {
	t.Helper()
	data, ok := f.store.objects[storage.RunDefPath("p", build, run)]
	require.True(t, ok, "rundef for %s missing", run)
	var rd pipeline.RunDefinition
	require.NoError(t, json.Unmarshal(data, &rd))
	return &rd
}

func TestTriggerBuild_MinimalPipeline(t *testing.T) {
	f := newFixture(t)

	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "change detected", nil, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, build.Number)
	assert.Equal(t, domain.StatusQueued, build.Status)

	run := f.runs.byName(build.ID, "unit")
	require.NotNil(t, run)
	assert.Equal(t, domain.StatusQueued, run.Status)
	assert.Len(t, run.APIKey, 32)

	// the definition and the rundef are persisted
	_, ok := f.store.objects[storage.ProjectDefPath("p", 1)]
	assert.True(t, ok)
	rd := f.rundef(t, 1, "unit")
	assert.Equal(t, "unit", rd.Run)
	assert.Equal(t, "echo ok", rd.Script)
	assert.Equal(t, domain.TriggerGitPoller, rd.TriggerType)
	assert.Equal(t, "1", rd.Env["H_BUILD"])
}

func TestTriggerBuild_UnknownTrigger(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "nope", "", nil, nil, 0)
	var verr *pipeline.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTriggerBuild_StorageFailureCreatesBuildFailureRun(t *testing.T) {
	f := newFixture(t)
	f.store.putErr = errors.New("bucket unavailable")

	_, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "", nil, nil, 0)
	require.Error(t, err)

	var build *domain.Build
	for _, b := range f.builds.builds {
		build = b
	}
	require.NotNil(t, build)
	assert.Equal(t, domain.StatusFailed, build.Status)
	require.NotNil(t, f.runs.byName(build.ID, BuildFailureRun))
}

func TestSetRunStatus_FanOutOnPass(t *testing.T) {
	f := newFixture(t)
	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "", nil, nil, 0)
	require.NoError(t, err)

	unit := f.runs.byName(build.ID, "unit")
	require.NoError(t, f.engine.SetRunStatus(context.Background(), unit, domain.StatusPassed))

	lint := f.runs.byName(build.ID, "unit-lint")
	require.NotNil(t, lint, "child run instantiated with run-names substitution")
	assert.Equal(t, domain.StatusQueued, lint.Status)
	assert.Equal(t, "post", lint.TriggerName)

	// PASSED + QUEUED aggregates to RUNNING
	b, err := f.builds.GetByID(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, b.Status)
}

func TestSetRunStatus_TriggerTypeUpgrade(t *testing.T) {
	def := `
timeout: 5
scripts: {s: "echo ok"}
triggers:
  - name: merge
    type: github_pr
    runs:
      - name: unit
        container: c
        host-tag: amd64
        script: s
        triggers: [{name: post}]
  - name: post
    type: simple
    runs:
      - name: lint
        container: c
        host-tag: amd64
        script: s
`
	f := newFixture(t)
	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(def), "merge", "", nil, nil, 0)
	require.NoError(t, err)

	unit := f.runs.byName(build.ID, "unit")
	require.NoError(t, f.engine.SetRunStatus(context.Background(), unit, domain.StatusPassed))

	rd := f.rundef(t, build.Number, "lint")
	assert.Equal(t, domain.TriggerGitHubPR, rd.TriggerType,
		"simple child of a github_pr parent reports as github_pr")
}

func TestSetRunStatus_BuildCompleteNotifies(t *testing.T) {
	f := newFixture(t)
	f.builds.history = []domain.Status{domain.StatusPassed, domain.StatusFailed}

	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "", nil, nil, 0)
	require.NoError(t, err)

	unit := f.runs.byName(build.ID, "unit")
	require.NoError(t, f.engine.SetRunStatus(context.Background(), unit, domain.StatusPassed))
	lint := f.runs.byName(build.ID, "unit-lint")
	require.NotNil(t, lint)
	require.NoError(t, f.engine.SetRunStatus(context.Background(), lint, domain.StatusPassed))

	b, err := f.builds.GetByID(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPassed, b.Status)

	require.Len(t, f.notifier.emails, 1)
	note := f.notifier.emails[0]
	assert.Equal(t, "p", note.Project)
	assert.Equal(t, domain.StatusPassed, note.Status)
	assert.Equal(t, []domain.Status{domain.StatusPassed, domain.StatusFailed}, note.History)
}

func TestSetRunStatus_FailurePropagates(t *testing.T) {
	f := newFixture(t)
	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "", nil, nil, 0)
	require.NoError(t, err)

	unit := f.runs.byName(build.ID, "unit")
	require.NoError(t, f.engine.SetRunStatus(context.Background(), unit, domain.StatusFailed))

	b, err := f.builds.GetByID(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, b.Status)
	assert.Nil(t, f.runs.byName(build.ID, "unit-lint"), "no fan-out on failure")
	require.Len(t, f.notifier.emails, 1)
}

func TestInstantiateTrigger_DuplicateNameIsConflict(t *testing.T) {
	f := newFixture(t)
	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "", nil, nil, 0)
	require.NoError(t, err)

	def, err := pipeline.Parse([]byte(fanoutDef))
	require.NoError(t, err)

	// "unit" already exists in this build
	err = f.engine.InstantiateTrigger(context.Background(), def, f.project, build,
		pipeline.ChildTrigger{Name: "post", RunNames: "unit"}, "unit",
		domain.TriggerGitPoller, map[string]string{}, map[string]string{}, 0)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSetRunStatus_ParentEnvPropagation(t *testing.T) {
	f := newFixture(t)
	build, err := f.engine.TriggerBuild(context.Background(), f.project,
		[]byte(fanoutDef), "git_poller", "",
		map[string]string{"GIT_SHA": "abc123"}, nil, 0)
	require.NoError(t, err)

	unit := f.runs.byName(build.ID, "unit")
	require.NoError(t, f.engine.SetRunStatus(context.Background(), unit, domain.StatusPassed))

	rd := f.rundef(t, build.Number, "unit-lint")
	assert.Equal(t, "abc123", rd.Env["GIT_SHA"], "event params flow to child runs")
	assert.Equal(t,
		"https://jobserv.example.com/projects/p/builds/1/runs/unit/",
		rd.Env["H_TRIGGER_URL"])
	assert.Equal(t, "unit-lint", rd.Env["H_RUN"])
}
