package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jobserv-ci/jobserv/internal/dispatch"
	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/monitor"
	"github.com/jobserv-ci/jobserv/internal/postgres"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

type mockProjects struct {
	projects map[string]*domain.Project
}

func newMockProjects() *mockProjects {
	return &mockProjects{projects: map[string]*domain.Project{}}
}

func (m *mockProjects) Create(ctx context.Context, name string, sync bool) (*domain.Project, error) {
	if _, ok := m.projects[name]; ok {
		return nil, domain.ErrConflict
	}
	p := &domain.Project{ID: int64(len(m.projects) + 1), Name: name, SynchronousBuilds: sync}
	m.projects[name] = p
	return p, nil
}

func (m *mockProjects) Get(ctx context.Context, name string) (*domain.Project, error) {
	if p, ok := m.projects[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("project %s: %w", name, domain.ErrNotFound)
}

func (m *mockProjects) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	for _, p := range m.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockProjects) List(ctx context.Context, limit, offset int) ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if offset > len(out) {
		offset = len(out)
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *mockProjects) Count(ctx context.Context) (int, error) {
	return len(m.projects), nil
}

func (m *mockProjects) Delete(ctx context.Context, name string) error {
	if _, ok := m.projects[name]; !ok {
		return domain.ErrNotFound
	}
	delete(m.projects, name)
	return nil
}

type mockTriggers struct {
	triggers map[int64]*domain.ProjectTrigger
	nextID   int64
}

func newMockTriggers() *mockTriggers {
	return &mockTriggers{triggers: map[int64]*domain.ProjectTrigger{}}
}

func (m *mockTriggers) Create(ctx context.Context, t *domain.ProjectTrigger) error {
	m.nextID++
	t.ID = m.nextID
	m.triggers[t.ID] = t
	return nil
}

func (m *mockTriggers) Get(ctx context.Context, id int64) (*domain.ProjectTrigger, error) {
	if t, ok := m.triggers[id]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTriggers) GetByType(ctx context.Context, projectID int64, typ domain.TriggerType) (*domain.ProjectTrigger, error) {
	for _, t := range m.triggers {
		if t.ProjectID == projectID && t.Type == typ {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockTriggers) ListByProject(ctx context.Context, projectID int64) ([]domain.ProjectTrigger, error) {
	var out []domain.ProjectTrigger
	for _, t := range m.triggers {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockTriggers) Update(ctx context.Context, t *domain.ProjectTrigger) error {
	if _, ok := m.triggers[t.ID]; !ok {
		return domain.ErrNotFound
	}
	m.triggers[t.ID] = t
	return nil
}

func (m *mockTriggers) Delete(ctx context.Context, id int64) error {
	if _, ok := m.triggers[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.triggers, id)
	return nil
}

type mockBuilds struct {
	builds map[int64]*domain.Build
	events map[int64][]domain.BuildEvent
	nextID int64
}

func newMockBuilds() *mockBuilds {
	return &mockBuilds{builds: map[int64]*domain.Build{}, events: map[int64][]domain.BuildEvent{}}
}

func (m *mockBuilds) add(b *domain.Build) *domain.Build {
	m.nextID++
	b.ID = m.nextID
	m.builds[b.ID] = b
	return b
}

func (m *mockBuilds) Get(ctx context.Context, projectID int64, number int) (*domain.Build, error) {
	for _, b := range m.builds {
		if b.ProjectID == projectID && b.Number == number {
			return b, nil
		}
	}
	return nil, fmt.Errorf("build %d: %w", number, domain.ErrNotFound)
}

func (m *mockBuilds) List(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error) {
	var out []domain.Build
	for _, b := range m.builds {
		if b.ProjectID == projectID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if offset > len(out) {
		offset = len(out)
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *mockBuilds) Count(ctx context.Context, projectID int64) (int, error) {
	n := 0
	for _, b := range m.builds {
		if b.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (m *mockBuilds) Latest(ctx context.Context, projectID int64) (*domain.Build, error) {
	var latest *domain.Build
	for _, b := range m.builds {
		if b.ProjectID == projectID && (latest == nil || b.Number > latest.Number) {
			latest = b
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

func (m *mockBuilds) ListPromoted(ctx context.Context, projectID int64, limit, offset int) ([]domain.Build, error) {
	var out []domain.Build
	for _, b := range m.builds {
		if b.ProjectID == projectID && b.Status == domain.StatusPromoted {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (m *mockBuilds) CountPromoted(ctx context.Context, projectID int64) (int, error) {
	builds, _ := m.ListPromoted(ctx, projectID, 0, 0)
	return len(builds), nil
}

func (m *mockBuilds) Promote(ctx context.Context, buildID int64, name, annotation string) error {
	b, ok := m.builds[buildID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status != domain.StatusPassed {
		return fmt.Errorf("build is not PASSED: %w", domain.ErrConflict)
	}
	b.Status = domain.StatusPromoted
	b.Name = name
	b.Annotation = annotation
	return nil
}

func (m *mockBuilds) Events(ctx context.Context, buildID int64) ([]domain.BuildEvent, error) {
	return m.events[buildID], nil
}

type mockRuns struct {
	mu      sync.Mutex
	runs    map[int64]*domain.Run
	nextID  int64
	claims  []string
	project string
	number  int
}

func newMockRuns() *mockRuns {
	return &mockRuns{runs: map[int64]*domain.Run{}}
}

func (m *mockRuns) add(r *domain.Run) *domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.runs[r.ID] = r
	return r
}

func (m *mockRuns) Get(ctx context.Context, buildID int64, name string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.BuildID == buildID && r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", name, domain.ErrNotFound)
}

func (m *mockRuns) GetByID(ctx context.Context, id int64) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRuns) ListForBuild(ctx context.Context, buildID int64) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Run
	for _, r := range m.runs {
		if r.BuildID == buildID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRuns) SetMeta(ctx context.Context, runID int64, meta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Meta = meta
	return nil
}

func (m *mockRuns) Requeue(ctx context.Context, runID int64, newAPIKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = domain.StatusQueued
	r.APIKey = newAPIKey
	r.WorkerName = ""
	return nil
}

func (m *mockRuns) Events(ctx context.Context, runID int64) ([]domain.RunEvent, error) {
	return nil, nil
}

func (m *mockRuns) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.Status]int{}
	for _, r := range m.runs {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *mockRuns) Active(ctx context.Context) ([]postgres.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []postgres.RunSummary
	for _, r := range m.runs {
		if !r.Status.Terminal() {
			out = append(out, postgres.RunSummary{
				Project: m.project, BuildNumber: m.number, Run: *r,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Run.Name < out[j].Run.Name })
	return out, nil
}

// DispatchCandidates and Claim let mockRuns double as the dispatcher's store.
func (m *mockRuns) DispatchCandidates(ctx context.Context) ([]dispatch.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatch.Candidate
	for _, r := range m.runs {
		if r.Status != domain.StatusQueued && r.Status != domain.StatusRunning {
			continue
		}
		out = append(out, dispatch.Candidate{
			RunID:       r.ID,
			RunName:     r.Name,
			BuildRowID:  r.BuildID,
			BuildNumber: m.number,
			ProjectName: m.project,
			Status:      r.Status,
			HostTag:     r.HostTag,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (m *mockRuns) Claim(ctx context.Context, runID int64, workerName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != domain.StatusQueued {
		return false, nil
	}
	r.Status = domain.StatusRunning
	r.WorkerName = workerName
	m.claims = append(m.claims, r.Name)
	return true, nil
}

type mockTests struct {
	created    []domain.Test
	results    map[string][]domain.TestResult
	incomplete int
}

func newMockTests() *mockTests {
	return &mockTests{results: map[string][]domain.TestResult{}}
}

func (m *mockTests) Create(ctx context.Context, t *domain.Test, results []domain.TestResult) error {
	m.created = append(m.created, *t)
	m.results[t.Name] = results
	return nil
}

func (m *mockTests) ListForRun(ctx context.Context, runID int64) ([]domain.Test, error) {
	return m.created, nil
}

func (m *mockTests) ListResults(ctx context.Context, testID int64) ([]domain.TestResult, error) {
	return nil, nil
}

func (m *mockTests) IncompleteCount(ctx context.Context, runID int64) (int, error) {
	return m.incomplete, nil
}

type mockWorkers struct {
	workers map[string]*domain.Worker
}

func newMockWorkers() *mockWorkers {
	return &mockWorkers{workers: map[string]*domain.Worker{}}
}

func (m *mockWorkers) Create(ctx context.Context, w *domain.Worker) error {
	m.workers[w.Name] = w
	return nil
}

func (m *mockWorkers) Get(ctx context.Context, name string) (*domain.Worker, error) {
	if w, ok := m.workers[name]; ok && !w.Deleted {
		return w, nil
	}
	return nil, fmt.Errorf("worker %s: %w", name, domain.ErrNotFound)
}

func (m *mockWorkers) List(ctx context.Context) ([]domain.Worker, error) {
	var out []domain.Worker
	for _, w := range m.workers {
		if !w.Deleted {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockWorkers) Update(ctx context.Context, w *domain.Worker) error {
	if _, ok := m.workers[w.Name]; !ok {
		return domain.ErrNotFound
	}
	m.workers[w.Name] = w
	return nil
}

func (m *mockWorkers) SetOnline(ctx context.Context, name string, online bool) error {
	w, ok := m.workers[name]
	if !ok {
		return domain.ErrNotFound
	}
	w.Online = online
	return nil
}

func (m *mockWorkers) Delete(ctx context.Context, name string) error {
	w, ok := m.workers[name]
	if !ok {
		return domain.ErrNotFound
	}
	w.Deleted = true
	return nil
}

// mockEngine records the status transitions and builds the handlers request.
type mockEngine struct {
	statuses map[string]domain.Status
	builds   []triggeredBuild
	out      *domain.Build
	err      error
}

type triggeredBuild struct {
	Project       string
	DefData       string
	TriggerName   string
	Reason        string
	Params        map[string]string
	Secrets       map[string]string
	QueuePriority int
}

func newMockEngine() *mockEngine {
	return &mockEngine{statuses: map[string]domain.Status{}}
}

func (m *mockEngine) SetRunStatus(ctx context.Context, run *domain.Run, status domain.Status) error {
	m.statuses[run.Name] = status
	run.Status = status
	return nil
}

func (m *mockEngine) TriggerBuild(ctx context.Context, project *domain.Project, defData []byte,
	triggerName, reason string, params, secrets map[string]string,
	queuePriority int) (*domain.Build, error) {
	m.builds = append(m.builds, triggeredBuild{
		Project:       project.Name,
		DefData:       string(defData),
		TriggerName:   triggerName,
		Reason:        reason,
		Params:        params,
		Secrets:       secrets,
		QueuePriority: queuePriority,
	})
	if m.err != nil {
		return nil, m.err
	}
	if m.out != nil {
		return m.out, nil
	}
	return &domain.Build{ProjectID: project.ID, Number: 1, Status: domain.StatusQueued}, nil
}

// plainVault stores secrets as k=v pairs, no encryption.
type plainVault struct{}

func (plainVault) Seal(secrets map[string]string) (string, error) {
	var parts []string
	for k, v := range secrets {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";"), nil
}

func (plainVault) Open(ciphertext string) (map[string]string, error) {
	out := map[string]string{}
	if ciphertext == "" {
		return out, nil
	}
	for _, part := range strings.Split(ciphertext, ";") {
		k, v, _ := strings.Cut(part, "=")
		out[k] = v
	}
	return out, nil
}

// memStore is an in-memory storage.Store. A non-empty downloadBase makes
// GetURL return redirect targets the way the s3 backend does.
type memStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	downloadBase string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) PutString(ctx context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return nil
}

func (m *memStore) GetString(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, domain.ErrNotFound)
	}
	return data, nil
}

func (m *memStore) PutFile(ctx context.Context, path, localPath, contentType string) error {
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for path := range m.objects {
		rel, ok := strings.CutPrefix(path, prefix)
		if !ok || rel == storage.RunDefFile {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) PutURL(ctx context.Context, path string, expires time.Duration, contentType string) (string, error) {
	return "https://signed.example.com/put/" + path, nil
}

func (m *memStore) GetURL(ctx context.Context, path string, expires time.Duration) (string, error) {
	if m.downloadBase == "" {
		return "", nil
	}
	return m.downloadBase + "/" + path, nil
}

func (m *memStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type noSurges struct{}

func (noSurges) Active(tag string) bool { return false }

// testServer bundles the mocks behind a Server wired like production.
type testServer struct {
	srv      *Server
	projects *mockProjects
	triggers *mockTriggers
	builds   *mockBuilds
	runs     *mockRuns
	tests    *mockTests
	workers  *mockWorkers
	engine   *mockEngine
	store    *memStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		projects: newMockProjects(),
		triggers: newMockTriggers(),
		builds:   newMockBuilds(),
		runs:     newMockRuns(),
		tests:    newMockTests(),
		workers:  newMockWorkers(),
		engine:   newMockEngine(),
		store:    newMemStore(),
	}
	ts.srv = &Server{
		Projects:   ts.projects,
		Triggers:   ts.triggers,
		Builds:     ts.builds,
		Runs:       ts.runs,
		Tests:      ts.tests,
		Workers:    ts.workers,
		Storage:    ts.store,
		Console:    storage.NewConsoleDir(t.TempDir()),
		Vault:      plainVault{},
		Engine:     ts.engine,
		Dispatcher: dispatch.New(ts.runs, noSurges{}),
		Pings:      monitor.NewPings(t.TempDir()),
		RunnerURL:  "http://runner.example.com",
		Version:    "test",
	}
	return ts
}

// seedBuild creates a project, one build, and one run ready for handlers.
func (ts *testServer) seedBuild(t *testing.T, status domain.Status) (*domain.Project, *domain.Build, *domain.Run) {
	t.Helper()
	p, err := ts.projects.Create(context.Background(), "widgets", false)
	if err != nil {
		t.Fatal(err)
	}
	b := ts.builds.add(&domain.Build{ProjectID: p.ID, Number: 7, Status: domain.StatusRunning})
	ts.runs.project = p.Name
	ts.runs.number = b.Number
	r := ts.runs.add(&domain.Run{
		BuildID: b.ID,
		Name:    "compile",
		Status:  status,
		APIKey:  "runsecret-0123456789abcdefghijkl",
		HostTag: "amd64",
	})
	return p, b, r
}
