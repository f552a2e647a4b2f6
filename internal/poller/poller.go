// Package poller watches the git repositories behind git_poller triggers and
// starts builds when a watched ref moves. It is a single task, leader-gated
// in multi-replica deployments, so its ref cache needs no locking.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

// DefaultInterval is the poll cadence.
const DefaultInterval = 90 * time.Second

// defaultRefs are watched when a trigger does not name GIT_POLL_REFS.
var defaultRefs = []string{"main", "master"}

// TriggerStore lists the stored git_poller triggers.
type TriggerStore interface {
	ListByType(ctx context.Context, typ domain.TriggerType) ([]domain.ProjectTrigger, error)
}

// ProjectStore resolves a trigger's owning project.
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Project, error)
}

// Vault decrypts trigger secrets.
type Vault interface {
	Open(ciphertext string) (map[string]string, error)
}

// BuildStarter is the trigger engine entry point the poller drives.
type BuildStarter interface {
	TriggerBuild(ctx context.Context, project *domain.Project, defData []byte,
		triggerName, reason string, params, secrets map[string]string,
		queuePriority int) (*domain.Build, error)
}

// Poller runs the watch loop.
type Poller struct {
	triggers TriggerStore
	projects ProjectStore
	vault    Vault
	engine   BuildStarter
	cache    *storage.PollerCache
	client   *http.Client
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(triggers TriggerStore, projects ProjectStore, vault Vault,
	engine BuildStarter, cache *storage.PollerCache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		triggers: triggers,
		projects: projects,
		vault:    vault,
		engine:   engine,
		cache:    cache,
		client:   &http.Client{Timeout: 30 * time.Second},
		interval: interval,
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		slog.Info("poller: started", "interval", p.interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("poller: stopped")
				return
			case <-ticker.C:
				if err := p.Tick(ctx); err != nil {
					slog.Error("poller: tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Tick polls every git_poller trigger once.
func (p *Poller) Tick(ctx context.Context) error {
	triggers, err := p.triggers.ListByType(ctx, domain.TriggerGitPoller)
	if err != nil {
		return fmt.Errorf("list poller triggers: %w", err)
	}
	cache, err := p.cache.Load(ctx)
	if err != nil {
		return err
	}

	for _, t := range triggers {
		if err := p.pollTrigger(ctx, t, cache); err != nil {
			slog.Error("poller: trigger poll failed", "trigger_id", t.ID, "error", err)
		}
	}
	return nil
}

// pollTrigger checks one trigger's watched refs against the cache and starts
// builds for refs that moved. The cache entry is updated even when the build
// fails to start, so a broken definition does not retrigger every tick.
func (p *Poller) pollTrigger(ctx context.Context, t domain.ProjectTrigger,
	cache map[string]map[string]string) error {

	secrets, err := p.vault.Open(t.EncryptedSecrets)
	if err != nil {
		return fmt.Errorf("decrypt secrets: %w", err)
	}
	gitURL := secrets["GIT_URL"]
	if gitURL == "" {
		slog.Warn("poller: trigger has no GIT_URL secret", "trigger_id", t.ID)
		return nil
	}

	remote, err := lsRemote(ctx, p.client, gitURL, secrets["GIT_TOKEN"])
	if err != nil {
		return err
	}

	key := strconv.FormatInt(t.ID, 10)
	seen := cache[key]
	if seen == nil {
		seen = map[string]string{}
	}

	var changed bool
	for _, ref := range watchedRefs(secrets) {
		sha, ok := resolveRef(remote, ref)
		if !ok {
			continue
		}
		old := seen[ref]
		if sha == old {
			continue
		}
		slog.Info("poller: ref moved", "trigger_id", t.ID, "ref", ref,
			"old", old, "new", sha)
		if err := p.startBuild(ctx, t, gitURL, ref, old, sha, secrets); err != nil {
			slog.Error("poller: build start failed",
				"trigger_id", t.ID, "ref", ref, "error", err)
		}
		seen[ref] = sha
		changed = true
	}
	if !changed {
		return nil
	}
	return p.cache.Update(ctx, func(c map[string]map[string]string) {
		c[key] = seen
	})
}

func (p *Poller) startBuild(ctx context.Context, t domain.ProjectTrigger,
	gitURL, ref, oldSHA, newSHA string, secrets map[string]string) error {

	project, err := p.projects.GetByID(ctx, t.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	defData, err := p.fetchDefinition(ctx, t, secrets)
	if err != nil {
		return err
	}

	params := map[string]string{
		"GIT_URL":     gitURL,
		"GIT_REF":     ref,
		"GIT_SHA":     newSHA,
		"GIT_OLD_SHA": oldSHA,
	}
	reason := fmt.Sprintf("Git poller: %s moved to %s", ref, shortSHA(newSHA))
	_, err = p.engine.TriggerBuild(ctx, project, defData,
		string(domain.TriggerGitPoller), reason, params, secrets, t.QueuePriority)
	return err
}

// fetchDefinition downloads the pipeline definition named by the trigger's
// definition_repo and definition_file over plain HTTP.
func (p *Poller) fetchDefinition(ctx context.Context, t domain.ProjectTrigger,
	secrets map[string]string) ([]byte, error) {

	if t.DefinitionRepo == "" || t.DefinitionFile == "" {
		return nil, fmt.Errorf("trigger %d has no definition location", t.ID)
	}
	url := strings.TrimSuffix(t.DefinitionRepo, "/") + "/" + strings.TrimPrefix(t.DefinitionFile, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("definition request: %w", err)
	}
	setAuth(req, secrets["GIT_TOKEN"])

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch definition %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch definition %s: unexpected status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// watchedRefs returns the refs a trigger polls, from the GIT_POLL_REFS
// secret (comma separated) or the defaults.
func watchedRefs(secrets map[string]string) []string {
	v := secrets["GIT_POLL_REFS"]
	if v == "" {
		return defaultRefs
	}
	var refs []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// resolveRef finds a watched ref in the advertisement, accepting both bare
// branch names and fully qualified refs.
func resolveRef(remote map[string]string, ref string) (string, bool) {
	if strings.HasPrefix(ref, "refs/") {
		sha, ok := remote[ref]
		return sha, ok
	}
	if sha, ok := remote["refs/heads/"+ref]; ok {
		return sha, true
	}
	sha, ok := remote["refs/tags/"+ref]
	return sha, ok
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
