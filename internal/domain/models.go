// Package domain defines the core business types shared across jobservd.
// These types represent the job server's data model, not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed
// fields, URLs), the api package defines a response struct instead.
//
// Internal-only fields are tagged with `json:"-"` to prevent accidental
// exposure: Run.APIKey (per-run worker credential) and Worker.APIKeyHash.
package domain

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrConflict indicates a create operation conflicted with an existing
// resource, e.g. a duplicate run name within a build.
var ErrConflict = errors.New("resource already exists")

// Project owns an ordered sequence of Builds and a set of ProjectTriggers.
type Project struct {
	ID   int64  `json:"-"`
	Name string `json:"name"`

	// SynchronousBuilds serializes the project: only runs belonging to the
	// oldest active build are dispatched to workers.
	SynchronousBuilds bool `json:"synchronous-builds"`
}

// TriggerType identifies what kind of external event instantiates builds
// for a trigger, and how run status is reported back upstream.
type TriggerType string

const (
	TriggerGitPoller TriggerType = "git_poller"
	TriggerGitHubPR  TriggerType = "github_pr"
	TriggerSimple    TriggerType = "simple"
	TriggerLAVA      TriggerType = "lava"
	TriggerLAVAPR    TriggerType = "lava_pr"
	TriggerGitLabMR  TriggerType = "gitlab_mr"
	TriggerLAVAMR    TriggerType = "lava_mr"
)

// ValidTriggerType returns true if s is a known trigger type.
func ValidTriggerType(s string) bool {
	switch TriggerType(s) {
	case TriggerGitPoller, TriggerGitHubPR, TriggerSimple, TriggerLAVA,
		TriggerLAVAPR, TriggerGitLabMR, TriggerLAVAMR:
		return true
	}
	return false
}

// UpgradeTriggerType rewrites a child run's nominal trigger type so that
// status reporting to the originating PR/MR continues through the chain.
// A github_pr build that fires a "simple" sub-trigger still needs its child
// runs to update the PR status, so simple becomes github_pr (and lava its
// PR variant). Unrelated combinations pass through unchanged.
func UpgradeTriggerType(child, parent TriggerType) TriggerType {
	switch parent {
	case TriggerGitHubPR:
		switch child {
		case TriggerSimple:
			return TriggerGitHubPR
		case TriggerLAVA:
			return TriggerLAVAPR
		}
	case TriggerGitLabMR:
		switch child {
		case TriggerSimple:
			return TriggerGitLabMR
		case TriggerLAVA:
			return TriggerLAVAMR
		}
	case TriggerGitPoller:
		if child == TriggerSimple {
			return TriggerGitPoller
		}
	}
	return child
}

// ProjectTrigger is a stored trigger declaration for a project. Its secrets
// are encrypted at rest; the vault package owns the cipher.
type ProjectTrigger struct {
	ID               int64       `json:"id"`
	ProjectID        int64       `json:"-"`
	User             string      `json:"user"`
	Type             TriggerType `json:"type"`
	DefinitionRepo   string      `json:"definition_repo,omitempty"`
	DefinitionFile   string      `json:"definition_file,omitempty"`
	EncryptedSecrets string      `json:"-"`
	QueuePriority    int         `json:"queue_priority"` // bigger is more important
}

// Build is one instantiation of a project pipeline.
// (ProjectID, Number) is unique; Number is the next positive integer for the
// project at creation time, allocated with a bounded retry window.
type Build struct {
	ID          int64  `json:"-"`
	ProjectID   int64  `json:"-"`
	Number      int    `json:"build_id"`
	Status      Status `json:"status"`
	Reason      string `json:"reason,omitempty"`
	TriggerName string `json:"trigger_name,omitempty"`

	// Name and Annotation are set when the build is promoted.
	Name       string `json:"name,omitempty"`
	Annotation string `json:"annotation,omitempty"`
}

// BuildEvent records a build status transition. Append-only, UTC.
type BuildEvent struct {
	ID      int64     `json:"-"`
	BuildID int64     `json:"-"`
	Status  Status    `json:"status"`
	Time    time.Time `json:"time"`
}

// Run is a single container execution on a worker, part of a Build.
// (BuildID, Name) is unique.
type Run struct {
	ID      int64  `json:"-"`
	BuildID int64  `json:"-"`
	Name    string `json:"name"`
	Status  Status `json:"status"`

	// APIKey is the per-run worker credential, a fresh 32-char random token
	// at creation. Never serialized.
	APIKey string `json:"-"`

	// TriggerName is the pipeline trigger this run belongs to; empty for
	// synthetic runs like build-failure.
	TriggerName string `json:"trigger_name,omitempty"`

	// HostTag is a glob matched against a worker's tags plus its name.
	HostTag       string `json:"host_tag,omitempty"`
	QueuePriority int    `json:"-"` // bigger is more important
	WorkerName    string `json:"worker_name,omitempty"`
	Meta          string `json:"meta,omitempty"`
}

// RunEvent records a run status transition. Append-only, UTC.
type RunEvent struct {
	ID     int64     `json:"-"`
	RunID  int64     `json:"-"`
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
}

// Test groups TestResults discovered for a Run (usually by test-grepping
// the console log).
type Test struct {
	ID      int64     `json:"-"`
	RunID   int64     `json:"-"`
	Name    string    `json:"name"`
	Context string    `json:"context,omitempty"`
	Status  Status    `json:"status"`
	Created time.Time `json:"created"`
}

// MaxResultOutput caps TestResult.Output; longer output is truncated with a
// marker prefix before storage.
const MaxResultOutput = 64 * 1024

// TestResult is a single outcome within a Test.
type TestResult struct {
	ID      int64  `json:"-"`
	TestID  int64  `json:"-"`
	Name    string `json:"name"`
	Context string `json:"context,omitempty"`
	Status  Status `json:"status"`
	Output  string `json:"output,omitempty"`
}

// TruncateOutput enforces the MaxResultOutput limit on a result body.
func TruncateOutput(output string) string {
	if len(output) <= MaxResultOutput {
		return output
	}
	const prefix = "<truncated>\n"
	return prefix + output[:MaxResultOutput-len(prefix)]
}

// Worker is a registered build machine. Workers are never hard-deleted
// because Runs hold foreign keys to them; Deleted excludes them from
// listings and dispatch instead.
type Worker struct {
	Name           string `json:"name"`
	Distro         string `json:"distro"`
	MemTotal       int64  `json:"mem_total"`
	CPUTotal       int    `json:"cpu_total"`
	CPUType        string `json:"cpu_type"`
	ConcurrentRuns int    `json:"concurrent_runs"`
	HostTags       string `json:"-"` // comma-separated
	APIKeyHash     string `json:"-"` // bcrypt
	Enlisted       bool   `json:"enlisted"`
	Online         bool   `json:"online"`
	SurgesOnly     bool   `json:"surges_only"`
	Deleted        bool   `json:"-"`
}

// Tags returns the worker's host tags split and trimmed. The worker's own
// name is not included; callers that need it (the dispatcher) add it.
func (w *Worker) Tags() []string {
	if w.HostTags == "" {
		return nil
	}
	parts := strings.Split(w.HostTags, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

const apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRunAPIKey returns a fresh 32-character cryptographically random token
// used as a per-run worker credential.
func NewRunAPIKey() (string, error) {
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	var b strings.Builder
	b.Grow(32)
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(apiKeyAlphabet[n.Int64()])
	}
	return b.String(), nil
}
