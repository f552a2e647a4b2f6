// Package pipeline parses, validates, and expands project definitions, and
// synthesizes the per-run definition document handed to workers.
package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// maxRunNameLen bounds run names after loop expansion.
const maxRunNameLen = 80

// maxTriggerDepth bounds child-trigger chains: a trigger may fan out into a
// second trigger, which may fan out once more, and no further.
const maxTriggerDepth = 2

// ScriptRepo points at an external git repository holding run scripts.
type ScriptRepo struct {
	CloneURL string `yaml:"clone-url" json:"clone-url"`
	GitRef   string `yaml:"git-ref,omitempty" json:"git-ref,omitempty"`

	// Token is either a secret name or "user:secret-name"; it is resolved
	// against the trigger secrets at run-definition synthesis.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// ScriptRepoRef is a run's reference to a declared script repo.
type ScriptRepoRef struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// LoopOn is one axis of a run's expansion matrix.
type LoopOn struct {
	Param  string   `yaml:"param" json:"param"`
	Values []string `yaml:"values" json:"values"`
}

// TestGrepping configures console-log scraping for test results.
type TestGrepping struct {
	TestPattern   string            `yaml:"test-pattern,omitempty" json:"test-pattern,omitempty"`
	ResultPattern string            `yaml:"result-pattern" json:"result-pattern"`
	FixupDict     map[string]string `yaml:"fixupdict,omitempty" json:"fixupdict,omitempty"`
}

// ChildTrigger is a run- or trigger-level reference to another trigger that
// fires on completion.
type ChildTrigger struct {
	Name string `yaml:"name" json:"name"`

	// RunNames, when set, renames the child trigger's run; the token
	// "{name}" is replaced with the parent run's name. The substituted
	// name is the same for every run of the child trigger, so validation
	// requires the child trigger to declare exactly one run.
	RunNames string `yaml:"run-names,omitempty" json:"run-names,omitempty"`
}

// Run declares one container execution within a trigger.
type Run struct {
	Name              string            `yaml:"name" json:"name"`
	Container         string            `yaml:"container" json:"container"`
	HostTag           string            `yaml:"host-tag,omitempty" json:"host-tag,omitempty"`
	Script            string            `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptRepo        *ScriptRepoRef    `yaml:"script-repo,omitempty" json:"script-repo,omitempty"`
	Params            map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	LoopOn            []LoopOn          `yaml:"loop-on,omitempty" json:"loop-on,omitempty"`
	Triggers          []ChildTrigger    `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	ContainerAuth     string            `yaml:"container-auth,omitempty" json:"container-auth,omitempty"`
	ContainerUser     string            `yaml:"container-user,omitempty" json:"container-user,omitempty"`
	ContainerEntry    string            `yaml:"container-entrypoint,omitempty" json:"container-entrypoint,omitempty"`
	Privileged        bool              `yaml:"privileged,omitempty" json:"privileged,omitempty"`
	PersistentVolumes map[string]string `yaml:"persistent-volumes,omitempty" json:"persistent-volumes,omitempty"`
	TestGrepping      *TestGrepping     `yaml:"test-grepping,omitempty" json:"test-grepping,omitempty"`
}

// EmailPolicy configures build-complete mail for a trigger.
type EmailPolicy struct {
	Users        string `yaml:"users" json:"users"` // comma-separated
	OnlyFailures bool   `yaml:"only_failures,omitempty" json:"only_failures,omitempty"`
}

// WebhookPolicy configures a build-complete webhook for a trigger.
type WebhookPolicy struct {
	URL          string `yaml:"url" json:"url"`
	SecretName   string `yaml:"secret_name" json:"secret_name"`
	OnlyFailures bool   `yaml:"only_failures,omitempty" json:"only_failures,omitempty"`
}

// Trigger is a named group of runs plus the child triggers that fire when
// the whole group (the build) completes.
type Trigger struct {
	Name     string             `yaml:"name" json:"name"`
	Type     domain.TriggerType `yaml:"type" json:"type"`
	Runs     []Run              `yaml:"runs" json:"runs"`
	Params   map[string]string  `yaml:"params,omitempty" json:"params,omitempty"`
	Email    *EmailPolicy       `yaml:"email,omitempty" json:"email,omitempty"`
	Webhooks []WebhookPolicy    `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Triggers []ChildTrigger     `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Definition is a parsed project definition.
type Definition struct {
	Timeout     int                   `yaml:"timeout" json:"timeout"` // minutes
	Scripts     map[string]string     `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	ScriptRepos map[string]ScriptRepo `yaml:"script-repos,omitempty" json:"script-repos,omitempty"`
	Params      map[string]string     `yaml:"params,omitempty" json:"params,omitempty"`
	Email       *EmailPolicy          `yaml:"email,omitempty" json:"email,omitempty"`
	Triggers    []Trigger             `yaml:"triggers" json:"triggers"`
}

// ValidationError carries every problem found in a definition so clients can
// fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid project definition:\n  " + strings.Join(e.Problems, "\n  ")
}

// Parse unmarshals a project definition, expands its loop matrices, and
// validates the result. The returned Definition is fully expanded.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("parse yaml: %v", err)}}
	}
	def.ExpandLoops()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Trigger returns the named trigger or nil.
func (d *Definition) Trigger(name string) *Trigger {
	for i := range d.Triggers {
		if d.Triggers[i].Name == name {
			return &d.Triggers[i]
		}
	}
	return nil
}

// Run returns the named run within the trigger or nil.
func (t *Trigger) Run(name string) *Run {
	for i := range t.Runs {
		if t.Runs[i].Name == name {
			return &t.Runs[i]
		}
	}
	return nil
}

// Validate checks the definition against the pipeline schema rules. It
// assumes loops have already been expanded, which Parse guarantees.
func (d *Definition) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if d.Timeout <= 0 {
		fail("timeout is required and must be a positive number of minutes")
	}
	if len(d.Triggers) == 0 {
		fail("at least one trigger is required")
	}

	names := make(map[string]bool, len(d.Triggers))
	for ti := range d.Triggers {
		t := &d.Triggers[ti]
		if t.Name == "" {
			fail("trigger %d: name is required", ti)
			continue
		}
		if names[t.Name] {
			fail("trigger %s: duplicate trigger name", t.Name)
		}
		names[t.Name] = true
		if !domain.ValidTriggerType(string(t.Type)) {
			fail("trigger %s: unknown type %q", t.Name, t.Type)
		}
		for ri := range t.Runs {
			d.validateRun(t, &t.Runs[ri], fail)
		}
	}

	d.validateRunNames(fail)
	d.validateTriggerDepth(fail)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (d *Definition) validateRun(t *Trigger, r *Run, fail func(string, ...any)) {
	label := fmt.Sprintf("trigger %s run %s", t.Name, r.Name)
	if r.Name == "" {
		fail("trigger %s: run name is required", t.Name)
		return
	}
	if len(r.Name) >= maxRunNameLen {
		fail("%s: name must be shorter than %d characters after loop expansion",
			label, maxRunNameLen)
	}
	if r.Container == "" {
		fail("%s: container is required", label)
	}

	hasScript := r.Script != ""
	hasRepo := r.ScriptRepo != nil
	switch {
	case hasScript && hasRepo:
		fail("%s: script and script-repo are mutually exclusive", label)
	case !hasScript && !hasRepo:
		fail("%s: either script or script-repo is required", label)
	case hasScript:
		if _, ok := d.Scripts[r.Script]; !ok {
			fail("%s: script %q is not defined", label, r.Script)
		}
	case hasRepo:
		if _, ok := d.ScriptRepos[r.ScriptRepo.Name]; !ok {
			fail("%s: script-repo %q is not defined", label, r.ScriptRepo.Name)
		}
		if r.ScriptRepo.Path == "" {
			fail("%s: script-repo path is required", label)
		}
	}

	if r.HostTag == "" && !loopsOverHostTag(r.LoopOn) {
		fail("%s: host-tag or a loop-on host-tag param is required", label)
	}
}

func loopsOverHostTag(loops []LoopOn) bool {
	for _, l := range loops {
		if l.Param == "host-tag" {
			return true
		}
	}
	return false
}

// validateRunNames rejects run-names on a child trigger declaring more than
// one run. The substituted name does not vary per run, so every run past the
// first would collide with the first at instantiation.
func (d *Definition) validateRunNames(fail func(string, ...any)) {
	check := func(owner string, cts []ChildTrigger) {
		for _, ct := range cts {
			if ct.RunNames == "" {
				continue
			}
			child := d.Trigger(ct.Name)
			if child == nil {
				// the depth walk reports the dangling reference
				continue
			}
			if len(child.Runs) > 1 {
				fail("%s: run-names requires trigger %q to declare exactly one run, it has %d",
					owner, ct.Name, len(child.Runs))
			}
		}
	}
	for ti := range d.Triggers {
		t := &d.Triggers[ti]
		check(fmt.Sprintf("trigger %s", t.Name), t.Triggers)
		for ri := range t.Runs {
			r := &t.Runs[ri]
			check(fmt.Sprintf("trigger %s run %s", t.Name, r.Name), r.Triggers)
		}
	}
}

// validateTriggerDepth walks the child-trigger graph with an explicit stack
// and rejects chains deeper than maxTriggerDepth and unknown references.
// Cycles surface as excessive depth, so the walk always terminates.
func (d *Definition) validateTriggerDepth(fail func(string, ...any)) {
	children := func(t *Trigger) []string {
		var out []string
		for _, ct := range t.Triggers {
			out = append(out, ct.Name)
		}
		for _, r := range t.Runs {
			for _, ct := range r.Triggers {
				out = append(out, ct.Name)
			}
		}
		return out
	}

	type frame struct {
		name  string
		depth int
	}
	for ti := range d.Triggers {
		root := &d.Triggers[ti]
		stack := []frame{}
		for _, c := range children(root) {
			stack = append(stack, frame{c, 1})
		}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			child := d.Trigger(f.name)
			if child == nil {
				fail("trigger %s: references undefined trigger %q", root.Name, f.name)
				continue
			}
			if f.depth > maxTriggerDepth {
				fail("trigger %s: child-trigger chain exceeds depth %d at %q",
					root.Name, maxTriggerDepth, f.name)
				continue
			}
			for _, c := range children(child) {
				stack = append(stack, frame{c, f.depth + 1})
			}
		}
	}
}
