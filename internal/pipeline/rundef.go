package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// RunDefinition is the JSON envelope handed to a worker to execute one run.
// It is written to artifact storage as <project>/<build>/<run>/.rundef.json
// at instantiation and never modified afterwards.
type RunDefinition struct {
	Project     string             `json:"project"`
	Build       int                `json:"build"`
	Run         string             `json:"run"`
	APIKey      string             `json:"api_key,omitempty"`
	Timeout     int                `json:"timeout"`
	RunURL      string             `json:"run_url"`
	FrontendURL string             `json:"frontend_url"`
	RunnerURL   string             `json:"runner_url,omitempty"`
	TriggerType domain.TriggerType `json:"trigger_type"`

	Container         string            `json:"container"`
	ContainerAuth     string            `json:"container-auth,omitempty"`
	ContainerUser     string            `json:"container-user,omitempty"`
	ContainerEntry    string            `json:"container-entrypoint,omitempty"`
	Privileged        bool              `json:"privileged,omitempty"`
	PersistentVolumes map[string]string `json:"persistent-volumes,omitempty"`

	HostTag      string            `json:"host-tag"`
	TestGrepping *TestGrepping     `json:"test-grepping,omitempty"`
	Env          map[string]string `json:"env"`
	Secrets      map[string]string `json:"secrets,omitempty"`

	Script     string            `json:"script,omitempty"`
	ScriptRepo *RunDefScriptRepo `json:"script-repo,omitempty"`
}

// RunDefScriptRepo is the resolved script-repo block inside a RunDefinition:
// the clone token has been substituted from the trigger secrets.
type RunDefScriptRepo struct {
	CloneURL string `json:"clone-url"`
	GitRef   string `json:"git-ref,omitempty"`
	Token    string `json:"token,omitempty"`
	Path     string `json:"path"`
}

// SynthesisError is a client-visible failure to produce a run definition,
// e.g. a script-repo token naming a secret the trigger does not carry.
type SynthesisError struct {
	Msg string
}

func (e *SynthesisError) Error() string { return e.Msg }

// RunContext carries the per-build facts the definition alone cannot know.
type RunContext struct {
	Project     string
	BuildNumber int
	RunName     string
	APIKey      string
	TriggerType domain.TriggerType
	RunURL      string
	FrontendURL string
	RunnerURL   string
	EventParams map[string]string
	Secrets     map[string]string
}

// RunDefinition synthesizes the worker envelope for one run. Environment is
// merged with strict precedence, lowest first: project params, trigger
// params, run params, event params. H_PROJECT, H_BUILD, and H_RUN are always
// injected last.
func (d *Definition) RunDefinition(t *Trigger, r *Run, rc RunContext) (*RunDefinition, error) {
	env := map[string]string{}
	for _, layer := range []map[string]string{d.Params, t.Params, r.Params, rc.EventParams} {
		for k, v := range layer {
			env[k] = v
		}
	}
	env["H_PROJECT"] = rc.Project
	env["H_BUILD"] = strconv.Itoa(rc.BuildNumber)
	env["H_RUN"] = rc.RunName

	rd := &RunDefinition{
		Project:           rc.Project,
		Build:             rc.BuildNumber,
		Run:               rc.RunName,
		APIKey:            rc.APIKey,
		Timeout:           d.Timeout,
		RunURL:            rc.RunURL,
		FrontendURL:       rc.FrontendURL,
		RunnerURL:         rc.RunnerURL,
		TriggerType:       rc.TriggerType,
		Container:         r.Container,
		ContainerUser:     r.ContainerUser,
		ContainerEntry:    r.ContainerEntry,
		Privileged:        r.Privileged,
		PersistentVolumes: r.PersistentVolumes,
		HostTag:           strings.ToLower(r.HostTag),
		TestGrepping:      r.TestGrepping,
		Env:               env,
		Secrets:           rc.Secrets,
	}

	if r.ContainerAuth != "" {
		auth, ok := rc.Secrets[r.ContainerAuth]
		if !ok {
			return nil, &SynthesisError{Msg: fmt.Sprintf(
				"container-auth %q is not defined in the trigger secrets", r.ContainerAuth)}
		}
		rd.ContainerAuth = auth
	}

	if r.Script != "" {
		body, ok := d.Scripts[r.Script]
		if !ok {
			return nil, &SynthesisError{Msg: fmt.Sprintf("script %q is not defined", r.Script)}
		}
		rd.Script = body
		return rd, nil
	}

	repo, ok := d.ScriptRepos[r.ScriptRepo.Name]
	if !ok {
		return nil, &SynthesisError{Msg: fmt.Sprintf(
			"script-repo %q is not defined", r.ScriptRepo.Name)}
	}
	token, err := resolveRepoToken(repo.Token, rc.Secrets)
	if err != nil {
		return nil, err
	}
	rd.ScriptRepo = &RunDefScriptRepo{
		CloneURL: repo.CloneURL,
		GitRef:   repo.GitRef,
		Token:    token,
		Path:     r.ScriptRepo.Path,
	}
	return rd, nil
}

// resolveRepoToken substitutes a clone token declared as a secret name or as
// a "user:secret-name" pair. An empty token means a public repo.
func resolveRepoToken(token string, secrets map[string]string) (string, error) {
	if token == "" {
		return "", nil
	}
	user, name, ok := strings.Cut(token, ":")
	if !ok {
		name, user = token, ""
	}
	val, found := secrets[name]
	if !found {
		return "", &SynthesisError{Msg: fmt.Sprintf(
			"script-repo token %q is not defined in the trigger secrets", name)}
	}
	if user != "" {
		return user + ":" + val, nil
	}
	return val, nil
}

// Scrub redacts a run definition for unauthenticated readers: the api key is
// stripped and every secret value is replaced.
func (rd *RunDefinition) Scrub() {
	rd.APIKey = ""
	for k := range rd.Secrets {
		rd.Secrets[k] = "TODO"
	}
	if rd.ScriptRepo != nil && rd.ScriptRepo.Token != "" {
		rd.ScriptRepo.Token = "TODO"
	}
	if rd.ContainerAuth != "" {
		rd.ContainerAuth = "TODO"
	}
}
