// Package trigger implements the status aggregation and fan-out engine:
// every run status change is applied under the build lock, the build status
// is recomputed from its runs, and completed runs and builds fire the child
// triggers their pipeline declares.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/metrics"
	"github.com/jobserv-ci/jobserv/internal/pipeline"
	"github.com/jobserv-ci/jobserv/internal/storage"
)

// BuildFailureRun is the synthetic run created when build instantiation
// fails after the build row exists; its console carries the error.
const BuildFailureRun = "build-failure"

// ProjectStore, BuildStore, RunStore, and Locker are the persistence
// surfaces the engine consumes; the postgres package implements them.
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Project, error)
}

type BuildStore interface {
	Create(ctx context.Context, projectID int64, reason, triggerName string) (*domain.Build, error)
	GetByID(ctx context.Context, id int64) (*domain.Build, error)
	SetStatus(ctx context.Context, buildID int64, status domain.Status) (bool, error)
	History(ctx context.Context, projectID int64, limit int) ([]domain.Status, error)
}

type RunStore interface {
	Create(ctx context.Context, r *domain.Run) error
	ListForBuild(ctx context.Context, buildID int64) ([]domain.Run, error)
	SetStatus(ctx context.Context, runID int64, status domain.Status) (bool, error)
}

type Locker interface {
	WithLock(ctx context.Context, buildID int64, fn func(ctx context.Context) error) error
}

// Notifier delivers build-complete notifications. Implementations must be
// safe for concurrent use; delivery failures are logged, never propagated
// into the aggregation path.
type Notifier interface {
	BuildCompleteEmail(ctx context.Context, note BuildNote, recipients []string, onlyFailures bool)
	BuildCompleteWebhook(ctx context.Context, note BuildNote, url, hmacSecret string, onlyFailures bool)
}

// BuildNote is the build summary handed to notifiers.
type BuildNote struct {
	Project string          `json:"project"`
	Build   int             `json:"build"`
	Status  domain.Status   `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	URL     string          `json:"url"`
	Runs    []domain.Run    `json:"runs"`
	History []domain.Status `json:"-"`
}

// historyLimit caps how many prior terminal builds a build-complete note
// carries for pass/fail context.
const historyLimit = 20

// Engine is the aggregator plus trigger fan-out machine.
type Engine struct {
	projects ProjectStore
	builds   BuildStore
	runs     RunStore
	locker   Locker
	store    storage.Store
	console  *storage.ConsoleDir
	notifier Notifier

	// frontendURL is the public base URL rewritten into run definitions and
	// notifications.
	frontendURL string
}

func NewEngine(projects ProjectStore, builds BuildStore, runs RunStore,
	locker Locker, store storage.Store, console *storage.ConsoleDir,
	notifier Notifier, frontendURL string) *Engine {
	return &Engine{
		projects:    projects,
		builds:      builds,
		runs:        runs,
		locker:      locker,
		store:       store,
		console:     console,
		notifier:    notifier,
		frontendURL: strings.TrimSuffix(frontendURL, "/"),
	}
}

func (e *Engine) buildURL(project string, build int) string {
	return fmt.Sprintf("%s/projects/%s/builds/%d/", e.frontendURL, project, build)
}

func (e *Engine) runURL(project string, build int, run string) string {
	return fmt.Sprintf("%s/projects/%s/builds/%d/runs/%s/", e.frontendURL, project, build, run)
}

// SetRunStatus applies a run status change under the build lock: it writes
// the run's status and event, fires the run's child triggers when it passed,
// recomputes the build status, and on build completion applies notification
// policy and build-level triggers.
func (e *Engine) SetRunStatus(ctx context.Context, run *domain.Run, status domain.Status) error {
	return e.locker.WithLock(ctx, run.BuildID, func(ctx context.Context) error {
		changed, err := e.runs.SetStatus(ctx, run.ID, status)
		if err != nil {
			return err
		}
		if changed {
			metrics.RunStatusTransitions.WithLabelValues(status.String()).Inc()
		}

		build, err := e.builds.GetByID(ctx, run.BuildID)
		if err != nil {
			return err
		}
		project, err := e.projects.GetByID(ctx, build.ProjectID)
		if err != nil {
			return err
		}

		if status.Terminal() {
			if err := e.console.Finalize(ctx, e.store, project.Name, build.Number, run.Name); err != nil {
				slog.Warn("trigger: console finalize failed",
					"project", project.Name, "build", build.Number, "run", run.Name,
					"error", err)
			}
		}

		var def *pipeline.Definition
		if status.Terminal() && run.TriggerName != "" {
			def, err = e.loadDefinition(ctx, project.Name, build.Number)
			if err != nil {
				return err
			}
			if status == domain.StatusPassed {
				if err := e.fanOutRun(ctx, def, project, build, run); err != nil {
					return e.failRunAfterFanout(ctx, project, build, run, err)
				}
			}
		}

		return e.recomputeBuild(ctx, def, project, build)
	})
}

// recomputeBuild recalculates the build status from its runs and, when the
// build just completed, applies notification policy and build-level child
// triggers. Build-level triggers add new QUEUED runs, so the status is
// recomputed once more afterwards.
func (e *Engine) recomputeBuild(ctx context.Context, def *pipeline.Definition,
	project *domain.Project, build *domain.Build) error {
	runs, err := e.runs.ListForBuild(ctx, build.ID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	cum := domain.CumulativeStatus(runStatuses(runs))
	changed, err := e.builds.SetStatus(ctx, build.ID, cum)
	if err != nil {
		return err
	}
	if !changed || !cum.Terminal() {
		return nil
	}
	build.Status = cum
	slog.Info("trigger: build complete",
		"project", project.Name, "build", build.Number, "status", cum.String())

	if def == nil && build.TriggerName != "" {
		if def, err = e.loadDefinition(ctx, project.Name, build.Number); err != nil {
			slog.Warn("trigger: no definition for completed build",
				"project", project.Name, "build", build.Number, "error", err)
			def = nil
		}
	}
	if def == nil {
		return nil
	}

	e.notifyBuildComplete(ctx, def, project, build, runs)

	trig := def.Trigger(build.TriggerName)
	if trig == nil || cum != domain.StatusPassed || len(trig.Triggers) == 0 {
		return nil
	}

	env, secrets := e.parentContext(ctx, project.Name, build.Number, lastRunName(runs))
	env["H_TRIGGER_URL"] = e.buildURL(project.Name, build.Number)
	for _, ct := range trig.Triggers {
		if err := e.InstantiateTrigger(ctx, def, project, build, ct, "", trig.Type, env, secrets, 0); err != nil {
			return err
		}
	}

	// the fan-out re-opened the build
	runs, err = e.runs.ListForBuild(ctx, build.ID)
	if err != nil {
		return err
	}
	_, err = e.builds.SetStatus(ctx, build.ID, domain.CumulativeStatus(runStatuses(runs)))
	return err
}

// fanOutRun fires the child triggers declared on a passed run.
func (e *Engine) fanOutRun(ctx context.Context, def *pipeline.Definition,
	project *domain.Project, build *domain.Build, run *domain.Run) error {
	trig := def.Trigger(run.TriggerName)
	if trig == nil {
		return fmt.Errorf("run %s references unknown trigger %q", run.Name, run.TriggerName)
	}
	rt := trig.Run(run.Name)
	if rt == nil || len(rt.Triggers) == 0 {
		return nil
	}

	env, secrets := e.parentContext(ctx, project.Name, build.Number, run.Name)
	env["H_TRIGGER_URL"] = e.runURL(project.Name, build.Number, run.Name)
	for _, ct := range rt.Triggers {
		if err := e.InstantiateTrigger(ctx, def, project, build, ct, run.Name,
			trig.Type, env, secrets, run.QueuePriority); err != nil {
			return err
		}
	}
	return nil
}

// InstantiateTrigger creates one QUEUED run per run declared in the child
// trigger, writing each synthesized run definition to artifact storage. The
// child runs' trigger type is upgraded so status keeps reporting to the
// originating PR/MR. A duplicate run name surfaces as domain.ErrConflict.
func (e *Engine) InstantiateTrigger(ctx context.Context, def *pipeline.Definition,
	project *domain.Project, build *domain.Build, ct pipeline.ChildTrigger,
	parentRunName string, parentType domain.TriggerType,
	env, secrets map[string]string, queuePriority int) error {

	child := def.Trigger(ct.Name)
	if child == nil {
		return fmt.Errorf("child trigger %q is not defined", ct.Name)
	}
	childType := domain.UpgradeTriggerType(child.Type, parentType)

	for i := range child.Runs {
		r := &child.Runs[i]
		name := r.Name
		if ct.RunNames != "" && parentRunName != "" {
			name = strings.ReplaceAll(ct.RunNames, "{name}", parentRunName)
		}

		apiKey, err := domain.NewRunAPIKey()
		if err != nil {
			return fmt.Errorf("generate run api key: %w", err)
		}
		run := &domain.Run{
			BuildID:       build.ID,
			Name:          name,
			Status:        domain.StatusQueued,
			APIKey:        apiKey,
			TriggerName:   ct.Name,
			HostTag:       strings.ToLower(r.HostTag),
			QueuePriority: queuePriority,
		}
		if err := e.runs.Create(ctx, run); err != nil {
			return err
		}

		rd, err := def.RunDefinition(child, r, pipeline.RunContext{
			Project:     project.Name,
			BuildNumber: build.Number,
			RunName:     name,
			APIKey:      apiKey,
			TriggerType: childType,
			RunURL:      e.runURL(project.Name, build.Number, name),
			FrontendURL: e.frontendURL,
			EventParams: env,
			Secrets:     secrets,
		})
		if err != nil {
			return err
		}
		if err := e.writeRunDef(ctx, project.Name, build.Number, name, rd); err != nil {
			return err
		}
		slog.Info("trigger: run instantiated",
			"project", project.Name, "build", build.Number, "run", name,
			"trigger", ct.Name, "trigger_type", string(childType))
	}
	return nil
}

// TriggerBuild creates a build plus its initial runs from a trigger of the
// project definition. The definition is persisted immutably alongside the
// build. On an unexpected failure after the build row exists, a synthetic
// build-failure run carries the error and the build fails.
func (e *Engine) TriggerBuild(ctx context.Context, project *domain.Project,
	defData []byte, triggerName, reason string, params, secrets map[string]string,
	queuePriority int) (*domain.Build, error) {

	def, err := pipeline.Parse(defData)
	if err != nil {
		return nil, err
	}
	trig := def.Trigger(triggerName)
	if trig == nil {
		return nil, &pipeline.ValidationError{Problems: []string{
			fmt.Sprintf("trigger %q is not defined in the project definition", triggerName)}}
	}

	build, err := e.builds.Create(ctx, project.ID, reason, triggerName)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutString(ctx,
		storage.ProjectDefPath(project.Name, build.Number), defData, "application/yaml"); err != nil {
		return nil, e.failBuild(ctx, project, build, err)
	}

	for i := range trig.Runs {
		r := &trig.Runs[i]
		apiKey, err := domain.NewRunAPIKey()
		if err != nil {
			return nil, e.failBuild(ctx, project, build, err)
		}
		run := &domain.Run{
			BuildID:       build.ID,
			Name:          r.Name,
			Status:        domain.StatusQueued,
			APIKey:        apiKey,
			TriggerName:   triggerName,
			HostTag:       strings.ToLower(r.HostTag),
			QueuePriority: queuePriority,
		}
		if err := e.runs.Create(ctx, run); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, err
			}
			return nil, e.failBuild(ctx, project, build, err)
		}

		rd, err := def.RunDefinition(trig, r, pipeline.RunContext{
			Project:     project.Name,
			BuildNumber: build.Number,
			RunName:     r.Name,
			APIKey:      apiKey,
			TriggerType: trig.Type,
			RunURL:      e.runURL(project.Name, build.Number, r.Name),
			FrontendURL: e.frontendURL,
			EventParams: params,
			Secrets:     secrets,
		})
		if err != nil {
			var serr *pipeline.SynthesisError
			if errors.As(err, &serr) {
				return nil, err
			}
			return nil, e.failBuild(ctx, project, build, err)
		}
		if err := e.writeRunDef(ctx, project.Name, build.Number, r.Name, rd); err != nil {
			return nil, e.failBuild(ctx, project, build, err)
		}
	}

	slog.Info("trigger: build created",
		"project", project.Name, "build", build.Number, "trigger", triggerName,
		"runs", len(trig.Runs))
	return build, nil
}

// failBuild records an unexpected instantiation failure: a synthetic
// build-failure run whose console carries the error, then the build fails.
func (e *Engine) failBuild(ctx context.Context, project *domain.Project,
	build *domain.Build, cause error) error {

	slog.Error("trigger: build instantiation failed",
		"project", project.Name, "build", build.Number, "error", cause)

	apiKey, err := domain.NewRunAPIKey()
	if err == nil {
		run := &domain.Run{
			BuildID: build.ID,
			Name:    BuildFailureRun,
			Status:  domain.StatusFailed,
			APIKey:  apiKey,
		}
		if cerr := e.runs.Create(ctx, run); cerr == nil {
			msg := fmt.Sprintf("build instantiation failed:\n%v\n", cause)
			if werr := e.console.Append(project.Name, build.Number, BuildFailureRun, []byte(msg)); werr == nil {
				if ferr := e.console.Finalize(ctx, e.store, project.Name, build.Number, BuildFailureRun); ferr != nil {
					slog.Warn("trigger: finalize build-failure console", "error", ferr)
				}
			}
		}
	}
	if _, serr := e.builds.SetStatus(ctx, build.ID, domain.StatusFailed); serr != nil {
		slog.Error("trigger: failed to fail build", "build", build.Number, "error", serr)
	}
	return cause
}

// failRunAfterFanout handles an error raised while firing a completed run's
// child triggers: the trace lands in the run's console, the console is
// finalized, and the run fails.
func (e *Engine) failRunAfterFanout(ctx context.Context, project *domain.Project,
	build *domain.Build, run *domain.Run, cause error) error {

	msg := fmt.Sprintf("\ntrigger fan-out failed:\n%v\n", cause)
	if err := e.console.Append(project.Name, build.Number, run.Name, []byte(msg)); err != nil {
		slog.Warn("trigger: append fan-out error to console", "run", run.Name, "error", err)
	}
	if err := e.console.Finalize(ctx, e.store, project.Name, build.Number, run.Name); err != nil {
		slog.Warn("trigger: finalize console after fan-out error", "run", run.Name, "error", err)
	}
	if _, err := e.runs.SetStatus(ctx, run.ID, domain.StatusFailed); err != nil {
		slog.Error("trigger: failed to fail run after fan-out error", "run", run.Name, "error", err)
	}
	if rerr := e.recomputeBuild(ctx, nil, project, build); rerr != nil {
		slog.Error("trigger: recompute after fan-out error", "build", build.Number, "error", rerr)
	}
	return cause
}

// notifyBuildComplete applies the trigger's email and webhook policies.
// Project-level email applies when the trigger declares none.
func (e *Engine) notifyBuildComplete(ctx context.Context, def *pipeline.Definition,
	project *domain.Project, build *domain.Build, runs []domain.Run) {
	if e.notifier == nil {
		return
	}
	trig := def.Trigger(build.TriggerName)

	history, err := e.builds.History(ctx, project.ID, historyLimit)
	if err != nil {
		slog.Warn("trigger: load build history", "project", project.Name, "error", err)
	}
	note := BuildNote{
		Project: project.Name,
		Build:   build.Number,
		Status:  build.Status,
		Reason:  build.Reason,
		URL:     e.buildURL(project.Name, build.Number),
		Runs:    runs,
		History: history,
	}

	email := def.Email
	if trig != nil && trig.Email != nil {
		email = trig.Email
	}
	if email != nil && email.Users != "" {
		recipients := splitRecipients(email.Users)
		e.notifier.BuildCompleteEmail(ctx, note, recipients, email.OnlyFailures)
	}

	if trig == nil {
		return
	}
	_, secrets := e.parentContext(ctx, project.Name, build.Number, lastRunName(runs))
	for _, wh := range trig.Webhooks {
		secret := secrets[wh.SecretName]
		if secret == "" {
			slog.Warn("trigger: webhook secret not found",
				"project", project.Name, "secret_name", wh.SecretName)
			continue
		}
		e.notifier.BuildCompleteWebhook(ctx, note, wh.URL, secret, wh.OnlyFailures)
	}
}

// parentContext loads the env and secrets of a run's stored definition so
// fan-out can propagate them to child runs. Missing documents degrade to
// empty maps.
func (e *Engine) parentContext(ctx context.Context, project string, build int, run string) (map[string]string, map[string]string) {
	env := map[string]string{}
	secrets := map[string]string{}
	if run == "" {
		return env, secrets
	}
	data, err := e.store.GetString(ctx, storage.RunDefPath(project, build, run))
	if err != nil {
		slog.Warn("trigger: parent run definition missing",
			"project", project, "build", build, "run", run, "error", err)
		return env, secrets
	}
	var rd pipeline.RunDefinition
	if err := json.Unmarshal(data, &rd); err != nil {
		slog.Warn("trigger: parent run definition unreadable",
			"project", project, "build", build, "run", run, "error", err)
		return env, secrets
	}
	for k, v := range rd.Env {
		env[k] = v
	}
	for k, v := range rd.Secrets {
		secrets[k] = v
	}
	return env, secrets
}

func (e *Engine) loadDefinition(ctx context.Context, project string, build int) (*pipeline.Definition, error) {
	data, err := e.store.GetString(ctx, storage.ProjectDefPath(project, build))
	if err != nil {
		return nil, fmt.Errorf("load project definition: %w", err)
	}
	def, err := pipeline.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse stored project definition: %w", err)
	}
	return def, nil
}

func (e *Engine) writeRunDef(ctx context.Context, project string, build int, run string, rd *pipeline.RunDefinition) error {
	data, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("marshal run definition: %w", err)
	}
	return e.store.PutString(ctx, storage.RunDefPath(project, build, run), data, "application/json")
}

func runStatuses(runs []domain.Run) []domain.Status {
	out := make([]domain.Status, len(runs))
	for i, r := range runs {
		out[i] = r.Status
	}
	return out
}

// lastRunName picks the most recently created run, the usual fan-out parent
// for build-level context.
func lastRunName(runs []domain.Run) string {
	if len(runs) == 0 {
		return ""
	}
	return runs[len(runs)-1].Name
}

func splitRecipients(users string) []string {
	parts := strings.Split(users, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
