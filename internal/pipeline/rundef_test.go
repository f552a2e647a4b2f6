package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

func rundefFixture(t *testing.T) (*Definition, *Trigger, *Run) {
	t.Helper()
	def, err := Parse([]byte(`
timeout: 15
params: {LEVEL: project, SHARED: project}
scripts: {unit: "echo ok"}
script-repos:
  ci-scripts:
    clone-url: https://example.com/ci.git
    git-ref: main
    token: githubtok
triggers:
  - name: merge
    type: github_pr
    params: {LEVEL: trigger}
    runs:
      - name: unit
        container: alpine:3.20
        host-tag: AMD64
        script: unit
        params: {RUNP: "1"}
      - name: repo-run
        container: alpine:3.20
        host-tag: amd64
        script-repo: {name: ci-scripts, path: run.sh}
        container-auth: registrytok
`))
	require.NoError(t, err)
	trig := def.Trigger("merge")
	require.NotNil(t, trig)
	return def, trig, trig.Run("unit")
}

func baseContext() RunContext {
	return RunContext{
		Project:     "proj",
		BuildNumber: 7,
		RunName:     "unit",
		APIKey:      "k3y",
		TriggerType: domain.TriggerGitHubPR,
		RunURL:      "https://jobserv/projects/proj/builds/7/runs/unit/",
		FrontendURL: "https://jobserv",
		EventParams: map[string]string{"GH_PRNUM": "42", "LEVEL": "event"},
		Secrets:     map[string]string{"githubtok": "ghp_secret", "registrytok": "regval"},
	}
}

func TestRunDefinition_EnvPrecedence(t *testing.T) {
	def, trig, run := rundefFixture(t)
	rd, err := def.RunDefinition(trig, run, baseContext())
	require.NoError(t, err)

	assert.Equal(t, "event", rd.Env["LEVEL"])
	assert.Equal(t, "project", rd.Env["SHARED"])
	assert.Equal(t, "1", rd.Env["RUNP"])
	assert.Equal(t, "proj", rd.Env["H_PROJECT"])
	assert.Equal(t, "7", rd.Env["H_BUILD"])
	assert.Equal(t, "unit", rd.Env["H_RUN"])
}

func TestRunDefinition_Basics(t *testing.T) {
	def, trig, run := rundefFixture(t)
	rd, err := def.RunDefinition(trig, run, baseContext())
	require.NoError(t, err)

	assert.Equal(t, 15, rd.Timeout)
	assert.Equal(t, "amd64", rd.HostTag, "host tag is lowercased")
	assert.Equal(t, domain.TriggerGitHubPR, rd.TriggerType)
	assert.Equal(t, "echo ok", rd.Script)
	assert.Nil(t, rd.ScriptRepo)
	assert.Equal(t, "k3y", rd.APIKey)
}

func TestRunDefinition_ScriptRepoTokenResolution(t *testing.T) {
	def, trig, _ := rundefFixture(t)
	run := trig.Run("repo-run")
	rc := baseContext()
	rc.RunName = "repo-run"

	rd, err := def.RunDefinition(trig, run, rc)
	require.NoError(t, err)
	require.NotNil(t, rd.ScriptRepo)
	assert.Equal(t, "https://example.com/ci.git", rd.ScriptRepo.CloneURL)
	assert.Equal(t, "ghp_secret", rd.ScriptRepo.Token)
	assert.Equal(t, "run.sh", rd.ScriptRepo.Path)
	assert.Equal(t, "regval", rd.ContainerAuth)
}

func TestRunDefinition_UserTokenPair(t *testing.T) {
	def, trig, _ := rundefFixture(t)
	repo := def.ScriptRepos["ci-scripts"]
	repo.Token = "ciuser:githubtok"
	def.ScriptRepos["ci-scripts"] = repo

	rc := baseContext()
	rc.RunName = "repo-run"
	rd, err := def.RunDefinition(trig, trig.Run("repo-run"), rc)
	require.NoError(t, err)
	assert.Equal(t, "ciuser:ghp_secret", rd.ScriptRepo.Token)
}

func TestRunDefinition_MissingSecretIsClientError(t *testing.T) {
	def, trig, _ := rundefFixture(t)
	rc := baseContext()
	rc.RunName = "repo-run"
	delete(rc.Secrets, "githubtok")

	_, err := def.RunDefinition(trig, trig.Run("repo-run"), rc)
	var serr *SynthesisError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "githubtok")
}

func TestRunDefinition_MissingContainerAuth(t *testing.T) {
	def, trig, _ := rundefFixture(t)
	rc := baseContext()
	rc.RunName = "repo-run"
	delete(rc.Secrets, "registrytok")

	_, err := def.RunDefinition(trig, trig.Run("repo-run"), rc)
	var serr *SynthesisError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "registrytok")
}

func TestRunDefinition_Scrub(t *testing.T) {
	def, trig, _ := rundefFixture(t)
	rc := baseContext()
	rc.RunName = "repo-run"
	rd, err := def.RunDefinition(trig, trig.Run("repo-run"), rc)
	require.NoError(t, err)

	rd.Scrub()
	assert.Empty(t, rd.APIKey)
	assert.Equal(t, "TODO", rd.Secrets["githubtok"])
	assert.Equal(t, "TODO", rd.Secrets["registrytok"])
	assert.Equal(t, "TODO", rd.ScriptRepo.Token)
	assert.Equal(t, "TODO", rd.ContainerAuth)
}
