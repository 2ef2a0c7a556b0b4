package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/lock"
	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const planPipeline = `
vars:
  app_dir: /srv/app
  release: "{{ app_dir }}/releases/{{ timestamp }}"

hosts:
  web:
    - deploy@web-1.example.com
    - deploy@web-2.example.com:2222

tasks:
  clone:
    description: Cloning repository
    script: git clone {{ repository }} {{ release }}
  link:
    on: web
    script: ln -nfs {{ release }} {{ app_dir }}/current
  orphan:
    on: db
    script: echo {{ app_dir }}

macros:
  deploy: [clone, link]
  bad: [clone, ghost]
`

func TestBuildPlan(t *testing.T) {
	path := writePipeline(t, planPipeline)

	steps, err := buildPlan(path, "deploy", map[string]string{"repository": "git@example.com:app.git"})
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if !strings.HasPrefix(steps[0].Script, "git clone git@example.com:app.git /srv/app/releases/") {
		t.Errorf("unexpected rendered script: %q", steps[0].Script)
	}
	if got := strings.Join(steps[1].Endpoints, ","); got != "deploy@web-1.example.com,deploy@web-2.example.com:2222" {
		t.Errorf("unexpected endpoints: %s", got)
	}
	if err := planError(steps); err != nil {
		t.Errorf("expected runnable plan, got %v", err)
	}
}

func TestBuildPlan_RecordsStepErrors(t *testing.T) {
	path := writePipeline(t, planPipeline)

	steps, err := buildPlan(path, "deploy", nil)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	var be *template.BindingError
	if !errors.As(steps[0].Err, &be) || be.Name != "repository" || be.Task != "clone" {
		t.Errorf("expected binding error for repository on clone, got %v", steps[0].Err)
	}
	if ExitCode(planError(steps)) != ExitConfig {
		t.Errorf("expected config exit code for plan error")
	}

	steps, err = buildPlan(path, "orphan", map[string]string{"repository": "r"})
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	var he *task.UnknownHostError
	if !errors.As(steps[0].Err, &he) || he.Name != "db" {
		t.Errorf("expected unknown host error for db, got %v", steps[0].Err)
	}
}

func TestBuildPlan_UnknownTaskInMacro(t *testing.T) {
	_, err := buildPlan(writePipeline(t, planPipeline), "bad", nil)
	var ute *task.UnknownTaskError
	if !errors.As(err, &ute) || ute.ID != "ghost" {
		t.Fatalf("expected unknown task ghost, got %v", err)
	}
}

func TestPlanCommand(t *testing.T) {
	path := writePipeline(t, planPipeline)

	out, err := execute(t, "-f", path, "plan", "deploy", "--set", "repository=git@example.com:app.git")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, want := range []string{"Execution plan for deploy", "1. clone on local", "Cloning repository", "2. link on web", "| ln -nfs /srv/app/releases/"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestCheckPipeline(t *testing.T) {
	p, reg, err := config.Load(writePipeline(t, planPipeline))
	if err != nil {
		t.Fatal(err)
	}

	errs := checkPipeline(p, reg, nil)
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	joined := strings.Join(msgs, "\n")
	for _, want := range []string{`"ghost"`, `unknown host group "db"`, `unbound variable "repository"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected problem %s, got:\n%s", want, joined)
		}
	}

	errs = checkPipeline(p, reg, map[string]string{"repository": "r"})
	for _, e := range errs {
		if strings.Contains(e.Error(), "repository") {
			t.Errorf("override should bind repository, got %v", e)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	valid := writePipeline(t, "tasks:\n  hello:\n    script: echo {{ user }}\n")
	out, err := execute(t, "-f", valid, "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("expected valid message, got:\n%s", out)
	}

	_, err = execute(t, "-f", writePipeline(t, planPipeline), "check")
	if ExitCode(err) != ExitConfig {
		t.Errorf("expected config exit code, got %v", err)
	}
}

func TestListCommand(t *testing.T) {
	out, err := execute(t, "-f", writePipeline(t, planPipeline), "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"deploy", "clone -> link", "Cloning repository", "deploy@web-2.example.com:2222", "local shell"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestHistoryCommand(t *testing.T) {
	settings := testSettings(t)
	report, _, err := runLocal(t, settings, localPipeline, "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(t.TempDir(), ".shipforge.yml")
	cfg := fmt.Sprintf("state_dir: %s\nhistory_db: %s\n", settings.StateDir, settings.HistoryDB)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, report.RunID) {
		t.Errorf("expected run id in history:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "history", report.RunID)
	if err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(out, "greet") {
		t.Errorf("expected task results in run detail:\n%s", out)
	}

	if _, err := execute(t, "--config", cfgPath, "history", "missing-run"); err == nil {
		t.Error("expected error for unknown run")
	}

	// a fresh database still finds the run through its report.json
	freshPath := filepath.Join(t.TempDir(), ".shipforge.yml")
	fresh := fmt.Sprintf("state_dir: %s\nhistory_db: %s\n", settings.StateDir, filepath.Join(t.TempDir(), "other.db"))
	if err := os.WriteFile(freshPath, []byte(fresh), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "--config", freshPath, "history", report.RunID)
	if err != nil {
		t.Fatalf("history from report: %v", err)
	}
	if !strings.Contains(out, "--- Summary ---") {
		t.Errorf("expected summary from report.json:\n%s", out)
	}
}

func TestUnlockCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ".shipforge.yml")
	lockDir := filepath.Join(dir, "locks")
	cfg := fmt.Sprintf("state_dir: %s\nlock:\n  backend: file\n  dir: %s\n", dir, lockDir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "unlock", "web")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !strings.Contains(out, "No lock found for web") {
		t.Errorf("unexpected output: %s", out)
	}

	locker := lock.NewFileLocker(lockDir)
	if _, err := locker.Acquire(context.Background(), "web", lock.NewInfo("run-1", "deploy")); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "--config", cfgPath, "unlock", "web")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !strings.Contains(out, "Removed lock for web") || !strings.Contains(out, "run-1") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := locker.Inspect(context.Background(), "web"); !errors.Is(err, lock.ErrNotLocked) {
		t.Errorf("expected lock removed, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "shipforge dev (commit: none") {
		t.Errorf("unexpected version output: %q", out)
	}
}
