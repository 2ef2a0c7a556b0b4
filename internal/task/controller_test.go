package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/shipforge/internal/template"
)

func newTestRegistry(ids ...string) *Registry {
	r := NewRegistry()
	for _, id := range ids {
		r.Register(Task{ID: id, Target: LocalTarget, Body: "echo " + id})
	}
	r.DefineMacro("deploy", ids)
	return r
}

// fakeExec records executed task ids and fails those listed in exitCodes.
type fakeExec struct {
	ran       []string
	exitCodes map[string]int
	errs      map[string]error
}

func (f *fakeExec) run(_ context.Context, t Task, _ template.Bindings) ([]Result, error) {
	f.ran = append(f.ran, t.ID)
	if err := f.errs[t.ID]; err != nil {
		return nil, err
	}
	code := f.exitCodes[t.ID]
	res := Result{TaskID: t.ID, Endpoint: "local", ExitStatus: code, State: StateSucceeded}
	if code != 0 {
		res.State = StateFailed
		res.Kind = KindExit
	}
	return []Result{res}, nil
}

func TestController_AllSucceed(t *testing.T) {
	fe := &fakeExec{}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a", "b", "c"), ExecFn: fe.run, RunID: "r1"})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if !report.Succeeded() {
		t.Fatalf("expected success, got %s (%s)", report.Status, report.Error)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if report.Results[i].TaskID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, report.Results[i].TaskID)
		}
	}
	if report.RunID != "r1" {
		t.Errorf("expected run id r1, got %q", report.RunID)
	}
}

func TestController_FailFast(t *testing.T) {
	fe := &fakeExec{exitCodes: map[string]int{"b": 2}}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a", "b", "c"), ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if report.Succeeded() {
		t.Fatal("expected failure")
	}
	if len(fe.ran) != 2 || fe.ran[0] != "a" || fe.ran[1] != "b" {
		t.Errorf("expected a,b executed and c skipped, got %v", fe.ran)
	}
	if report.FailedTask != "b" {
		t.Errorf("expected failed task b, got %q", report.FailedTask)
	}
	if report.FailureKind != KindExit {
		t.Errorf("expected kind exit, got %q", report.FailureKind)
	}
}

func TestController_ContinueOnFailure(t *testing.T) {
	r := newTestRegistry("a", "b", "c")
	r.Register(Task{ID: "b", Target: LocalTarget, Body: "false", ContinueOnFailure: true})
	fe := &fakeExec{exitCodes: map[string]int{"b": 1}}
	c := NewController(ControllerConfig{Registry: r, ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if !report.Succeeded() {
		t.Fatalf("expected success with continue_on_failure, got %s", report.Error)
	}
	if len(fe.ran) != 3 {
		t.Errorf("expected all tasks to run, got %v", fe.ran)
	}
	if !report.Results[1].Failed() {
		t.Error("failed result should still be recorded")
	}
}

func TestController_ConnectionErrorHalts(t *testing.T) {
	connErr := &ConnectionError{Endpoint: "forge@host", Err: errors.New("connection refused")}
	fe := &fakeExec{errs: map[string]error{"a": connErr}}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a", "b"), ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if report.FailureKind != KindConnection {
		t.Errorf("expected kind connection, got %q", report.FailureKind)
	}
	if len(fe.ran) != 1 {
		t.Errorf("expected only first task attempted, got %v", fe.ran)
	}
}

func TestController_BindingErrorHalts(t *testing.T) {
	fe := &fakeExec{errs: map[string]error{"b": &template.BindingError{Task: "b", Name: "branch"}}}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a", "b", "c"), ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if report.FailureKind != KindBinding || report.FailedTask != "b" {
		t.Errorf("expected binding failure on b, got %q on %q", report.FailureKind, report.FailedTask)
	}
	if len(fe.ran) != 2 {
		t.Errorf("expected c not to run, got %v", fe.ran)
	}
}

func TestController_UnknownTaskBeforeExecution(t *testing.T) {
	r := newTestRegistry("a")
	r.DefineMacro("deploy", []string{"a", "ghost"})
	fe := &fakeExec{}
	c := NewController(ControllerConfig{Registry: r, ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if report.FailureKind != KindConfig {
		t.Errorf("expected config failure, got %q", report.FailureKind)
	}
	if len(fe.ran) != 0 {
		t.Errorf("no task should run on config error, ran %v", fe.ran)
	}
}

func TestController_UnknownHostBeforeExecution(t *testing.T) {
	r := newTestRegistry("a")
	r.Register(Task{ID: "b", Target: "remote", Body: "ls"})
	r.DefineMacro("deploy", []string{"a", "b"})
	fe := &fakeExec{}
	c := NewController(ControllerConfig{Registry: r, ExecFn: fe.run})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))

	if report.FailureKind != KindConfig {
		t.Errorf("expected config failure, got %q", report.FailureKind)
	}
	if len(fe.ran) != 0 {
		t.Errorf("no task should run on config error, ran %v", fe.ran)
	}
}

func TestController_CancelledBetweenTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran []string
	exec := func(_ context.Context, tk Task, _ template.Bindings) ([]Result, error) {
		ran = append(ran, tk.ID)
		cancel()
		return []Result{{TaskID: tk.ID, State: StateSucceeded}}, nil
	}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a", "b"), ExecFn: exec})

	report := c.Run(ctx, "deploy", template.NewBindings(nil))

	if report.FailureKind != KindCancelled {
		t.Errorf("expected cancelled, got %q", report.FailureKind)
	}
	if report.FailedTask != "b" {
		t.Errorf("expected run to stop before b, got %q", report.FailedTask)
	}
	if len(ran) != 1 {
		t.Errorf("expected one task executed, got %v", ran)
	}
}

func TestController_TimeoutResult(t *testing.T) {
	exec := func(_ context.Context, tk Task, _ template.Bindings) ([]Result, error) {
		return []Result{{TaskID: tk.ID, Endpoint: "local", State: StateFailed, Kind: KindTimeout, ExitStatus: -1, Error: "timed out after 1s"}}, nil
	}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a"), ExecFn: exec})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))
	if report.FailureKind != KindTimeout {
		t.Errorf("expected timeout kind, got %q", report.FailureKind)
	}
}

func TestController_Events(t *testing.T) {
	var types []EventType
	fe := &fakeExec{}
	c := NewController(ControllerConfig{
		Registry: newTestRegistry("a", "b"),
		ExecFn:   fe.run,
		OnEvent:  func(ev Event) { types = append(types, ev.Type) },
	})

	c.Run(context.Background(), "deploy", template.NewBindings(nil))

	want := []EventType{EventPlanned, EventTaskStarted, EventTaskFinished, EventTaskStarted, EventTaskFinished, EventRunFinished}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %d, got %d", i, want[i], types[i])
		}
	}
}

func TestController_Duration(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	now := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	c := NewController(ControllerConfig{Registry: newTestRegistry("a"), ExecFn: (&fakeExec{}).run, Now: now})

	report := c.Run(context.Background(), "deploy", template.NewBindings(nil))
	if report.Duration != time.Second {
		t.Errorf("expected 1s duration, got %s", report.Duration)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, KindNone},
		{&UnknownHostError{Name: "x"}, KindConfig},
		{&template.BindingError{Name: "x"}, KindBinding},
		{&ConnectionError{Endpoint: "h", Err: errors.New("refused")}, KindConnection},
		{&ExitError{Task: "t", Status: 1}, KindExit},
		{&TimeoutError{Task: "t"}, KindTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
