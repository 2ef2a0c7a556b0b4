package reporter

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ppiankov/shipforge/internal/task"
)

func plannedModel(t *testing.T, cancel func()) TUIModel {
	t.Helper()
	m := NewTUIModel("deploy", "run-1", cancel)
	m.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC) }
	tasks := []task.Task{
		{ID: "clone", Target: "web"},
		{ID: "notify", Target: "local", ContinueOnFailure: true},
		{ID: "migrate", Target: "web"},
	}
	next, _ := m.Update(EventMsg(task.Event{Type: task.EventPlanned, Tasks: tasks, Total: len(tasks)}))
	return next.(TUIModel)
}

func TestTUIModel_Progress(t *testing.T) {
	m := plannedModel(t, nil)

	next, _ := m.Update(EventMsg(task.Event{Type: task.EventTaskStarted, Index: 0, Task: m.rows[0].task}))
	m = next.(TUIModel)
	if m.rows[0].state != task.StateRunning {
		t.Fatalf("expected running, got %s", m.rows[0].state)
	}

	next, _ = m.Update(EventMsg(task.Event{Type: task.EventTaskFinished, Index: 0, Task: m.rows[0].task, Results: []task.Result{
		{Endpoint: "forge@web-1", State: task.StateSucceeded, Duration: time.Second},
		{Endpoint: "forge@web-2", State: task.StateSucceeded, Duration: time.Second},
	}}))
	m = next.(TUIModel)

	next, _ = m.Update(EventMsg(task.Event{Type: task.EventTaskFinished, Index: 1, Task: m.rows[1].task, Results: []task.Result{
		{Endpoint: "local", State: task.StateFailed, Error: "exit status 1"},
	}}))
	m = next.(TUIModel)

	if m.rows[0].state != task.StateSucceeded || m.rows[0].endpoints != 2 {
		t.Errorf("clone row: %+v", m.rows[0])
	}
	if !m.rows[1].warned || m.rows[1].state != task.StateSucceeded {
		t.Errorf("continue-on-failure task should be a warning, got %+v", m.rows[1])
	}

	view := m.View()
	for _, want := range []string{"deploy: 3 tasks", "2 done", "1 pending", "clone", "web (2)", "local: exit status 1"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestTUIModel_RunFinishedQuits(t *testing.T) {
	m := plannedModel(t, nil)
	report := &task.Report{Status: task.RunFailed, FailureKind: task.KindConnection, Error: "dial tcp: refused"}

	next, cmd := m.Update(EventMsg(task.Event{Type: task.EventRunFinished, Report: report}))
	m = next.(TUIModel)
	if m.Report() != report {
		t.Fatal("expected report to be kept")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if !strings.Contains(m.View(), "run failed (connection)") {
		t.Errorf("expected failure line in view:\n%s", m.View())
	}
}

func TestTUIModel_QuitCancelsRun(t *testing.T) {
	cancelled := 0
	m := plannedModel(t, func() { cancelled++ })

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(TUIModel)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(TUIModel)

	if cancelled != 1 {
		t.Errorf("expected one cancel, got %d", cancelled)
	}
	if !strings.Contains(m.View(), "cancelling") {
		t.Errorf("expected cancelling notice:\n%s", m.View())
	}
}

func TestTUIModel_OutputTail(t *testing.T) {
	m := plannedModel(t, nil)
	for i := 0; i < outputLines+3; i++ {
		next, _ := m.Update(OutputMsg(strings.Repeat("x", i)))
		m = next.(TUIModel)
	}
	if len(m.output) != outputLines {
		t.Errorf("expected %d retained lines, got %d", outputLines, len(m.output))
	}
}

func TestOutputWriter(t *testing.T) {
	var got []string
	w := NewOutputWriter(func(msg tea.Msg) { got = append(got, string(msg.(OutputMsg))) })

	_, _ = w.Write([]byte("[local]: one\n[local]: t"))
	_, _ = w.Write([]byte("wo\r\n"))

	if len(got) != 2 || got[0] != "[local]: one" || got[1] != "[local]: two" {
		t.Errorf("unexpected lines %q", got)
	}
}
