package reporter

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/shipforge/internal/task"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// TUI styles
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const outputLines = 8

type tickMsg time.Time

// EventMsg carries a controller event into the TUI.
type EventMsg task.Event

// OutputMsg is one line of live task output.
type OutputMsg string

type row struct {
	task      task.Task
	state     task.State
	startedAt time.Time
	duration  time.Duration
	endpoints int
	err       string
	warned    bool // failed but the task continues on failure
}

// TUIModel is the Bubbletea model for the live run display.
type TUIModel struct {
	name      string
	runID     string
	cancelRun func() // called on 'q' to cancel the run context

	rows       []row
	output     []string
	report     *task.Report
	cancelling bool
	frame      int
	width      int
	height     int
	now        func() time.Time
}

// NewTUIModel creates a new TUI model.
func NewTUIModel(name, runID string, cancelRun func()) TUIModel {
	return TUIModel{
		name:      name,
		runID:     runID,
		cancelRun: cancelRun,
		now:       time.Now,
	}
}

// Init implements tea.Model.
func (m TUIModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.report != nil {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancelRun != nil {
				m.cancelRun()
			}
			m.cancelling = true
		}

	case EventMsg:
		return m.applyEvent(task.Event(msg))

	case OutputMsg:
		m.output = append(m.output, string(msg))
		if len(m.output) > outputLines {
			m.output = m.output[len(m.output)-outputLines:]
		}

	case tickMsg:
		m.frame++
		if m.report != nil {
			return m, nil
		}
		return m, tickCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}

	return m, nil
}

func (m TUIModel) applyEvent(ev task.Event) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case task.EventPlanned:
		m.rows = make([]row, len(ev.Tasks))
		for i, t := range ev.Tasks {
			m.rows[i] = row{task: t, state: task.StatePending}
		}

	case task.EventTaskStarted:
		if ev.Index < len(m.rows) {
			m.rows[ev.Index].state = task.StateRunning
			m.rows[ev.Index].startedAt = m.now()
		}

	case task.EventTaskFinished:
		if ev.Index >= len(m.rows) {
			break
		}
		r := &m.rows[ev.Index]
		r.endpoints = len(ev.Results)
		r.state = task.StateSucceeded
		for _, res := range ev.Results {
			r.duration += res.Duration
			if res.Failed() && r.err == "" {
				r.err = res.Endpoint + ": " + res.Error
			}
		}
		if r.err != "" {
			if ev.Task.ContinueOnFailure {
				r.warned = true
			} else {
				r.state = task.StateFailed
			}
		}

	case task.EventRunFinished:
		m.report = ev.Report
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m TUIModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf("shipforge %s: %d tasks  %s", m.name, len(m.rows), dimStyle.Render("run "+m.runID))
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(m.progressLine())
	b.WriteString("\n\n")

	spinner := spinnerChars[m.frame%len(spinnerChars)]
	for _, r := range m.rows {
		b.WriteString(m.fmtRow(r, spinner))
		b.WriteString("\n")
	}

	if len(m.output) > 0 {
		b.WriteString("\n")
		for _, line := range m.output {
			b.WriteString(dimStyle.Render("  " + m.truncate(line)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.report != nil:
		if m.report.Succeeded() {
			b.WriteString(doneStyle.Render("  ✓ run succeeded"))
		} else {
			b.WriteString(failedStyle.Render(fmt.Sprintf("  ✗ run failed (%s): %s", m.report.FailureKind, m.truncate(m.report.Error))))
		}
	case m.cancelling:
		b.WriteString(warnStyle.Render("  cancelling, waiting for the current task to stop..."))
	default:
		b.WriteString(helpStyle.Render("  q: cancel run"))
	}
	b.WriteString("\n")

	return b.String()
}

func (m TUIModel) fmtRow(r row, spinner string) string {
	target := r.task.Target
	if r.endpoints > 1 {
		target = fmt.Sprintf("%s (%d)", target, r.endpoints)
	}
	switch {
	case r.state == task.StateRunning:
		elapsed := m.now().Sub(r.startedAt).Truncate(time.Second)
		return runStyle.Render(fmt.Sprintf("  %s %-10s %-25s %-20s %s", spinner, "running", r.task.ID, target, elapsed))
	case r.state == task.StateFailed:
		return failedStyle.Render(fmt.Sprintf("  ✗ %-10s %-25s %-20s %s", "FAILED", r.task.ID, target, m.truncate(r.err)))
	case r.warned:
		return warnStyle.Render(fmt.Sprintf("  ! %-10s %-25s %-20s %s", "failed", r.task.ID, target, m.truncate(r.err)))
	case r.state == task.StateSucceeded:
		return doneStyle.Render(fmt.Sprintf("  ✓ %-10s %-25s %-20s %s", "done", r.task.ID, target, r.duration.Truncate(time.Millisecond)))
	default:
		return dimStyle.Render(fmt.Sprintf("  ─ %-10s %-25s %-20s %s", "pending", r.task.ID, target, r.task.Description))
	}
}

func (m TUIModel) progressLine() string {
	var done, running, failed, pending int
	for _, r := range m.rows {
		switch r.state {
		case task.StateSucceeded:
			done++
		case task.StateRunning:
			running++
		case task.StateFailed:
			failed++
		default:
			pending++
		}
	}
	var parts []string
	if done > 0 {
		parts = append(parts, doneStyle.Render(fmt.Sprintf("%d done", done)))
	}
	if running > 0 {
		parts = append(parts, runStyle.Render(fmt.Sprintf("%d running", running)))
	}
	if failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if pending > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%d pending", pending)))
	}
	return "  " + strings.Join(parts, "  ")
}

func (m TUIModel) truncate(s string) string {
	limit := 60
	if m.width > 40 {
		limit = m.width - 20
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// Report returns the final report once the run has finished.
func (m TUIModel) Report() *task.Report {
	return m.report
}

// OutputWriter forwards complete output lines to a running program.
type OutputWriter struct {
	mu   sync.Mutex
	send func(tea.Msg)
	buf  []byte
}

// NewOutputWriter creates a writer that delivers lines through send,
// typically (*tea.Program).Send.
func NewOutputWriter(send func(tea.Msg)) *OutputWriter {
	return &OutputWriter{send: send}
}

func (w *OutputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(OutputMsg(strings.TrimRight(string(w.buf[:i]), "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
