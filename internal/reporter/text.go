package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/shipforge/internal/history"
	"github.com/ppiankov/shipforge/internal/task"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

// TextReporter writes human-readable output to a writer.
type TextReporter struct {
	w     io.Writer
	color bool
}

// NewTextReporter creates a text reporter.
// If w is nil, defaults to os.Stdout.
// color enables ANSI codes.
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	if w == nil {
		w = os.Stdout
	}
	return &TextReporter{w: w, color: color}
}

// PrintHeader writes the initial banner.
func (r *TextReporter) PrintHeader(runID, macro string, totalTasks int) {
	fmt.Fprintf(r.w, "%sshipforge%s %s: %d tasks (run %s)\n\n", r.c(colorCyan), r.c(colorReset), macro, totalTasks, runID)
}

// OnEvent prints progress for controller events. Task output is streamed
// separately by the executor.
func (r *TextReporter) OnEvent(ev task.Event) {
	switch ev.Type {
	case task.EventTaskStarted:
		r.PrintTaskStart(ev.Index, ev.Total, ev.Task)
	case task.EventTaskFinished:
		r.PrintTaskResults(ev.Results)
	}
}

// PrintTaskStart writes the banner shown before a task runs.
func (r *TextReporter) PrintTaskStart(index, total int, t task.Task) {
	fmt.Fprintf(r.w, "%s[%d/%d] %s%s %son %s%s\n",
		r.c(colorCyan), index+1, total, t.ID, r.c(colorReset),
		r.c(colorDim), t.Target, r.c(colorReset))
	if t.Description != "" {
		fmt.Fprintf(r.w, "  %s\n", t.Description)
	}
}

// PrintTaskResults writes one line per endpoint the task ran on.
func (r *TextReporter) PrintTaskResults(results []task.Result) {
	for _, res := range results {
		dur := res.Duration.Truncate(time.Millisecond)
		if res.Failed() {
			fmt.Fprintf(r.w, "  %s✗ %-30s %s  %s%s\n", r.c(colorRed), res.Endpoint, dur, res.Error, r.c(colorReset))
			continue
		}
		fmt.Fprintf(r.w, "  %s✓ %-30s %s%s\n", r.c(colorGreen), res.Endpoint, dur, r.c(colorReset))
	}
	fmt.Fprintln(r.w)
}

// PlanStep is one task of a dry run, rendered but not executed.
type PlanStep struct {
	Task      task.Task
	Endpoints []string
	Script    string
	Err       error // binding or host error that would stop the run here
}

// PrintPlan writes the execution plan without running anything.
func (r *TextReporter) PrintPlan(name string, steps []PlanStep) {
	fmt.Fprintf(r.w, "Execution plan for %s (dry-run):\n\n", name)

	for i, s := range steps {
		fmt.Fprintf(r.w, "  %d. %s on %s", i+1, s.Task.ID, s.Task.Target)
		if len(s.Endpoints) > 0 {
			fmt.Fprintf(r.w, " (%s)", strings.Join(s.Endpoints, ", "))
		}
		fmt.Fprintln(r.w)
		if s.Task.Description != "" {
			fmt.Fprintf(r.w, "     %s\n", s.Task.Description)
		}
		var flags []string
		if s.Task.Timeout > 0 {
			flags = append(flags, "timeout "+s.Task.Timeout.String())
		}
		if s.Task.ContinueOnFailure {
			flags = append(flags, "continue on failure")
		}
		if len(flags) > 0 {
			fmt.Fprintf(r.w, "     %s%s%s\n", r.c(colorDim), strings.Join(flags, ", "), r.c(colorReset))
		}
		if s.Err != nil {
			fmt.Fprintf(r.w, "     %s✗ %s%s\n\n", r.c(colorRed), s.Err, r.c(colorReset))
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(s.Script, "\n"), "\n") {
			fmt.Fprintf(r.w, "     %s| %s%s\n", r.c(colorDim), line, r.c(colorReset))
		}
		fmt.Fprintln(r.w)
	}
}

// PrintSummary writes the final summary.
func (r *TextReporter) PrintSummary(report *task.Report) {
	var ok, failed int
	for _, res := range report.Results {
		if res.Failed() {
			failed++
		} else {
			ok++
		}
	}

	fmt.Fprintf(r.w, "%s--- Summary ---%s\n", r.c(colorCyan), r.c(colorReset))
	fmt.Fprintf(r.w, "Tasks: %d/%d  ", executedTasks(report.Results), len(report.Planned))
	fmt.Fprintf(r.w, "%sSucceeded: %d%s  ", r.c(colorGreen), ok, r.c(colorReset))
	fmt.Fprintf(r.w, "%sFailed: %d%s  ", r.c(colorRed), failed, r.c(colorReset))
	fmt.Fprintf(r.w, "Duration: %s\n", report.Duration.Truncate(time.Millisecond))

	if report.Succeeded() {
		fmt.Fprintf(r.w, "%s✓ %s succeeded%s\n", r.c(colorGreen), report.Macro, r.c(colorReset))
		return
	}
	where := ""
	if report.FailedTask != "" {
		where = fmt.Sprintf(" at task %s", report.FailedTask)
	}
	fmt.Fprintf(r.w, "%s✗ %s failed%s (%s): %s%s\n",
		r.c(colorRed), report.Macro, where, report.FailureKind, report.Error, r.c(colorReset))
	if last := lastFailure(report); last != nil && last.LogFile != "" {
		fmt.Fprintf(r.w, "  %slog: %s%s\n", r.c(colorDim), last.LogFile, r.c(colorReset))
	}
}

// PrintHistory writes a table of recorded runs.
func (r *TextReporter) PrintHistory(runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(r.w, "No runs recorded.")
		return
	}
	fmt.Fprintf(r.w, "%-36s  %-16s  %-11s  %-19s  %-10s  %s\n", "RUN", "MACRO", "STATUS", "STARTED", "DURATION", "FAILED TASK")
	for _, run := range runs {
		fmt.Fprintf(r.w, "%-36s  %-16s  %s%-11s%s  %-19s  %-10s  %s\n",
			run.RunID, run.Macro,
			r.c(statusColor(run.Status)), run.Status, r.c(colorReset),
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Duration.Truncate(time.Second), run.FailedTask)
	}
}

// PrintRun writes one recorded run with its results.
func (r *TextReporter) PrintRun(run *history.Run) {
	fmt.Fprintf(r.w, "Run:      %s\n", run.RunID)
	fmt.Fprintf(r.w, "Macro:    %s\n", run.Macro)
	fmt.Fprintf(r.w, "Status:   %s%s%s\n", r.c(statusColor(run.Status)), run.Status, r.c(colorReset))
	fmt.Fprintf(r.w, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(r.w, "Duration: %s\n", run.Duration.Truncate(time.Millisecond))
	fmt.Fprintf(r.w, "Planned:  %s\n", strings.Join(run.Planned, ", "))
	if run.Error != "" {
		fmt.Fprintf(r.w, "Error:    %s (%s)\n", run.Error, run.FailureKind)
	}
	fmt.Fprintln(r.w)
	for _, res := range run.Results {
		icon, color := "✓", colorGreen
		if res.Failed() {
			icon, color = "✗", colorRed
		}
		fmt.Fprintf(r.w, "  %s%s %-20s %-30s exit %d  %s%s\n",
			r.c(color), icon, res.TaskID, res.Endpoint, res.ExitStatus, res.Duration.Truncate(time.Millisecond), r.c(colorReset))
		if res.Error != "" && res.Kind != task.KindExit {
			fmt.Fprintf(r.w, "    %s\n", res.Error)
		}
		if res.LogFile != "" {
			note := ""
			if res.Truncated {
				note = " (output tail truncated)"
			}
			fmt.Fprintf(r.w, "    %slog: %s%s%s\n", r.c(colorDim), res.LogFile, note, r.c(colorReset))
		}
	}
}

func (r *TextReporter) c(code string) string {
	if !r.color {
		return ""
	}
	return code
}

func statusColor(status string) string {
	switch status {
	case string(task.RunSucceeded):
		return colorGreen
	case string(task.RunFailed):
		return colorRed
	default:
		return colorYellow
	}
}

// executedTasks counts task executions. Results of one execution are
// contiguous.
func executedTasks(results []task.Result) int {
	n := 0
	for i := range results {
		if i == 0 || results[i].TaskID != results[i-1].TaskID {
			n++
		}
	}
	return n
}

func lastFailure(report *task.Report) *task.Result {
	for i := len(report.Results) - 1; i >= 0; i-- {
		if report.Results[i].Failed() {
			return &report.Results[i]
		}
	}
	return nil
}
