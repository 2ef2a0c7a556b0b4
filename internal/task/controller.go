package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/shipforge/internal/template"
)

// ExecFn runs one task on every endpoint of its target and returns one
// Result per endpoint attempted. A non-zero exit is reported in the Result,
// not as an error; errors are binding, connection or cancellation failures.
type ExecFn func(ctx context.Context, t Task, vars template.Bindings) ([]Result, error)

// EventType identifies a controller progress event.
type EventType int

const (
	EventPlanned EventType = iota
	EventTaskStarted
	EventTaskFinished
	EventRunFinished
)

// Event is delivered to ControllerConfig.OnEvent as the run progresses.
type Event struct {
	Type    EventType
	Index   int // position in the plan, 0-based
	Total   int
	Task    Task
	Tasks   []Task   // set on EventPlanned
	Results []Result // set on EventTaskFinished
	Report  *Report  // set on EventRunFinished
}

// ControllerConfig holds controller parameters.
type ControllerConfig struct {
	Registry *Registry
	ExecFn   ExecFn
	RunID    string
	OnEvent  func(Event)
	Now      func() time.Time
}

// Controller drives a run: it expands a macro, then executes its tasks
// strictly in order and stops at the first failure.
type Controller struct {
	cfg ControllerConfig
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

// Run executes the macro (or single task) called name.
// Configuration errors are reported before any task runs.
func (c *Controller) Run(ctx context.Context, name string, vars template.Bindings) *Report {
	report := &Report{
		RunID:     c.cfg.RunID,
		Macro:     name,
		StartedAt: c.cfg.Now(),
		Results:   []Result{},
	}
	defer c.finish(report)

	tasks, err := c.cfg.Registry.Plan(name)
	if err != nil {
		c.fail(report, "", err)
		return report
	}
	if err := c.cfg.Registry.CheckTargets(tasks); err != nil {
		c.fail(report, "", err)
		return report
	}

	report.Planned = make([]string, len(tasks))
	for i, t := range tasks {
		report.Planned[i] = t.ID
	}
	c.emit(Event{Type: EventPlanned, Total: len(tasks), Tasks: tasks})

	slog.Info("starting run", "run_id", report.RunID, "macro", name, "tasks", len(tasks))

	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			c.fail(report, t.ID, err)
			return report
		}

		c.emit(Event{Type: EventTaskStarted, Index: i, Total: len(tasks), Task: t})
		slog.Debug("task started", "task", t.ID, "target", t.Target)

		results, err := c.cfg.ExecFn(ctx, t, vars)
		report.Results = append(report.Results, results...)
		c.emit(Event{Type: EventTaskFinished, Index: i, Total: len(tasks), Task: t, Results: results})

		if err != nil {
			c.fail(report, t.ID, err)
			return report
		}

		if failed := firstFailure(results); failed != nil {
			if t.ContinueOnFailure && failed.Kind == KindExit {
				slog.Warn("task failed, continuing", "task", t.ID, "endpoint", failed.Endpoint, "exit_status", failed.ExitStatus)
				continue
			}
			c.fail(report, t.ID, resultError(failed))
			return report
		}
	}

	report.Status = RunSucceeded
	return report
}

func (c *Controller) fail(report *Report, taskID string, err error) {
	report.Status = RunFailed
	report.FailedTask = taskID
	report.FailureKind = Kind(err)
	report.Error = err.Error()
	slog.Warn("run failed", "run_id", report.RunID, "task", taskID, "kind", report.FailureKind, "error", err)
}

func (c *Controller) finish(report *Report) {
	report.EndedAt = c.cfg.Now()
	report.Duration = report.EndedAt.Sub(report.StartedAt)
	c.emit(Event{Type: EventRunFinished, Report: report})
}

func (c *Controller) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func firstFailure(results []Result) *Result {
	for i := range results {
		if results[i].Failed() {
			return &results[i]
		}
	}
	return nil
}

// resultError turns a failed Result back into a typed error.
func resultError(r *Result) error {
	switch r.Kind {
	case KindTimeout:
		return &TimeoutError{Task: r.TaskID, Endpoint: r.Endpoint, Reason: r.Error}
	case KindExit, KindNone:
		return &ExitError{Task: r.TaskID, Endpoint: r.Endpoint, Status: r.ExitStatus}
	default:
		if r.Error != "" {
			return errors.New(r.Error)
		}
		return fmt.Errorf("task %q failed on %s", r.TaskID, r.Endpoint)
	}
}
