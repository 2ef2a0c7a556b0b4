package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/reporter"
	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

func newPlanCmd() *cobra.Command {
	var (
		sets     []string
		envFiles []string
	)

	cmd := &cobra.Command{
		Use:   "plan <macro|task>",
		Short: "Show the rendered execution plan without connecting anywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := config.Overrides(envFiles, sets)
			if err != nil {
				return &ConfigError{Err: err}
			}
			steps, err := buildPlan(pipelineFile, args[0], overrides)
			if err != nil {
				return err
			}
			reporter.NewTextReporter(cmd.OutOrStdout(), isTerminal()).PrintPlan(args[0], steps)
			return planError(steps)
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a variable (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "read variable overrides from a dotenv file (repeatable)")

	return cmd
}

// buildPlan renders every task of name the way a run would, without opening
// sessions. Per-task problems are recorded on the step so the whole plan can
// be shown.
func buildPlan(pipelinePath, name string, overrides map[string]string) ([]reporter.PlanStep, error) {
	p, reg, err := config.Load(pipelinePath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	vars, err := config.Bindings(p.Vars, config.Builtins(uuid.NewString(), name, time.Now()), overrides)
	if err != nil {
		return nil, err
	}
	tasks, err := reg.Plan(name)
	if err != nil {
		return nil, err
	}

	steps := make([]reporter.PlanStep, 0, len(tasks))
	for _, t := range tasks {
		step := reporter.PlanStep{Task: t}
		group, err := reg.Resolve(t.Target)
		if err != nil {
			step.Err = &task.UnknownHostError{Name: t.Target, Task: t.ID}
			steps = append(steps, step)
			continue
		}
		for _, ep := range group.Endpoints {
			step.Endpoints = append(step.Endpoints, ep.String())
		}
		step.Script, step.Err = template.RenderTask(t.ID, t.Body, vars)
		steps = append(steps, step)
	}
	return steps, nil
}

// planError returns the first step error, or nil if the plan would start.
func planError(steps []reporter.PlanStep) error {
	var errs []error
	for _, s := range steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &ConfigError{Err: fmt.Errorf("%d tasks cannot run: %w", len(errs), errors.Join(errs...))}
}
