package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

func newCheckCmd() *cobra.Command {
	var (
		sets     []string
		envFiles []string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the pipeline file: macros, host groups and variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := config.Overrides(envFiles, sets)
			if err != nil {
				return &ConfigError{Err: err}
			}
			out := cmd.OutOrStdout()

			p, reg, err := config.Load(pipelineFile)
			if !watch {
				if err != nil {
					return &ConfigError{Err: err}
				}
				errs := checkPipeline(p, reg, overrides)
				printCheck(out, pipelineFile, errs)
				if len(errs) > 0 {
					return &ConfigError{Err: fmt.Errorf("%s: %d problems found", pipelineFile, len(errs))}
				}
				return nil
			}

			// keep watching a broken file so the next save can fix it
			if err != nil {
				fmt.Fprintf(out, "✗ %s: %v\n", pipelineFile, err)
				reg = task.NewRegistry()
			} else {
				printCheck(out, pipelineFile, checkPipeline(p, reg, overrides))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := config.NewWatcher(pipelineFile, reg, func(p *config.Pipeline, err error) {
				fmt.Fprintf(out, "\n%s reloaded at %s\n", pipelineFile, time.Now().Format(time.TimeOnly))
				if err != nil {
					fmt.Fprintf(out, "✗ %v\n", err)
					return
				}
				printCheck(out, pipelineFile, checkPipeline(p, reg, overrides))
			})
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a variable (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "read variable overrides from a dotenv file (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-check whenever the pipeline file changes")

	return cmd
}

// checkPipeline returns every reference problem in the pipeline: macros with
// unknown tasks, tasks with unknown targets, variable definitions that do not
// resolve and task placeholders with no binding.
func checkPipeline(p *config.Pipeline, reg *task.Registry, overrides map[string]string) []error {
	errs := reg.Validate()

	vars, err := config.Bindings(p.Vars, config.Builtins("check", "check", time.Now()), overrides)
	if err != nil {
		return append(errs, err)
	}
	for _, t := range reg.Tasks() {
		for _, name := range template.Placeholders(t.Body) {
			if _, ok := vars.Lookup(name); !ok {
				errs = append(errs, &template.BindingError{Task: t.ID, Name: name})
			}
		}
	}
	return errs
}

func printCheck(w io.Writer, path string, errs []error) {
	if len(errs) == 0 {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
		return
	}
	fmt.Fprintf(w, "✗ %s: %d problems\n", path, len(errs))
	for _, err := range errs {
		fmt.Fprintf(w, "  - %v\n", err)
	}
}
