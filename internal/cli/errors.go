package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/ppiankov/shipforge/internal/lock"
	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitConnection = 3
	ExitLockHeld   = 4
	ExitCancelled  = 130
)

// ConfigError wraps a settings or pipeline problem found before anything runs.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// RunError reports a run that did not succeed. The report carries the
// failing task and its failure kind.
type RunError struct {
	Report *task.Report
}

func (e *RunError) Error() string {
	r := e.Report
	if r.FailedTask != "" {
		return fmt.Sprintf("%s failed at task %s (%s)", r.Macro, r.FailedTask, r.FailureKind)
	}
	return fmt.Sprintf("%s failed (%s): %s", r.Macro, r.FailureKind, r.Error)
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		runErr  *RunError
		heldErr *lock.HeldError
		cfgErr  *ConfigError
		bindErr *template.BindingError
	)
	switch {
	case errors.As(err, &runErr):
		return kindExitCode(runErr.Report.FailureKind)
	case errors.As(err, &heldErr):
		return ExitLockHeld
	case errors.As(err, &cfgErr), errors.As(err, &bindErr), task.IsConfigError(err):
		return ExitConfig
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	}
	return kindExitCode(task.Kind(err))
}

func kindExitCode(kind task.FailureKind) int {
	switch kind {
	case task.KindNone:
		return ExitOK
	case task.KindConfig, task.KindBinding:
		return ExitConfig
	case task.KindConnection:
		return ExitConnection
	case task.KindCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
