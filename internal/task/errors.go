package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/shipforge/internal/template"
)

// FailureKind is the machine-readable reason a run stopped.
type FailureKind string

const (
	KindNone       FailureKind = ""
	KindConfig     FailureKind = "config"
	KindBinding    FailureKind = "binding"
	KindConnection FailureKind = "connection"
	KindExit       FailureKind = "exit"
	KindTimeout    FailureKind = "timeout"
	KindCancelled  FailureKind = "cancelled"
	KindInternal   FailureKind = "internal"
)

// configError marks errors detected while expanding a plan, before any task runs.
type configError interface {
	error
	configError()
}

// UnknownTaskError reports a task id with no registered task.
type UnknownTaskError struct {
	ID    string
	Macro string // macro that referenced it, if any
}

func (e *UnknownTaskError) Error() string {
	if e.Macro != "" {
		return fmt.Sprintf("macro %q references unknown task %q", e.Macro, e.ID)
	}
	return fmt.Sprintf("unknown task %q", e.ID)
}

func (*UnknownTaskError) configError() {}

// UnknownMacroError reports a macro id with no registered macro.
type UnknownMacroError struct {
	ID string
}

func (e *UnknownMacroError) Error() string {
	return fmt.Sprintf("unknown macro or task %q", e.ID)
}

func (*UnknownMacroError) configError() {}

// UnknownHostError reports a target that is neither "local" nor a registered group.
type UnknownHostError struct {
	Name string
	Task string
}

func (e *UnknownHostError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("task %q targets unknown host group %q", e.Task, e.Name)
	}
	return fmt.Sprintf("unknown host group %q", e.Name)
}

func (*UnknownHostError) configError() {}

// ConnectionError reports a session that could not be established or was lost.
// It is never retried.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExitError reports a task whose command exited non-zero.
type ExitError struct {
	Task     string
	Endpoint string
	Status   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task %q exited with status %d on %s", e.Task, e.Status, e.Endpoint)
}

// TimeoutError reports a task killed by its timeout or idle timeout.
type TimeoutError struct {
	Task     string
	Endpoint string
	Reason   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q on %s: %s", e.Task, e.Endpoint, e.Reason)
}

// IsConfigError reports whether err is an unknown task, macro or host error.
func IsConfigError(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}

// Kind classifies err for reporting and exit codes.
func Kind(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var (
		be *template.BindingError
		ce *ConnectionError
		ee *ExitError
		te *TimeoutError
	)
	switch {
	case IsConfigError(err):
		return KindConfig
	case errors.As(err, &be):
		return KindBinding
	case errors.As(err, &ce):
		return KindConnection
	case errors.As(err, &ee):
		return KindExit
	case errors.As(err, &te):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
