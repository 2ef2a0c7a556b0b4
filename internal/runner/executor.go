package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

const defaultOutputTail = 64 * 1024

// Options configures an Executor.
type Options struct {
	DefaultTimeout time.Duration // applied when a task has none; 0 = no timeout
	IdleTimeout    time.Duration // kill a task after this long without output; 0 = off
	OutputTail     int           // bytes of output kept in each Result; 0 = 64KiB, <0 = none
	LogDir         string        // full per-task logs; empty = no log files
	Stream         io.Writer     // live output, prefixed per endpoint; nil = discard
	Now            func() time.Time
}

// Executor renders tasks and runs them on every endpoint of their target.
type Executor struct {
	reg  *task.Registry
	pool *Pool
	opts Options
	seq  int
}

// NewExecutor creates an executor. The pool belongs to the caller's run.
func NewExecutor(reg *task.Registry, pool *Pool, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OutputTail == 0 {
		opts.OutputTail = defaultOutputTail
	}
	if opts.Stream == nil {
		opts.Stream = io.Discard
	}
	return &Executor{reg: reg, pool: pool, opts: opts}
}

// RunTask renders t against vars and runs it on each endpoint of its target
// in order. It stops at the first endpoint that fails unless the task
// continues on failure. Exit statuses are reported in the results; the error
// is set for binding, connection and cancellation failures.
func (e *Executor) RunTask(ctx context.Context, t task.Task, vars template.Bindings) ([]task.Result, error) {
	script, err := template.RenderTask(t.ID, t.Body, vars)
	if err != nil {
		return nil, err
	}
	group, err := e.reg.Resolve(t.Target)
	if err != nil {
		return nil, &task.UnknownHostError{Name: t.Target, Task: t.ID}
	}

	e.seq++
	logName := fmt.Sprintf("%02d-%s.log", e.seq, t.ID)

	var results []task.Result
	for _, ep := range group.Endpoints {
		res, err := e.runOn(ctx, t, ep, script, logName)
		results = append(results, *res)
		if err != nil {
			return results, err
		}
		if res.Failed() && !t.ContinueOnFailure {
			break
		}
	}
	return results, nil
}

func (e *Executor) runOn(ctx context.Context, t task.Task, ep task.Endpoint, script, logName string) (*task.Result, error) {
	res := &task.Result{
		TaskID:    t.ID,
		Endpoint:  ep.String(),
		Command:   script,
		State:     task.StateRunning,
		StartedAt: e.opts.Now(),
	}

	sess, err := e.pool.Get(ctx, ep)
	if err != nil {
		e.finish(res, -1, task.Kind(err), err.Error())
		return res, err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = e.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	logW, logPath := newLogWriter(e.opts.LogDir, logName)
	defer closeLogWriter(logW)
	res.LogFile = logPath

	tail := newTailBuffer(e.opts.OutputTail)
	pw := newPrefixWriter(e.opts.Stream, fmt.Sprintf("[%s]: ", ep.String()))
	idle := newIdleTimeoutWriter(io.MultiWriter(pw, tail, logW), e.opts.IdleTimeout, cancel)
	defer idle.Stop()
	out := &lockedWriter{w: idle}

	slog.Debug("running task", "task", t.ID, "endpoint", ep.String(), "timeout", timeout)
	status, runErr := sess.Run(runCtx, script, out)

	out.mu.Lock()
	pw.Flush()
	res.Output = tail.String()
	res.Truncated = tail.truncated
	out.mu.Unlock()

	switch {
	case runErr == nil && status == 0:
		e.finish(res, 0, task.KindNone, "")
		return res, nil
	case runErr == nil:
		e.finish(res, status, task.KindExit, fmt.Sprintf("exit status %d", status))
		return res, nil
	case ctx.Err() != nil:
		e.finish(res, -1, task.KindCancelled, ctx.Err().Error())
		return res, ctx.Err()
	case idle.Idled():
		e.finish(res, -1, task.KindTimeout, fmt.Sprintf("no output for %s", e.opts.IdleTimeout))
		return res, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.finish(res, -1, task.KindTimeout, fmt.Sprintf("timed out after %s", timeout))
		return res, nil
	default:
		var ce *task.ConnectionError
		if !errors.As(runErr, &ce) {
			ce = &task.ConnectionError{Endpoint: ep.String(), Err: runErr}
		}
		e.finish(res, -1, task.KindConnection, ce.Error())
		return res, ce
	}
}

func (e *Executor) finish(res *task.Result, status int, kind task.FailureKind, msg string) {
	res.EndedAt = e.opts.Now()
	res.Duration = res.EndedAt.Sub(res.StartedAt)
	res.ExitStatus = status
	res.Kind = kind
	res.Error = msg
	if kind == task.KindNone {
		res.State = task.StateSucceeded
	} else {
		res.State = task.StateFailed
	}
}
