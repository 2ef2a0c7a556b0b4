package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/history"
	"github.com/ppiankov/shipforge/internal/lock"
	"github.com/ppiankov/shipforge/internal/metrics"
	"github.com/ppiankov/shipforge/internal/reporter"
	"github.com/ppiankov/shipforge/internal/runner"
	"github.com/ppiankov/shipforge/internal/task"
	"github.com/ppiankov/shipforge/internal/template"
)

func newRunCmd() *cobra.Command {
	var (
		timeout     time.Duration
		idleTimeout time.Duration
		sets        []string
		envFiles    []string
		lockBackend string
		tuiMode     string
	)

	cmd := &cobra.Command{
		Use:   "run <macro|task>",
		Short: "Run a macro or a single task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(configFile)
			if err != nil {
				return &ConfigError{Err: fmt.Errorf("load config: %w", err)}
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = timeout
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.IdleTimeout = idleTimeout
			}
			if cmd.Flags().Changed("lock") {
				cfg.Lock.Backend = lockBackend
			}

			overrides, err := config.Overrides(envFiles, sets)
			if err != nil {
				return &ConfigError{Err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := executeRun(ctx, execRunConfig{
				name:         args[0],
				pipelinePath: pipelineFile,
				settings:     cfg,
				overrides:    overrides,
				tuiMode:      tuiMode,
				out:          cmd.OutOrStdout(),
				color:        isTerminal(),
			})
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return &RunError{Report: report}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "default per-task timeout (0 = none)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "kill a task after no output for this duration (0 = off)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a variable (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "read variable overrides from a dotenv file (repeatable)")
	cmd.Flags().StringVar(&lockBackend, "lock", config.LockFile, "deploy lock backend: file, redis or none")
	cmd.Flags().StringVar(&tuiMode, "tui", "auto", "display mode: full (interactive TUI), off (streamed text), auto (detect TTY)")

	return cmd
}

// execRunConfig holds parameters for executeRun.
type execRunConfig struct {
	name         string
	pipelinePath string
	settings     *config.Settings
	overrides    map[string]string
	tuiMode      string
	out          io.Writer
	color        bool
}

// runSetup is everything resolved before the first task starts.
type runSetup struct {
	pipeline  *config.Pipeline
	reg       *task.Registry
	tasks     []task.Task
	vars      template.Bindings
	runID     string
	startedAt time.Time
}

// prepareRun loads the pipeline, freezes the bindings and expands the plan.
// Every error it returns is a configuration or binding error.
func prepareRun(pipelinePath, name string, overrides map[string]string) (*runSetup, error) {
	p, reg, err := config.Load(pipelinePath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	s := &runSetup{
		pipeline:  p,
		reg:       reg,
		runID:     uuid.NewString(),
		startedAt: time.Now(),
	}
	s.vars, err = config.Bindings(p.Vars, config.Builtins(s.runID, name, s.startedAt), overrides)
	if err != nil {
		return nil, err
	}

	s.tasks, err = reg.Plan(name)
	if err != nil {
		return nil, err
	}
	if err := reg.CheckTargets(s.tasks); err != nil {
		return nil, err
	}
	return s, nil
}

// executeRun runs one macro end to end: locks, sessions, reporting, history
// and metrics. The returned error is set only when the run could not start;
// a failed run is described by the report.
func executeRun(ctx context.Context, cfg execRunConfig) (*task.Report, error) {
	settings := cfg.settings
	setup, err := prepareRun(cfg.pipelinePath, cfg.name, cfg.overrides)
	if err != nil {
		return nil, err
	}
	runID := setup.runID

	locker, closeLocker, err := openLocker(settings.Lock)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	defer closeLocker()

	locks, err := lock.AcquireAll(ctx, locker, task.HostKeys(setup.tasks), lock.NewInfo(runID, cfg.name))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := locks.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release locks", "error", err)
		}
	}()

	store := openHistory(ctx, settings.HistoryDB)
	if store != nil {
		defer func() { _ = store.Close() }()
		planned := make([]string, len(setup.tasks))
		for i, t := range setup.tasks {
			planned[i] = t.ID
		}
		if err := store.Start(ctx, runID, cfg.name, planned, setup.startedAt); err != nil {
			slog.Warn("failed to record run start", "error", err)
		}
	}

	runDir := filepath.Join(settings.RunsDir(), runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	shell := setup.pipeline.Shell
	if len(shell) == 0 {
		shell = settings.Shell
	}
	dialer := &runner.Dialer{
		Shell:   shell,
		Secrets: setup.reg.PasswordEnvs(),
		SSH: runner.SSHConfig{
			KnownHostsFile:  settings.SSH.KnownHosts,
			InsecureHostKey: settings.SSH.InsecureHostKey,
			ConnectTimeout:  settings.SSH.ConnectTimeout,
			DefaultUser:     settings.SSH.User,
		},
	}
	pool := runner.NewPool(dialer.Dial)
	defer func() {
		if err := pool.Close(); err != nil {
			slog.Warn("failed to close sessions", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	textRep := reporter.NewTextReporter(cfg.out, cfg.color)
	collector := metrics.New()

	displayMode := cfg.tuiMode
	if displayMode == "" || displayMode == "auto" {
		if cfg.color {
			displayMode = "full"
		} else {
			displayMode = "off"
		}
	}

	stream := cfg.out
	onEvent := func(ev task.Event) {
		collector.Observe(ev)
		textRep.OnEvent(ev)
	}

	var tuiProgram *tea.Program
	tuiDone := make(chan struct{})
	if displayMode == "full" {
		tuiProgram = tea.NewProgram(reporter.NewTUIModel(cfg.name, runID, cancel), tea.WithAltScreen())
		stream = reporter.NewOutputWriter(tuiProgram.Send)
		onEvent = func(ev task.Event) {
			collector.Observe(ev)
			tuiProgram.Send(reporter.EventMsg(ev))
		}
		go func() {
			defer close(tuiDone)
			if _, err := tuiProgram.Run(); err != nil {
				slog.Warn("TUI error", "error", err)
			}
		}()
	} else {
		close(tuiDone)
		textRep.PrintHeader(runID, cfg.name, len(setup.tasks))
	}

	executor := runner.NewExecutor(setup.reg, pool, runner.Options{
		DefaultTimeout: settings.Timeout,
		IdleTimeout:    settings.IdleTimeout,
		OutputTail:     settings.OutputTail,
		LogDir:         runDir,
		Stream:         stream,
	})
	ctrl := task.NewController(task.ControllerConfig{
		Registry: setup.reg,
		ExecFn:   executor.RunTask,
		RunID:    runID,
		OnEvent:  onEvent,
		Now:      time.Now,
	})

	report := ctrl.Run(ctx, cfg.name, setup.vars)
	if tuiProgram != nil {
		tuiProgram.Quit()
	}
	<-tuiDone

	if store != nil {
		if err := store.Record(context.WithoutCancel(ctx), report); err != nil {
			slog.Warn("failed to record run", "error", err)
		}
	}

	reportPath := filepath.Join(runDir, "report.json")
	if err := reporter.WriteJSONReport(report, reportPath); err != nil {
		slog.Warn("failed to write report", "error", err)
	}

	if settings.MetricsFile != "" {
		if err := collector.WriteTextfile(settings.MetricsFile); err != nil {
			slog.Warn("failed to write metrics", "error", err)
		}
	}

	if settings.PostRun != "" {
		runPostRun(settings.PostRun, runDir, cfg.out)
	}

	fmt.Fprintln(cfg.out)
	textRep.PrintSummary(report)
	fmt.Fprintf(cfg.out, "\nReport: %s\n", reportPath)
	return report, nil
}

// openLocker builds the configured lock backend. The returned func closes
// any client it opened.
func openLocker(ls config.LockSettings) (lock.Locker, func(), error) {
	switch ls.Backend {
	case config.LockNone:
		return lock.Nop{}, func() {}, nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     ls.RedisAddr,
			Password: config.ResolveSecret(ls.RedisPassword),
			DB:       ls.RedisDB,
		})
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Warn("redis close error", "error", err)
			}
		}
		return lock.NewRedisLocker(client, ls.Prefix, ls.TTL), closeFn, nil
	case config.LockFile, "":
		dir := ls.Dir
		if dir == "" {
			dir = filepath.Join(".shipforge", "locks")
		}
		return lock.NewFileLocker(dir), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", ls.Backend)
	}
}

// openHistory opens the history store and marks runs left over from a killed
// process. History is best effort: failures are logged and nil is returned.
func openHistory(ctx context.Context, path string) *history.Store {
	if path == "" {
		return nil
	}
	store, err := history.Open(path)
	if err != nil {
		slog.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	if n, err := store.RecoverInterrupted(ctx); err != nil {
		slog.Warn("failed to recover interrupted runs", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs", "count", n)
	}
	return store
}

// runPostRun runs the post_run hook with SHIPFORGE_RUN_DIR set. Hook
// failures are reported but do not change the run's outcome.
func runPostRun(command, runDir string, out io.Writer) {
	absRunDir, _ := filepath.Abs(runDir)
	hookCmd := exec.Command("sh", "-c", command)
	hookCmd.Env = append(os.Environ(), "SHIPFORGE_RUN_DIR="+absRunDir)
	hookCmd.Stdout = out
	hookCmd.Stderr = os.Stderr
	fmt.Fprintf(out, "\npost_run: %s\n", command)
	if err := hookCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "post_run hook FAILED: %v\n", err)
	}
}
