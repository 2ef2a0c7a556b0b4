package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultShell reads the script from stdin and exits on the first failing
// command.
var DefaultShell = []string{"bash", "-se"}

// LocalSession runs scripts in a local shell subprocess.
type LocalSession struct {
	shell []string
	env   []string
}

// NewLocalSession creates a local session. An empty shell uses DefaultShell.
func NewLocalSession(shell []string, env []string) *LocalSession {
	if len(shell) == 0 {
		shell = DefaultShell
	}
	return &LocalSession{shell: shell, env: env}
}

// Run executes script and returns the shell's exit status.
func (s *LocalSession) Run(ctx context.Context, script string, out io.Writer) (int, error) {
	slog.Debug("spawning local shell", "shell", strings.Join(s.shell, " "))

	cmd := exec.CommandContext(ctx, s.shell[0], s.shell[1:]...)
	cmd.Env = s.env
	cmd.Stdin = strings.NewReader(script)
	cmd.Stdout = out
	cmd.Stderr = out
	release := setupProcessGroup(cmd)
	defer release()

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Close is a no-op: every Run owns its own subprocess.
func (s *LocalSession) Close() error { return nil }
