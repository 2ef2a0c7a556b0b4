//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a cancelled script gets to exit after SIGTERM
// before its process group is killed.
var killGrace = 5 * time.Second

// signalGroup sends sig to a process group; replaced in tests.
var signalGroup = func(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}

// setupProcessGroup runs the local shell in its own process group. When the
// task's context ends the group gets SIGTERM, then SIGKILL after killGrace,
// so commands the script started in the background die with it.
//
// The returned release must be called once Wait returns. It disarms a
// pending SIGKILL so the signal never reaches a reused group id.
func setupProcessGroup(cmd *exec.Cmd) (release func()) {
	var (
		mu       sync.Mutex
		timer    *time.Timer
		released bool
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := cmd.Process.Pid
		if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if !released {
			timer = time.AfterFunc(killGrace, func() { _ = signalGroup(pgid, syscall.SIGKILL) })
		}
		return nil
	}
	// stop waiting on output pipes held open by stray children
	cmd.WaitDelay = killGrace + time.Second

	return func() {
		mu.Lock()
		defer mu.Unlock()
		released = true
		if timer != nil {
			timer.Stop()
		}
	}
}
