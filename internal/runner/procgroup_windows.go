//go:build windows

package runner

import "os/exec"

// setupProcessGroup leaves the default cancel in place on Windows: there
// are no Unix process groups, so only the shell process is killed.
func setupProcessGroup(cmd *exec.Cmd) (release func()) {
	return func() {}
}
