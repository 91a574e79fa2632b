//go:build unix

package capture

import (
	"errors"
	"os/exec"
	"syscall"
)

// setupProcessGroup places the child in its own process group so that
// teardown signals reach any grandchildren it spawned.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGTERM)
}

func killProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	// The group is gone if the child already exited.
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
