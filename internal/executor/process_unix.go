//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

// SetProcGroup runs the command in its own process group so the whole tree
// can be signalled at once.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcGroup kills every process in the command's group.
func KillProcGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
