//go:build !unix

package executor

import "os/exec"

// SetProcGroup is a no-op where process groups are unavailable.
func SetProcGroup(*exec.Cmd) {}

func KillProcGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
