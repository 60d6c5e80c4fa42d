//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// SetProcGrp starts cmd in its own process group so a terminal SIGINT aimed
// at the recorder does not reach the child before the pipes are flushed.
func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Kill terminates the whole group.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
