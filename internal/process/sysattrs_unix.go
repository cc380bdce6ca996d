//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in its own process group so a
// stop reaches its children. Detached workers get a new session and
// survive the CLI exiting.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// killGroupOnCancel makes context cancellation kill the whole group of a
// one-shot command rather than only its leader.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
