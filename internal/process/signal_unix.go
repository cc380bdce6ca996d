//go:build !windows

package process

import "syscall"

// terminate sends SIGTERM to the process group led by pid and falls back
// to the pid alone when no such group exists.
func terminate(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
