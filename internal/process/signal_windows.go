//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const PROCESS_TERMINATE = 0x0001

// terminate ends the worker by PID. Windows has no SIGTERM; a process that
// cannot be opened is treated as already gone.
func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, _ := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(pid))
	if h == 0 {
		return nil
	}
	defer procCloseHandle.Call(h) //nolint:errcheck
	ret, _, err := procTerminateProcess.Call(h, uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}
