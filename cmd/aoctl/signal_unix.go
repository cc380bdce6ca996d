//go:build !windows

package main

import (
	"os"
	"syscall"
)

// signalStop asks a foreground aoctl process to shut down.
func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
