//go:build windows

package main

import "os"

// signalStop terminates a foreground aoctl process; Windows has no SIGTERM.
func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
