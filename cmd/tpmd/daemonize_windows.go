//go:build windows

package main

import "syscall"

// daemonSysProcAttr runs the re-exec'd child without a console window, the
// closest Windows equivalent of detaching from the launching terminal.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow: true,
	}
}
