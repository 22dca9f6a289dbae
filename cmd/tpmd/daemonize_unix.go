//go:build !windows

package main

import "syscall"

// daemonSysProcAttr detaches the re-exec'd child into its own session so
// it survives the parent exiting and outlives the launching terminal.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
