//go:build unix

package secmem

import "golang.org/x/sys/unix"

func lockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mlock(data)
}

func unlockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munlock(data)
}
