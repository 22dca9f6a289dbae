//go:build !unix

package secmem

func lockMemory(data []byte) error   { return nil }
func unlockMemory(data []byte) error { return nil }
