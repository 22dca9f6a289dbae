// Package secmem wipes and, where the platform allows it, locks memory
// holding TPM secrets (auth data, session shared secrets, RSA private
// exponents) so they are not recoverable from a core dump or swapped to
// disk in the clear.
package secmem

import (
	"runtime"
	"sync"
)

// Bytes is a byte buffer that is zeroed on Destroy and, on platforms that
// support it, locked out of swap for its lifetime.
type Bytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// New allocates a Bytes buffer of the given size and attempts to lock it.
// Locking failures are non-fatal: the process may lack CAP_IPC_LOCK or run
// on a platform without mlock, in which case the buffer is still wiped on
// Destroy, just not swap-protected.
func New(size int) *Bytes {
	b := &Bytes{data: make([]byte, size)}
	b.locked = lockMemory(b.data) == nil
	return b
}

// FromBytes copies src into a new locked buffer.
func FromBytes(src []byte) *Bytes {
	b := New(len(src))
	copy(b.data, src)
	return b
}

// Bytes returns the underlying buffer. Callers must not retain it past
// Destroy.
func (b *Bytes) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len reports the buffer length.
func (b *Bytes) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Destroy zeroes the buffer and releases any memory lock.
func (b *Bytes) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	Wipe(b.data)
	if b.locked {
		unlockMemory(b.data)
		b.locked = false
	}
	b.data = nil
}

// Wipe zeroes data in place. runtime.KeepAlive prevents the compiler from
// eliding the writes as dead stores to a value about to go out of scope.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WipeOnPanic defers a wipe of data that still fires if the calling
// function panics. Usage: defer WipeOnPanic(privateKeyBytes)()
func WipeOnPanic(data []byte) func() {
	return func() {
		if r := recover(); r != nil {
			Wipe(data)
			panic(r)
		}
	}
}
