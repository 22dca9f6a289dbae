// Package counter implements TPM monotonic counters, the current-tick
// session, and the audit digest chain. Counter increments are
// rate-limited by a simple per-counter last-increment timestamp rather
// than a token bucket, since the policy is a flat "at most once per
// window", not a burst allowance.
package counter

import (
	"errors"
	"sync"
	"time"

	"tpmd/internal/tpmcrypto"
)

var (
	ErrCounterNotFound = errors.New("counter: counter not found")
	ErrTooSoon         = errors.New("counter: increment attempted before retry window elapsed")
	ErrMaxCounters     = errors.New("counter: maximum counter count reached")
)

// Counter is one TPM_COUNTER_VALUE: a label and monotonically increasing
// value. Auth holds the counter auth given at creation; the engine's
// increment path verifies owner auth and never checks Auth.
type Counter struct {
	ID        uint32
	Label     [4]byte
	Value     uint32
	Auth      tpmcrypto.Digest
	lastIncrement time.Time
}

// Bank owns the counter table, the current-ticks clock, and the audit
// digest chain.
type Bank struct {
	mu           sync.Mutex
	counters     map[uint32]*Counter
	maxCounters  int
	nextID       uint32
	retryWindow  time.Duration
	now          func() time.Time

	tickSessionStart time.Time
	tickOrigin       time.Time // process start reference

	auditDigest tpmcrypto.Digest
	auditOn     map[uint32]bool // ordinal -> audited
}

// NewBank creates a counter bank bounded to maxCounters entries, rate
// limiting each counter's increments to one per retryWindow.
func NewBank(maxCounters int, retryWindow time.Duration) *Bank {
	now := time.Now()
	return &Bank{
		counters:         make(map[uint32]*Counter),
		maxCounters:      maxCounters,
		retryWindow:      retryWindow,
		now:              time.Now,
		tickSessionStart: now,
		tickOrigin:       now,
		auditOn:          make(map[uint32]bool),
	}
}

// CreateCounter establishes a new counter starting at 0.
func (b *Bank) CreateCounter(label [4]byte, auth tpmcrypto.Digest) (*Counter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.counters) >= b.maxCounters {
		return nil, ErrMaxCounters
	}
	c := &Counter{ID: b.nextID, Label: label, Auth: auth}
	b.counters[c.ID] = c
	b.nextID++
	return c, nil
}

// Increment bumps a counter's value, subject to the rate limit: callers
// retrying faster than retryWindow get ErrTooSoon, which the engine
// translates to TPM_RETRY rather than a hard failure.
func (b *Bank) Increment(id uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[id]
	if !ok {
		return 0, ErrCounterNotFound
	}
	now := b.now()
	if !c.lastIncrement.IsZero() && now.Sub(c.lastIncrement) < b.retryWindow {
		return 0, ErrTooSoon
	}
	c.Value++
	c.lastIncrement = now
	return c.Value, nil
}

// Read returns a counter's current value without incrementing it.
func (b *Bank) Read(id uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[id]
	if !ok {
		return 0, ErrCounterNotFound
	}
	return c.Value, nil
}

// Release removes a counter, freeing its slot.
func (b *Bank) Release(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counters[id]; !ok {
		return ErrCounterNotFound
	}
	delete(b.counters, id)
	return nil
}

// Ticks is what CurrentTicks reports: elapsed time since the current tick
// session began (reset on every TPM_Startup), in tick-counter terms
// (spec.md defines a tick as implementation-specific resolution; this
// engine uses milliseconds).
type Ticks struct {
	SessionTicks uint64
	TickRate     uint32 // microseconds per tick
}

func (b *Bank) CurrentTicks() Ticks {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := b.now().Sub(b.tickSessionStart)
	return Ticks{SessionTicks: uint64(elapsed.Milliseconds()), TickRate: 1000}
}

// ResetTickSession restarts the tick session clock, as on TPM_Startup.
func (b *Bank) ResetTickSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickSessionStart = b.now()
}
