// Package lockout implements the authorization failure lockout policy:
// after a threshold of consecutive TPM_AUTHFAIL responses within a
// sliding window, further auth attempts are refused for a cooldown
// period, clearable early by TPM_ResetLockValue under owner auth.
package lockout

import (
	"sync"
	"time"
)

// Policy configures the lockout thresholds: by default, 3 consecutive
// failures within a 60s window trip a 10 minute cooldown.
type Policy struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultPolicy returns the resolved default lockout policy.
func DefaultPolicy() Policy {
	return Policy{Threshold: 3, Window: 60 * time.Second, Cooldown: 10 * time.Minute}
}

type record struct {
	consecutive int
	lastFailure time.Time
	lockedUntil time.Time
}

// Limiter tracks consecutive authorization failures per entity (keyed by
// whatever the caller considers the auth scope — the TPM only has one
// owner, so in practice this is keyed by a constant, but per-key or
// per-session keying is supported for delegation rows).
type Limiter struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*record
	now     func() time.Time
}

// NewLimiter creates a Limiter enforcing policy.
func NewLimiter(policy Policy) *Limiter {
	return &Limiter{policy: policy, records: make(map[string]*record), now: time.Now}
}

// SetThreshold updates the consecutive-failure threshold in place, for a
// live policy change (e.g. a hot-reloaded config) without discarding
// existing per-entity failure records.
func (l *Limiter) SetThreshold(threshold int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy.Threshold = threshold
}

// IsLocked reports whether key is currently within a lockout cooldown.
func (l *Limiter) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return false
	}
	return l.now().Before(rec.lockedUntil)
}

// RecordFailure registers an authorization failure for key. It returns
// true if this failure has just tripped (or is within) lockout.
func (l *Limiter) RecordFailure(key string) (lockedOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	if now.Sub(rec.lastFailure) > l.policy.Window {
		rec.consecutive = 0
	}
	rec.consecutive++
	rec.lastFailure = now

	if rec.consecutive >= l.policy.Threshold {
		rec.lockedUntil = now.Add(l.policy.Cooldown)
		return true
	}
	return now.Before(rec.lockedUntil)
}

// RecordSuccess clears the consecutive-failure count for key (a
// successful auth resets the window, though an active lockout continues
// until it expires or is explicitly reset).
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		rec.consecutive = 0
	}
}

// Reset clears lockout state for key immediately — the effect of
// TPM_ResetLockValue under owner auth.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}
