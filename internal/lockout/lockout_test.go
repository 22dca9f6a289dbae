package lockout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockoutTripsAtThreshold(t *testing.T) {
	l := NewLimiter(Policy{Threshold: 3, Window: time.Minute, Cooldown: time.Hour})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	require.False(t, l.RecordFailure("owner"))
	require.False(t, l.RecordFailure("owner"))
	require.True(t, l.RecordFailure("owner"))
	require.True(t, l.IsLocked("owner"))
}

func TestLockoutExpiresAfterCooldown(t *testing.T) {
	l := NewLimiter(Policy{Threshold: 1, Window: time.Minute, Cooldown: time.Second})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	l.RecordFailure("owner")
	require.True(t, l.IsLocked("owner"))

	clock = clock.Add(2 * time.Second)
	require.False(t, l.IsLocked("owner"))
}

func TestResetClearsLockout(t *testing.T) {
	l := NewLimiter(Policy{Threshold: 1, Window: time.Minute, Cooldown: time.Hour})
	l.RecordFailure("owner")
	require.True(t, l.IsLocked("owner"))

	l.Reset("owner")
	require.False(t, l.IsLocked("owner"))
}

func TestWindowResetsConsecutiveCount(t *testing.T) {
	l := NewLimiter(Policy{Threshold: 2, Window: time.Second, Cooldown: time.Hour})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	l.RecordFailure("owner")
	clock = clock.Add(2 * time.Second)
	locked := l.RecordFailure("owner")
	require.False(t, locked, "failure outside window should not accumulate toward threshold")
}
