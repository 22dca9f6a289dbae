package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "debug", LevelString(LevelDebug))
	require.Equal(t, "info", LevelString(LevelInfo))
	require.Equal(t, "warn", LevelString(LevelWarn))
	require.Equal(t, "error", LevelString(LevelError))
}

func TestRedaction(t *testing.T) {
	for _, key := range []string{"ownerAuth", "srkAuth", "sessionHMAC", "entityAuth", "nonceOdd"} {
		require.True(t, shouldRedact(key), "expected %q to be redacted", key)
	}
	require.False(t, shouldRedact("ordinal"))
	require.False(t, shouldRedact("return_code"))
}

func TestLoggerJSONOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Output:    "file",
		FilePath:  filepath.Join(dir, "tpmd.log"),
		MaxSize:   10,
		Component: "engine",
	}

	l, err := New(cfg)
	require.NoError(t, err)
	defer l.Close()

	l.WithOrdinal(0x0000000D).Info("dispatch", "ownerAuth", "shouldnotappear")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)

	var entry map[string]any
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "engine", entry["component"])
	require.Equal(t, "0x0000000d", entry["ordinal"])
	require.Equal(t, "[REDACTED]", entry["ownerAuth"])
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	require.Equal(t, "req-1", RequestIDFromContext(ctx))
	require.Equal(t, "", RequestIDFromContext(context.Background()))
}

func TestAuditLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	cfg := &AuditLoggerConfig{
		FilePath:   filepath.Join(dir, "audit.log"),
		MaxSize:    10,
		MaxAge:     1,
		MaxBackups: 1,
		Component:  "tpmd",
	}

	a, err := NewAuditLogger(cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.LogStartup(ctx, "test"))
	require.NoError(t, a.LogAuthFailure(ctx, 0x0000000A, 0x12345678, "hmac mismatch"))
	require.NoError(t, a.LogLockout(ctx, 3, 0))
	require.NoError(t, a.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var event AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &event))
	require.Equal(t, AuditEventAuthFailure, event.EventType)
	require.Equal(t, uint32(0x0000000A), event.Ordinal)
	require.Equal(t, "failure", event.Result)
}
