package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType identifies a security-relevant daemon event. Distinct from
// the TPM-internal ordinal audit digest chained in internal/counter — this
// is the ambient operational trail for the process itself.
type AuditEventType string

const (
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
	AuditEventConfigChange  AuditEventType = "config_change"
	AuditEventOwnershipTake AuditEventType = "take_ownership"
	AuditEventKeyLoaded     AuditEventType = "key_loaded"
	AuditEventKeyCreated    AuditEventType = "key_created"
	AuditEventKeyEvicted    AuditEventType = "key_evicted"
	AuditEventSessionOpen   AuditEventType = "session_open"
	AuditEventSessionClose  AuditEventType = "session_close"
	AuditEventAuthFailure   AuditEventType = "auth_failure"
	AuditEventLockout       AuditEventType = "lockout"
	AuditEventLockoutClear  AuditEventType = "lockout_clear"
	AuditEventFatalFailure  AuditEventType = "fatal_failure"
	AuditEventNVDefine      AuditEventType = "nv_define"
	AuditEventNVWrite       AuditEventType = "nv_write"
)

// AuditEvent is one entry in the operational audit trail.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	Ordinal    uint32                 `json:"ordinal,omitempty"`
	Handle     uint32                 `json:"handle,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig configures the audit trail sink.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "tpmd",
	}
}

func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "tpmd", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "tpmd", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "tpmd", "audit.log")
	}
}

// AuditLogger writes the operational audit trail as newline-delimited JSON.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			defaultAuditLogger = &AuditLogger{config: DefaultAuditConfig()}
		}
	})
	return defaultAuditLogger
}

func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger opens the audit sink described by cfg.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{config: cfg, rotator: rotator}, nil
}

// Log appends event to the audit trail.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(1); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	if a.rotator == nil {
		slog.Default().Warn("audit sink unavailable, dropping event", "event_type", event.EventType)
		return nil
	}
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogAuthFailure records a rejected authorization attempt.
func (a *AuditLogger) LogAuthFailure(ctx context.Context, ordinal, handle uint32, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAuthFailure,
		Ordinal:   ordinal,
		Handle:    handle,
		Action:    "hmac_verify",
		Result:    "failure",
		Error:     reason,
	})
}

// LogLockout records entry into the authorization lockout state.
func (a *AuditLogger) LogLockout(ctx context.Context, consecutiveFailures int, cooldown time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventLockout,
		Action:    "defend_lock_running",
		Result:    "denied",
		Details: map[string]interface{}{
			"consecutive_failures": consecutiveFailures,
			"cooldown_seconds":     cooldown.Seconds(),
		},
	})
}

// LogLockoutClear records TPM_ResetLockValue clearing an active lockout.
func (a *AuditLogger) LogLockoutClear(ctx context.Context) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventLockoutClear,
		Action:    "reset_lock_value",
		Result:    "success",
	})
}

// LogFatalFailure records a transition into TPM failure mode.
func (a *AuditLogger) LogFatalFailure(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFatalFailure,
		Action:    "enter_failure_mode",
		Result:    "failure",
		Error:     reason,
	})
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   map[string]interface{}{"version": version},
	})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
}

func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Audit logs an event using the process-wide default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}
