// Package logging provides structured logging for the tpmd engine and its
// host client library, built on log/slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level      Level
	Format     Format
	Output     string // "stdout", "stderr", "file", or "both"
	FilePath   string
	MaxSize    int64 // megabytes before rotation
	MaxAge     int   // days before deletion
	MaxBackups int
	Compress   bool
	AddSource  bool
	Component  string
}

// DefaultConfig returns the default logging configuration: text to stderr,
// info level. Daemons should switch to FormatJSON + "file" in production.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "tpmd",
	}
}

func defaultLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "tpmd", "tpmd.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "tpmd", "logs", "tpmd.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "tpmd", "tpmd.log")
	}
}

// Logger wraps slog.Logger with rotation and request-scoping helpers.
type Logger struct {
	*slog.Logger
	config    *Config
	writers   []io.Writer
	rotator   *FileRotator
	mu        sync.RWMutex
	requestID atomic.Uint64
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// Default returns the process-wide default logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		var err error
		defaultLogger, err = New(DefaultConfig())
		if err != nil {
			defaultLogger = &Logger{Logger: slog.Default(), config: DefaultConfig()}
		}
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg}
	if err := l.setupWriters(); err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	var w io.Writer
	if len(l.writers) == 1 {
		w = l.writers[0]
	} else {
		w = io.MultiWriter(l.writers...)
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// logRotation records that the log file rolled over to rotatedPath, via
// the rotator's own slog.Logger rather than a separate sink.
func (l *Logger) logRotation(rotatedPath string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("log file rotated", slog.String("rotated_path", rotatedPath))
}

func (l *Logger) setupWriters() error {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		l.writers = append(l.writers, os.Stdout)
	case "file":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return err
		}
		rotator.OnRotate = l.logRotation
		l.rotator = rotator
		l.writers = append(l.writers, rotator)
	case "both":
		l.writers = append(l.writers, os.Stderr)
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return err
		}
		rotator.OnRotate = l.logRotation
		l.rotator = rotator
		l.writers = append(l.writers, rotator)
	default:
		l.writers = append(l.writers, os.Stderr)
	}
	return nil
}

// shouldRedact reports whether an attribute key is likely to carry TPM
// secret material (auth data, nonces, session HMACs, private key bytes)
// that must never reach a log sink in the clear.
func shouldRedact(key string) bool {
	sensitive := []string{
		"password", "secret", "authdata", "ownerauth", "srkauth",
		"entityauth", "migrationauth", "nonce", "hmac", "privkey",
		"encdata", "sharedsecret", "rowauth", "areaauth", "token",
	}
	keyLower := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(keyLower, s) {
			return true
		}
	}
	return false
}

// WithRequestID returns a derived logger tagging every entry with id.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("request_id", id)), config: l.config, writers: l.writers, rotator: l.rotator}
}

// NewRequestID returns a unique, monotonically increasing request id.
func (l *Logger) NewRequestID() string {
	id := l.requestID.Add(1)
	return fmt.Sprintf("%s-%d-%d", l.config.Component, time.Now().UnixNano(), id)
}

// WithComponent returns a derived logger tagged with a different component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name)), config: l.config, writers: l.writers, rotator: l.rotator}
}

// WithOrdinal tags a logger with the ordinal currently being dispatched,
// the convention every engine subsystem uses when logging a command.
func (l *Logger) WithOrdinal(ordinal uint32) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("ordinal", fmt.Sprintf("0x%08x", ordinal))), config: l.config, writers: l.writers, rotator: l.rotator}
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return l.WithRequestID(reqID)
	}
	return l
}

// Close releases any open log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const requestIDKey contextKey = iota

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel parses a textual level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
