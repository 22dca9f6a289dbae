package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// HotReloadable holds the subset of Config that may change without
// restarting the Engine: logging knobs and the lockout policy. Transport
// bind address and persistence paths are fixed at process start — swapping
// them under a live Engine would violate the single-mutation-point
// invariant the dispatcher relies on.
type HotReloadable struct {
	LogLevel         string
	LockoutThreshold int
}

// Loader watches a config file for changes and hands each reloaded
// Config, in full, to the registered callbacks.
type Loader struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	onFile  []func(*Config)
	done    chan struct{}
}

// NewLoader loads path once and starts watching it for further changes.
// If path cannot be watched (e.g. it doesn't exist yet), the loader still
// returns the initial configuration, logs a warning through logger when
// one is given, and runs without hot-reload.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{path: path, logger: logger, done: make(chan struct{})}
	l.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if logger != nil {
			logger.Warn("config hot-reload unavailable", "error", err)
		}
		return l, nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		if logger != nil {
			logger.Warn("config hot-reload watch failed, continuing without it", "path", path, "error", err)
		}
		return l, nil
	}

	l.watcher = watcher
	go l.watchLoop()
	return l, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// OnReload registers fn to be called with the newly loaded config whenever
// the file changes. fn is invoked synchronously from the watch goroutine.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFile = append(l.onFile, fn)
}

func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			if l.logger != nil {
				l.logger.Warn("config watcher error", "error", err)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("config reload failed, keeping previous config", "error", err)
		}
		return
	}
	if err := cfg.Validate(); err != nil {
		if l.logger != nil {
			l.logger.Warn("reloaded config failed validation, keeping previous config", "error", err)
		}
		return
	}

	prev := l.current.Swap(cfg)
	if l.logger != nil {
		l.logger.Info("configuration reloaded", "log_level", cfg.LogLevel, "lockout_threshold", cfg.LockoutThreshold)
	}
	_ = prev

	l.mu.Lock()
	callbacks := append([]func(*Config){}, l.onFile...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops watching the config file.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
