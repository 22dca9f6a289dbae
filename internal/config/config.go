// Package config handles daemon configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tpmd daemon configuration.
type Config struct {
	// TransportNetwork is "tcp" or "unix".
	TransportNetwork string `toml:"transport_network"`
	// TransportAddress is a TCP "host:port" or a UNIX socket path, per
	// TransportNetwork.
	TransportAddress string `toml:"transport_address"`

	// ControlSocketPath is the operational control socket, separate from
	// the TPM command transport.
	ControlSocketPath string `toml:"control_socket_path"`

	// MasterSecretPath is the process-local secret persist.Load/Save
	// derive their blob integrity keys from. Never transmitted on the
	// wire; generated on first run if absent.
	MasterSecretPath string `toml:"master_secret_path"`

	// PersistentStatePath is the permanent-state blob path.
	PersistentStatePath string `toml:"persistent_state_path"`
	// SaveStatePath is the savestate blob path, written on TPM_SaveState.
	SaveStatePath string `toml:"savestate_path"`
	// VolatileStatePath is the optional volatile-state sidecar; empty
	// disables volatile persistence.
	VolatileStatePath string `toml:"volatile_state_path"`

	// NVStorePath is the SQLite database backing NV indices. Counters and
	// delegation tables are held in memory only and are not stored here.
	NVStorePath string `toml:"nv_store_path"`

	// MaxAuthSessions is TPM_MIN_AUTH_SESSIONS.
	MaxAuthSessions int `toml:"max_auth_sessions"`
	// MaxTransportSessions is TPM_MIN_TRANS_SESSIONS.
	MaxTransportSessions int `toml:"max_transport_sessions"`
	// MaxKeySlots bounds the loaded-key table.
	MaxKeySlots int `toml:"max_key_slots"`

	// CounterRetryWindow is the minimum spacing between successful
	// IncrementCounter calls on the same counter before TPM_RETRY.
	CounterRetryWindow time.Duration `toml:"counter_retry_window"`

	// LockoutThreshold is the number of consecutive TPM_AUTHFAIL responses
	// within LockoutWindow that trips TPM_DEFEND_LOCK_RUNNING.
	LockoutThreshold int `toml:"lockout_threshold"`
	// LockoutWindow is the sliding window consecutive failures are
	// counted within.
	LockoutWindow time.Duration `toml:"lockout_window"`
	// LockoutCooldown is how long lockout lasts absent TPM_ResetLockValue.
	LockoutCooldown time.Duration `toml:"lockout_cooldown"`

	// MaxCommandSize is the maximum accepted paramSize (TPM_SIZE above this).
	MaxCommandSize uint32 `toml:"max_command_size"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	AuditPath string `toml:"audit_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		TransportNetwork:     "unix",
		TransportAddress:     filepath.Join(dir, "tpm.sock"),
		ControlSocketPath:    filepath.Join(dir, "control.sock"),
		MasterSecretPath:     filepath.Join(dir, "master.secret"),
		PersistentStatePath:  filepath.Join(dir, "permanent.blob"),
		SaveStatePath:        filepath.Join(dir, "savestate.blob"),
		VolatileStatePath:    "",
		NVStorePath:          filepath.Join(dir, "nvstore.db"),
		MaxAuthSessions:      3,
		MaxTransportSessions: 2,
		MaxKeySlots:          8,
		CounterRetryWindow:   5 * time.Second,
		LockoutThreshold:     3,
		LockoutWindow:        60 * time.Second,
		LockoutCooldown:      10 * time.Minute,
		MaxCommandSize:       4096,
		LogLevel:             "info",
		LogFormat:            "text",
		LogPath:              filepath.Join(dir, "tpmd.log"),
		AuditPath:            filepath.Join(dir, "audit.log"),
	}
}

// DataDir returns the base directory tpmd stores its state under, honoring
// TPMD_CONFIG's sibling convention of a single state root.
func DataDir() string {
	if dir := os.Getenv("TPMD_DATA_DIR"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tpmd")
}

// ConfigPath returns the default configuration file path, honoring the
// TPMD_CONFIG environment variable when set.
func ConfigPath() string {
	if p := os.Getenv("TPMD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults for any
// field the file doesn't set and for the whole config if the file is
// absent.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	switch c.TransportNetwork {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: transport_network must be \"tcp\" or \"unix\", got %q", c.TransportNetwork)
	}
	if c.TransportAddress == "" {
		return errors.New("config: transport_address is required")
	}
	if c.MasterSecretPath == "" {
		return errors.New("config: master_secret_path is required")
	}
	if c.PersistentStatePath == "" {
		return errors.New("config: persistent_state_path is required")
	}
	if c.NVStorePath == "" {
		return errors.New("config: nv_store_path is required")
	}
	if c.MaxAuthSessions < 1 {
		return errors.New("config: max_auth_sessions must be at least 1")
	}
	if c.MaxTransportSessions < 1 {
		return errors.New("config: max_transport_sessions must be at least 1")
	}
	if c.MaxKeySlots < 1 {
		return errors.New("config: max_key_slots must be at least 1")
	}
	if c.CounterRetryWindow <= 0 {
		return errors.New("config: counter_retry_window must be positive")
	}
	if c.LockoutThreshold < 1 {
		return errors.New("config: lockout_threshold must be at least 1")
	}
	if c.LockoutWindow <= 0 {
		return errors.New("config: lockout_window must be positive")
	}
	if c.LockoutCooldown <= 0 {
		return errors.New("config: lockout_cooldown must be positive")
	}
	if c.MaxCommandSize < 10 {
		return errors.New("config: max_command_size must be at least 10 (header size)")
	}
	return nil
}

// EnsureDirectories creates all directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.MasterSecretPath),
		filepath.Dir(c.PersistentStatePath),
		filepath.Dir(c.SaveStatePath),
		filepath.Dir(c.NVStorePath),
		filepath.Dir(c.LogPath),
		filepath.Dir(c.AuditPath),
		filepath.Dir(c.ControlSocketPath),
	}
	if c.TransportNetwork == "unix" {
		dirs = append(dirs, filepath.Dir(c.TransportAddress))
	}

	seen := make(map[string]bool)
	for _, dir := range dirs {
		if dir == "" || dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
