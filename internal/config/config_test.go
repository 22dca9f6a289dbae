package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().MaxAuthSessions, cfg.MaxAuthSessions)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
transport_network = "tcp"
transport_address = "127.0.0.1:6543"
max_auth_sessions = 5
lockout_threshold = 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "tcp", cfg.TransportNetwork)
	require.Equal(t, "127.0.0.1:6543", cfg.TransportAddress)
	require.Equal(t, 5, cfg.MaxAuthSessions)
	require.Equal(t, 2, cfg.LockoutThreshold)
	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().NVStorePath, cfg.NVStorePath)
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransportNetwork = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CounterRetryWindow = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LockoutWindow = 0
	require.Error(t, cfg.Validate())
}

func TestEnsureDirectoriesCreatesParents(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PersistentStatePath = filepath.Join(dir, "sub1", "permanent.blob")
	cfg.SaveStatePath = filepath.Join(dir, "sub2", "savestate.blob")
	cfg.NVStorePath = filepath.Join(dir, "sub3", "nv.db")
	cfg.LogPath = filepath.Join(dir, "sub4", "tpmd.log")
	cfg.AuditPath = filepath.Join(dir, "sub5", "audit.log")
	cfg.ControlSocketPath = filepath.Join(dir, "sub6", "control.sock")

	require.NoError(t, cfg.EnsureDirectories())
	for _, sub := range []string{"sub1", "sub2", "sub3", "sub4", "sub5", "sub6"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestLoaderHotReloadsLockoutThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("lockout_threshold = 3\n"), 0600))

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)
	defer loader.Close()

	require.Equal(t, 3, loader.Current().LockoutThreshold)

	reloaded := make(chan *Config, 1)
	loader.OnReload(func(c *Config) { reloaded <- c })

	require.NoError(t, os.WriteFile(path, []byte("lockout_threshold = 7\n"), 0600))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 7, cfg.LockoutThreshold)
	case <-time.After(2 * time.Second):
		t.Skip("filesystem did not deliver a write event in time")
	}
}
