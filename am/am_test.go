package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, ".hub/rocks", cfg.Database.Path)
	assert.Equal(t, 500, cfg.Merge.CommitLockTimeoutMS)
	assert.Equal(t, 1000, cfg.Merge.CommitLockMaxPending)
	assert.Equal(t, 10000, cfg.Merge.MaxPending)
	assert.Equal(t, 10, cfg.Trie.SnapshotWindowSeconds)
	assert.Equal(t, 256, cfg.Trie.FetchAllThreshold)
	assert.Equal(t, 60, cfg.Sync.IntervalSeconds)
	assert.Equal(t, DefaultHTTPPort, cfg.Server.HTTPPort)
	assert.Equal(t, DefaultGRPCPort, cfg.Server.GRPCPort)

	assert.Equal(t, 500*time.Millisecond, cfg.Merge.CommitLockTimeout())
	assert.Equal(t, 10*time.Second, cfg.Trie.SnapshotWindow())
	assert.Equal(t, 5*time.Second, cfg.Sync.RPCDeadline())

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"zero sync interval is valid (manual only)", func(c *Config) { c.Sync.IntervalSeconds = 0 }, false},
		{"zero prune limit is valid (unlimited)", func(c *Config) { c.Merge.PruneLimits.Casts = 0 }, false},
		{"zero rpc rate is valid (unlimited)", func(c *Config) { c.Server.RPCRatePerSecond = 0; c.Server.RPCBurst = 0 }, false},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, true},
		{"zero commit lock timeout", func(c *Config) { c.Merge.CommitLockTimeoutMS = 0 }, true},
		{"negative max pending", func(c *Config) { c.Merge.MaxPending = -1 }, true},
		{"negative prune limit", func(c *Config) { c.Merge.PruneLimits.Links = -5 }, true},
		{"zero snapshot window", func(c *Config) { c.Trie.SnapshotWindowSeconds = 0 }, true},
		{"zero fetch-all threshold", func(c *Config) { c.Trie.FetchAllThreshold = 0 }, true},
		{"fetch-all threshold at the id limit", func(c *Config) { c.Trie.FetchAllThreshold = MaxFetchAllThreshold }, false},
		{"fetch-all threshold above the id limit", func(c *Config) { c.Trie.FetchAllThreshold = MaxFetchAllThreshold + 1 }, true},
		{"unload ratio of one", func(c *Config) { c.Trie.UnloadBelowAvailableRatio = 1 }, true},
		{"negative sync interval", func(c *Config) { c.Sync.IntervalSeconds = -1 }, true},
		{"bad version constraint", func(c *Config) { c.Sync.MinPeerVersion = "not-a-version" }, true},
		{"empty peer address", func(c *Config) { c.Sync.Peers = map[string]string{"a": ""} }, true},
		{"port out of range", func(c *Config) { c.Server.GRPCPort = 70000 }, true},
		{"same http and grpc port", func(c *Config) { c.Server.GRPCPort = c.Server.HTTPPort }, true},
		{"rate without burst", func(c *Config) { c.Server.RPCBurst = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[sync]
interval_seconds = 15
min_peer_version = ">= 0.3.0"

[sync.peers]
alpha = "10.0.0.1:2283"

[trie]
fetch_all_threshold = 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Sync.IntervalSeconds)
	assert.Equal(t, ">= 0.3.0", cfg.Sync.MinPeerVersion)
	assert.Equal(t, "10.0.0.1:2283", cfg.Sync.Peers["alpha"])
	assert.Equal(t, 64, cfg.Trie.FetchAllThreshold)
	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Trie.SnapshotWindowSeconds)
	assert.Equal(t, 5000, cfg.Sync.RPCDeadlineMS)
}

func TestUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[sync]
intervall_seconds = 15

[trie]
fetch_all_threshold = 64

[bogus]
x = 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus", "bogus.x", "sync.intervall_seconds"}, unknown)
}

func TestAddRemovePeer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")

	require.NoError(t, AddPeer(path, "alpha", "10.0.0.1:2283"))
	require.NoError(t, AddPeer(path, "beta", "10.0.0.2:2283"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Sync.PeerNames())

	// second write rotated a backup
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)

	require.NoError(t, RemovePeer(path, "alpha"))
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, cfg.Sync.PeerNames())

	err = RemovePeer(path, "alpha")
	assert.Error(t, err)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.hub/am.toml.back1"))
	assert.True(t, isBackupFile("config.toml.back3"))
	assert.False(t, isBackupFile("/home/u/.hub/am.toml"))
	assert.False(t, isBackupFile("am.toml.backup"))
}

func TestCreateBackupRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")

	for _, body := range []string{"one", "two", "three", "four"} {
		require.NoError(t, createBackup(path))
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	}

	b1, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	b3, err := os.ReadFile(path + ".back3")
	require.NoError(t, err)
	assert.Equal(t, "three", string(b1))
	assert.Equal(t, "one", string(b3))
}

func TestConfigWatcherReloadsPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, AddPeer(path, "alpha", "10.0.0.1:2283"))

	w, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	defer w.Stop()

	reloaded := make(chan *Config, 4)
	w.OnReload(func(cfg *Config) error {
		reloaded <- cfg
		return nil
	})
	w.Start()

	require.NoError(t, AddPeer(path, "beta", "10.0.0.2:2283"))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"alpha", "beta"}, cfg.Sync.PeerNames())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not picked up")
	}
}

func TestConfigWatcherRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nrpc_deadline_ms = 0\n"), 0644))

	w, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	called := false
	w.OnReload(func(*Config) error {
		called = true
		return nil
	})
	require.Error(t, w.reload())
	assert.False(t, called)
}
