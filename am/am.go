package am

import "time"

// Config represents the hub configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Merge    MergeConfig    `mapstructure:"merge" toml:"merge" json:"merge" yaml:"merge"`
	Trie     TrieConfig     `mapstructure:"trie" toml:"trie" json:"trie" yaml:"trie"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync" json:"sync" yaml:"sync"`
	Server   ServerConfig   `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
}

// DatabaseConfig configures the durable stores
type DatabaseConfig struct {
	Path        string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`                                 // leveldb directory holding trie + stores
	SyncLogPath string `mapstructure:"synclog_path" toml:"synclog_path" json:"synclog_path" yaml:"synclog_path"` // sqlite file for sync attempt history
}

// MergeConfig configures the CRDT merge engine
type MergeConfig struct {
	CommitLockTimeoutMS  int               `mapstructure:"commit_lock_timeout_ms" toml:"commit_lock_timeout_ms" json:"commit_lock_timeout_ms" yaml:"commit_lock_timeout_ms"`
	CommitLockMaxPending int               `mapstructure:"commit_lock_max_pending" toml:"commit_lock_max_pending" json:"commit_lock_max_pending" yaml:"commit_lock_max_pending"` // waiters across all buckets
	MaxPending           int               `mapstructure:"max_pending" toml:"max_pending" json:"max_pending" yaml:"max_pending"`                                                 // admission ceiling for in-flight merges
	EventBuffer          int               `mapstructure:"event_buffer" toml:"event_buffer" json:"event_buffer" yaml:"event_buffer"`                                             // per-subscriber event channel size
	PruneLimits          PruneLimitsConfig `mapstructure:"prune_limits" toml:"prune_limits" json:"prune_limits" yaml:"prune_limits"`
}

// PruneLimitsConfig caps the number of records kept per fid in each store.
// 0 disables pruning for that store.
type PruneLimitsConfig struct {
	Casts         int `mapstructure:"casts" toml:"casts" json:"casts" yaml:"casts"`
	Reactions     int `mapstructure:"reactions" toml:"reactions" json:"reactions" yaml:"reactions"`
	Links         int `mapstructure:"links" toml:"links" json:"links" yaml:"links"`
	Verifications int `mapstructure:"verifications" toml:"verifications" json:"verifications" yaml:"verifications"`
	UserData      int `mapstructure:"user_data" toml:"user_data" json:"user_data" yaml:"user_data"`
	Signers       int `mapstructure:"signers" toml:"signers" json:"signers" yaml:"signers"`
}

// TrieConfig configures the Merkle trie and its maintenance
type TrieConfig struct {
	SnapshotWindowSeconds      int     `mapstructure:"snapshot_window_seconds" toml:"snapshot_window_seconds" json:"snapshot_window_seconds" yaml:"snapshot_window_seconds"`
	FetchAllThreshold          int     `mapstructure:"fetch_all_threshold" toml:"fetch_all_threshold" json:"fetch_all_threshold" yaml:"fetch_all_threshold"`
	RebuildLogEvery            int     `mapstructure:"rebuild_log_every" toml:"rebuild_log_every" json:"rebuild_log_every" yaml:"rebuild_log_every"`
	RebuildOnUncleanShutdown   bool    `mapstructure:"rebuild_on_unclean_shutdown" toml:"rebuild_on_unclean_shutdown" json:"rebuild_on_unclean_shutdown" yaml:"rebuild_on_unclean_shutdown"`
	UnloadBelowAvailableRatio  float64 `mapstructure:"unload_below_available_ratio" toml:"unload_below_available_ratio" json:"unload_below_available_ratio" yaml:"unload_below_available_ratio"` // 0 = never unload
	MemoryCheckIntervalSeconds int     `mapstructure:"memory_check_interval_seconds" toml:"memory_check_interval_seconds" json:"memory_check_interval_seconds" yaml:"memory_check_interval_seconds"`
}

// SyncConfig configures peer-to-peer trie sync
type SyncConfig struct {
	Name            string            `mapstructure:"name" toml:"name" json:"name" yaml:"name"`                                                 // advertised to peers in GetInfo
	IntervalSeconds int               `mapstructure:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"` // 0 = manual only
	RPCDeadlineMS   int               `mapstructure:"rpc_deadline_ms" toml:"rpc_deadline_ms" json:"rpc_deadline_ms" yaml:"rpc_deadline_ms"`
	MinPeerVersion  string            `mapstructure:"min_peer_version" toml:"min_peer_version" json:"min_peer_version" yaml:"min_peer_version"` // semver constraint, e.g. ">= 0.4.0"
	Peers           map[string]string `mapstructure:"peers" toml:"peers" json:"peers" yaml:"peers"`                                             // name = "host:grpc_port"
}

// ServerConfig configures the HTTP API and the gRPC sync service
type ServerConfig struct {
	HTTPPort             int      `mapstructure:"http_port" toml:"http_port" json:"http_port" yaml:"http_port"`
	GRPCPort             int      `mapstructure:"grpc_port" toml:"grpc_port" json:"grpc_port" yaml:"grpc_port"`
	RPCRatePerSecond     float64  `mapstructure:"rpc_rate_per_second" toml:"rpc_rate_per_second" json:"rpc_rate_per_second" yaml:"rpc_rate_per_second"` // per remote peer, 0 = unlimited
	RPCBurst             int      `mapstructure:"rpc_burst" toml:"rpc_burst" json:"rpc_burst" yaml:"rpc_burst"`
	PruneIntervalSeconds int      `mapstructure:"prune_interval_seconds" toml:"prune_interval_seconds" json:"prune_interval_seconds" yaml:"prune_interval_seconds"` // 0 = no pruning
	AllowedOrigins       []string `mapstructure:"allowed_origins" toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// Server port constants
const (
	DefaultHTTPPort = 2281
	DefaultGRPCPort = 2283
)

// MaxFetchAllThreshold is the most ids a peer returns for one prefix, so
// trie.fetch_all_threshold may not exceed it
const MaxFetchAllThreshold = 1024

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// CommitLockTimeout returns the bucket commit lock timeout
func (c MergeConfig) CommitLockTimeout() time.Duration {
	return time.Duration(c.CommitLockTimeoutMS) * time.Millisecond
}

// SnapshotWindow returns the snapshot quantization window
func (c TrieConfig) SnapshotWindow() time.Duration {
	return time.Duration(c.SnapshotWindowSeconds) * time.Second
}

// Interval returns the sync ticker interval; 0 disables periodic sync
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RPCDeadline returns the per-call deadline for peer RPCs
func (c SyncConfig) RPCDeadline() time.Duration {
	return time.Duration(c.RPCDeadlineMS) * time.Millisecond
}
