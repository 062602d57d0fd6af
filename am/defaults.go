package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", ".hub/rocks")
	v.SetDefault("database.synclog_path", ".hub/synclog.db")

	// Merge engine defaults
	v.SetDefault("merge.commit_lock_timeout_ms", 500)
	v.SetDefault("merge.commit_lock_max_pending", 1000)
	v.SetDefault("merge.max_pending", 10000)
	v.SetDefault("merge.event_buffer", 256)
	v.SetDefault("merge.prune_limits.casts", 10000)
	v.SetDefault("merge.prune_limits.reactions", 5000)
	v.SetDefault("merge.prune_limits.links", 2500)
	v.SetDefault("merge.prune_limits.verifications", 50)
	v.SetDefault("merge.prune_limits.user_data", 50)
	v.SetDefault("merge.prune_limits.signers", 100)

	// Trie defaults
	v.SetDefault("trie.snapshot_window_seconds", 10)
	v.SetDefault("trie.fetch_all_threshold", 256)
	v.SetDefault("trie.rebuild_log_every", 10000)
	v.SetDefault("trie.rebuild_on_unclean_shutdown", false)
	v.SetDefault("trie.unload_below_available_ratio", 0.1)
	v.SetDefault("trie.memory_check_interval_seconds", 30)

	// Sync defaults
	v.SetDefault("sync.name", "hub")
	v.SetDefault("sync.interval_seconds", 60)
	v.SetDefault("sync.rpc_deadline_ms", 5000)
	v.SetDefault("sync.min_peer_version", ">= 0.1.0-0")

	// Server defaults
	v.SetDefault("server.http_port", DefaultHTTPPort)
	v.SetDefault("server.grpc_port", DefaultGRPCPort)
	v.SetDefault("server.rpc_rate_per_second", 50.0)
	v.SetDefault("server.rpc_burst", 100)
	v.SetDefault("server.prune_interval_seconds", 3600)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})
}
