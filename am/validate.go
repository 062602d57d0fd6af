package am

import (
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/hub/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	// Merge engine: timeouts and queue bounds must be positive
	if c.Merge.CommitLockTimeoutMS <= 0 {
		return errors.Newf("merge.commit_lock_timeout_ms must be > 0, got %d", c.Merge.CommitLockTimeoutMS)
	}
	if c.Merge.CommitLockMaxPending <= 0 {
		return errors.Newf("merge.commit_lock_max_pending must be > 0, got %d", c.Merge.CommitLockMaxPending)
	}
	if c.Merge.MaxPending <= 0 {
		return errors.Newf("merge.max_pending must be > 0, got %d", c.Merge.MaxPending)
	}
	if c.Merge.EventBuffer < 0 {
		return errors.Newf("merge.event_buffer must be >= 0, got %d", c.Merge.EventBuffer)
	}

	// Prune limits: 0 = unlimited, negative = invalid
	limits := map[string]int{
		"casts":         c.Merge.PruneLimits.Casts,
		"reactions":     c.Merge.PruneLimits.Reactions,
		"links":         c.Merge.PruneLimits.Links,
		"verifications": c.Merge.PruneLimits.Verifications,
		"user_data":     c.Merge.PruneLimits.UserData,
		"signers":       c.Merge.PruneLimits.Signers,
	}
	for name, limit := range limits {
		if limit < 0 {
			return errors.Newf("merge.prune_limits.%s must be >= 0, got %d", name, limit)
		}
	}

	if c.Trie.SnapshotWindowSeconds <= 0 {
		return errors.Newf("trie.snapshot_window_seconds must be > 0, got %d", c.Trie.SnapshotWindowSeconds)
	}
	if c.Trie.FetchAllThreshold <= 0 || c.Trie.FetchAllThreshold > MaxFetchAllThreshold {
		return errors.Newf("trie.fetch_all_threshold must be in [1, %d], got %d", MaxFetchAllThreshold, c.Trie.FetchAllThreshold)
	}
	if c.Trie.RebuildLogEvery <= 0 {
		return errors.Newf("trie.rebuild_log_every must be > 0, got %d", c.Trie.RebuildLogEvery)
	}
	if c.Trie.UnloadBelowAvailableRatio < 0 || c.Trie.UnloadBelowAvailableRatio >= 1 {
		return errors.Newf("trie.unload_below_available_ratio must be in [0, 1), got %f", c.Trie.UnloadBelowAvailableRatio)
	}
	if c.Trie.MemoryCheckIntervalSeconds < 0 {
		return errors.Newf("trie.memory_check_interval_seconds must be >= 0, got %d", c.Trie.MemoryCheckIntervalSeconds)
	}

	// Sync interval: 0 = manual sync only
	if c.Sync.IntervalSeconds < 0 {
		return errors.Newf("sync.interval_seconds must be >= 0, got %d", c.Sync.IntervalSeconds)
	}
	if c.Sync.RPCDeadlineMS <= 0 {
		return errors.Newf("sync.rpc_deadline_ms must be > 0, got %d", c.Sync.RPCDeadlineMS)
	}
	if c.Sync.MinPeerVersion != "" {
		if _, err := semver.NewConstraint(c.Sync.MinPeerVersion); err != nil {
			return errors.Wrapf(err, "sync.min_peer_version %q is not a valid constraint", c.Sync.MinPeerVersion)
		}
	}
	for name, addr := range c.Sync.Peers {
		if addr == "" {
			return errors.Newf("sync.peers.%s has an empty address", name)
		}
	}

	if err := validatePort("server.http_port", c.Server.HTTPPort); err != nil {
		return err
	}
	if err := validatePort("server.grpc_port", c.Server.GRPCPort); err != nil {
		return err
	}
	if c.Server.HTTPPort == c.Server.GRPCPort {
		return errors.Newf("server.http_port and server.grpc_port must differ, both are %d", c.Server.HTTPPort)
	}

	// Rate limit: 0 = unlimited
	if c.Server.RPCRatePerSecond < 0 {
		return errors.Newf("server.rpc_rate_per_second must be >= 0, got %f", c.Server.RPCRatePerSecond)
	}
	if c.Server.RPCRatePerSecond > 0 && c.Server.RPCBurst <= 0 {
		return errors.Newf("server.rpc_burst must be > 0 when rate limiting, got %d", c.Server.RPCBurst)
	}
	if c.Server.PruneIntervalSeconds < 0 {
		return errors.Newf("server.prune_interval_seconds must be >= 0, got %d", c.Server.PruneIntervalSeconds)
	}

	return nil
}

func validatePort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return errors.Newf("%s must be in 1..65535, got %d", key, port)
	}
	return nil
}

// UnknownKeys decodes a config file strictly and returns the keys that do
// not map to any Config field, sorted. Viper silently ignores these, so a
// typo like "sync.intervall_seconds" would otherwise go unnoticed.
func UnknownKeys(configPath string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", configPath)
	}

	var unknown []string
	for _, key := range md.Undecoded() {
		unknown = append(unknown, key.String())
	}
	sort.Strings(unknown)
	return unknown, nil
}
