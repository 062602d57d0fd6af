package server

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/logger"
)

const defaultMemoryCheckInterval = 30 * time.Second

// memoryStats reads system memory via gopsutil
func memoryStats() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

// runPruneTicker trims every fid's stores to their limits on each tick
func (h *Hub) runPruneTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.prune(ctx)
		}
	}
}

func (h *Hub) prune(ctx context.Context) {
	start := time.Now()
	n, err := h.merger.PruneAll(ctx)
	if err != nil {
		h.log.Warnw("Prune pass failed",
			logger.FieldCount, n,
			logger.FieldError, err)
		return
	}
	if n > 0 {
		h.log.Infow("Pruned messages over store limits",
			logger.FieldCount, n,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
}

// runMemoryMonitor checkpoints the trie and drops its node cache whenever
// available system memory falls below the configured share of the total
func (h *Hub) runMemoryMonitor(ctx context.Context, cfg am.TrieConfig) {
	if cfg.UnloadBelowAvailableRatio <= 0 {
		return
	}
	interval := time.Duration(cfg.MemoryCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultMemoryCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkMemory(cfg.UnloadBelowAvailableRatio)
		}
	}
}

// checkMemory reports whether the trie cache was unloaded
func (h *Hub) checkMemory(ratio float64) bool {
	total, available, err := h.memStats()
	if err != nil {
		h.log.Debugw("Memory check failed", logger.FieldError, err)
		return false
	}
	if total == 0 || float64(available)/float64(total) >= ratio {
		return false
	}
	h.log.Warnw("Available memory low, unloading trie cache",
		"available_mb", available/(1<<20),
		"total_mb", total/(1<<20),
		"loaded_nodes", h.trie.LoadedNodes())
	if err := h.trie.CommitToDb(); err != nil {
		h.log.Errorw("Trie checkpoint before unload failed", logger.FieldError, err)
		return false
	}
	h.trie.UnloadChildren()
	return true
}
