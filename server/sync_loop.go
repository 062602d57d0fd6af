package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/hub/logger"
	hubsync "github.com/teranos/hub/sync"
)

// Peer reachability as reported in sync status
const (
	peerOK          = "ok"
	peerUnreachable = "unreachable"
	peerFailed      = "failed"
)

const syncWarnInitialAttempts = 5 // warn individually for first N failures per peer

// runSyncTicker syncs with every configured peer on each tick. A zero
// interval leaves only manual syncs until a reload sets one.
func (h *Hub) runSyncTicker(ctx context.Context, interval time.Duration) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if interval > 0 {
		ticker = time.NewTicker(interval)
		tick = ticker.C
		h.log.Infow("Sync ticker started", "interval", interval)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	// Per-peer failure tracking for log suppression
	failCounts := map[string]int{}
	lastWarned := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-h.intervalCh:
			switch {
			case d <= 0 && ticker != nil:
				ticker.Stop()
				ticker, tick = nil, nil
			case d > 0 && ticker == nil:
				ticker = time.NewTicker(d)
				tick = ticker.C
			case d > 0:
				ticker.Reset(d)
			}
			h.log.Infow("Sync interval changed", "interval", d)
		case <-tick:
			h.syncAllPeers(ctx, failCounts, lastWarned)
		}
	}
}

// syncAllPeers runs one attempt per configured peer, in name order. Emits
// one summary log per tick. Individual failure warnings are suppressed
// after 5 consecutive failures per peer, then re-emitted hourly.
func (h *Hub) syncAllPeers(ctx context.Context, failCounts map[string]int, lastWarned map[string]time.Time) {
	cfg := h.config()
	if len(cfg.Sync.Peers) == 0 {
		return
	}

	var synced int
	var transferred, unreachable []string
	keep := make(map[string]bool, len(cfg.Sync.Peers))

	for _, name := range cfg.Sync.PeerNames() {
		if ctx.Err() != nil {
			return
		}
		addr := cfg.Sync.Peers[name]
		keep[addr] = true

		res := h.syncPeer(ctx, name, addr)
		switch res.Outcome {
		case hubsync.OutcomeSynced, hubsync.OutcomeNotNeeded:
			failCounts[name] = 0
			synced++
			if res.Merged > 0 {
				transferred = append(transferred, fmt.Sprintf("%s +%d", name, res.Merged))
			}
		case hubsync.OutcomeFailed:
			failCounts[name]++
			unreachable = append(unreachable, name)
			if failCounts[name] <= syncWarnInitialAttempts || time.Since(lastWarned[name]) > time.Hour {
				h.log.Warnw("Scheduled sync failed",
					logger.FieldPeer, name,
					logger.FieldAddress, addr,
					logger.FieldError, res.Error,
					"consecutive_failures", failCounts[name])
				lastWarned[name] = time.Now()
			}
		}
	}
	h.pool.Retain(keep)

	h.broadcastSyncStatus()

	if len(transferred) > 0 || len(unreachable) > 0 {
		fields := []interface{}{}
		if synced > 0 {
			fields = append(fields, "synced", synced)
		}
		if len(transferred) > 0 {
			fields = append(fields, "transferred", strings.Join(transferred, ", "))
		}
		if len(unreachable) > 0 {
			fields = append(fields, "unreachable", len(unreachable))
		}
		h.log.Infow("Sync tick", fields...)
	}
}

// syncPeer runs one attempt against addr and records the peer's
// reachability under name
func (h *Hub) syncPeer(ctx context.Context, name, addr string) *hubsync.Result {
	client, err := h.pool.Get(addr)
	if err != nil {
		h.peerStatus.Store(name, peerUnreachable)
		now := time.Now()
		return &hubsync.Result{
			Peer:       name,
			Outcome:    hubsync.OutcomeFailed,
			StartedAt:  now,
			FinishedAt: now,
			Error:      err.Error(),
		}
	}

	res := h.sync.SyncWithPeer(ctx, name, client)
	switch res.Outcome {
	case hubsync.OutcomeSynced, hubsync.OutcomeNotNeeded:
		h.peerStatus.Store(name, peerOK)
	case hubsync.OutcomeFailed:
		h.peerStatus.Store(name, peerFailed)
	}
	return res
}

// resolvePeer maps a configured peer name to its address. Anything else is
// taken as an address.
func (h *Hub) resolvePeer(peer string) (name, addr string) {
	if a, ok := h.config().Sync.Peers[peer]; ok {
		return peer, a
	}
	return peer, peer
}

// peerStatuses returns the last known reachability of every configured peer
func (h *Hub) peerStatuses() map[string]string {
	out := make(map[string]string)
	for _, name := range h.config().Sync.PeerNames() {
		status := "unknown"
		if v, ok := h.peerStatus.Load(name); ok {
			status = v.(string)
		}
		out[name] = status
	}
	return out
}
