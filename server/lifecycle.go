package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/trie"
)

// State is the hub's lifecycle phase
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State returns the current lifecycle phase
func (h *Hub) State() State {
	return State(h.state.Load())
}

func (h *Hub) setState(s State) {
	h.state.Store(int32(s))
	h.log.Infow("Hub state changed", "new_state", s.String())
}

const shutdownTimeout = 10 * time.Second

// Run serves the HTTP API and the sync service and runs the background
// loops until ctx is canceled or one of them fails. It drains connections
// before returning; Close still has to be called.
func (h *Hub) Run(ctx context.Context) error {
	cfg := h.config()

	httpLis, err := h.listen(h.httpListener, cfg.Server.HTTPPort)
	if err != nil {
		return err
	}
	grpcLis, err := h.listen(h.grpcListener, cfg.Server.GRPCPort)
	if err != nil {
		httpLis.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		h.setState(StateDraining)
		h.sync.Interrupt()
		h.closeClients()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		return h.rpcServer.Serve(ctx, grpcLis)
	})
	g.Go(func() error {
		if err := h.merger.RunOwnerChanges(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		h.runSyncTicker(ctx, cfg.Sync.Interval())
		return nil
	})
	g.Go(func() error {
		h.runPruneTicker(ctx, time.Duration(cfg.Server.PruneIntervalSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		h.runMemoryMonitor(ctx, cfg.Trie)
		return nil
	})
	if h.needsRebuild {
		g.Go(func() error {
			h.rebuildTrie(ctx)
			return nil
		})
	}

	if h.configPath != "" {
		w, err := am.NewConfigWatcher(h.configPath, h.loadConfig)
		if err != nil {
			h.log.Warnw("Config hot reload disabled",
				"path", h.configPath,
				"error", err)
		} else {
			w.OnReload(h.applyConfig)
			w.Start()
			defer w.Stop()
		}
	}

	h.setState(StateRunning)
	h.log.Infow("Hub started",
		"http", httpLis.Addr().String(),
		"grpc", grpcLis.Addr().String(),
		"peers", len(cfg.Sync.Peers),
		"sync_interval", cfg.Sync.Interval())

	err = g.Wait()
	h.setState(StateStopped)
	return err
}

func (h *Hub) listen(lis net.Listener, port int) (net.Listener, error) {
	if lis != nil {
		return lis, nil
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", port)
	}
	return l, nil
}

// applyConfig swaps the peer set and sync interval. Store paths and ports
// only change on restart.
func (h *Hub) applyConfig(next *am.Config) error {
	prev := h.config()
	merged := *prev
	merged.Sync.Peers = next.Sync.Peers
	merged.Sync.IntervalSeconds = next.Sync.IntervalSeconds
	h.cfg.Store(&merged)

	if next.Sync.IntervalSeconds != prev.Sync.IntervalSeconds {
		select {
		case h.intervalCh <- next.Sync.Interval():
		default:
			// a pending change is replaced
			select {
			case <-h.intervalCh:
			default:
			}
			h.intervalCh <- next.Sync.Interval()
		}
	}
	h.log.Infow("Applied config reload",
		"peers", len(merged.Sync.Peers),
		"sync_interval", merged.Sync.Interval())
	return nil
}

// rebuildTrie regenerates the trie from the stores. Merges keep flowing
// while it runs.
func (h *Hub) rebuildTrie(ctx context.Context) {
	h.log.Infow("Rebuilding trie in the background")
	if err := h.trie.Rebuild(ctx, trie.Sources{h.stores, h.registry}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Errorw("Trie rebuild failed",
			"error", err)
	}
}
