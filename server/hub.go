// Package server runs a hub: it opens the stores and trie, serves the sync
// service to peers over gRPC, syncs with configured peers on a ticker,
// exposes an HTTP API for operators and streams merge events to websocket
// clients.
package server

import (
	"context"
	"database/sql"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/db"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/merge"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/rpc"
	"github.com/teranos/hub/store"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/synclog"
	"github.com/teranos/hub/trie"
)

// Options configure New. Listeners are optional; when nil the ports from
// the configuration are used.
type Options struct {
	Config       *am.Config
	ConfigPath   string    // watched for peer and interval changes; empty disables reload
	ConfigLoader am.Loader // reloads ConfigPath; nil reads that file alone
	Network      message.Network
	Log          *zap.SugaredLogger
	HTTPListener net.Listener
	GRPCListener net.Listener
	DialOptions  []grpc.DialOption
}

// Hub owns every component of a running hub
type Hub struct {
	cfg        atomic.Pointer[am.Config]
	configPath string
	loadConfig am.Loader
	log        *zap.SugaredLogger

	kv        *kv.DB
	trie      *trie.Trie
	stores    *store.Stores
	registry  *identity.Registry
	retrier   *identity.LogRetrier
	merger    *merge.Engine
	sync      *hubsync.Engine
	local     *hubsync.Local
	rpcServer *rpc.Server
	pool      *rpc.Pool
	sqlDB     *sql.DB
	synclog   *synclog.Store

	httpListener net.Listener
	grpcListener net.Listener

	// needsRebuild is set after an unclean shutdown or an interrupted rebuild
	needsRebuild bool

	peerStatus sync.Map // peer name -> "ok" | "unreachable" | "failed"
	intervalCh chan time.Duration

	clientsMu sync.RWMutex
	clients   map[*wsClient]bool
	drops     atomic.Int64

	memStats func() (total, available uint64, err error)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// New opens the hub's stores and wires its components. Close releases them.
func New(opts Options) (h *Hub, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("hub config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logger.ComponentLogger("hub")
	}

	h = &Hub{
		configPath:   opts.ConfigPath,
		loadConfig:   opts.ConfigLoader,
		log:          log,
		httpListener: opts.HTTPListener,
		grpcListener: opts.GRPCListener,
		intervalCh:   make(chan time.Duration, 1),
		clients:      make(map[*wsClient]bool),
		memStats:     memoryStats,
	}
	h.cfg.Store(cfg)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	if h.kv, err = kv.Open(cfg.Database.Path); err != nil {
		return nil, err
	}
	h.needsRebuild = !h.kv.WasCleanShutdown() && cfg.Trie.RebuildOnUncleanShutdown
	if !h.kv.WasCleanShutdown() {
		log.Warnw("Previous shutdown was not clean",
			"path", cfg.Database.Path,
			"rebuild", h.needsRebuild)
	}

	if h.trie, err = trie.Open(h.kv, trie.Options{RebuildLogEvery: cfg.Trie.RebuildLogEvery}, logger.ComponentLogger("trie")); err != nil {
		return nil, err
	}
	h.needsRebuild = h.needsRebuild || h.trie.RebuildPending()
	h.stores = store.New(h.kv, store.LimitsFromConfig(cfg.Merge.PruneLimits))
	h.registry = identity.NewRegistry(h.kv, logger.ComponentLogger("identity"))
	h.retrier = identity.NewLogRetrier(logger.ComponentLogger("identity"))

	bus := merge.NewBus(logger.ComponentLogger("events"))
	h.merger = merge.NewEngine(h.kv, h.trie, h.stores, h.registry,
		message.NewValidator(opts.Network), bus, merge.ConfigFrom(cfg.Merge), logger.ComponentLogger("merge"))

	if h.sqlDB, err = db.OpenWithMigrations(cfg.Database.SyncLogPath, logger.ComponentLogger("db")); err != nil {
		return nil, err
	}
	h.synclog = synclog.NewStore(h.sqlDB)

	if h.sync, err = hubsync.NewEngine(h.trie, h.merger, h.retrier, h.synclog,
		hubsync.ConfigFrom(cfg), logger.ComponentLogger("sync")); err != nil {
		return nil, err
	}
	h.local = hubsync.NewLocal(cfg.Sync.Name, h.trie, h.stores)
	h.rpcServer = rpc.NewServer(h.local, rpc.ServerConfigFrom(cfg.Server), logger.ComponentLogger("rpc"))
	h.pool = rpc.NewPool(logger.ComponentLogger("rpc"), opts.DialOptions...)
	return h, nil
}

// config returns the current configuration, replaced on reload
func (h *Hub) config() *am.Config {
	return h.cfg.Load()
}

// Merger exposes the merge engine (chain watchers and tests feed it)
func (h *Hub) Merger() *merge.Engine { return h.merger }

// Trie exposes the sync trie
func (h *Hub) Trie() *trie.Trie { return h.trie }

// SyncEngine exposes the sync engine
func (h *Hub) SyncEngine() *hubsync.Engine { return h.sync }

// SyncLog exposes the sync attempt history
func (h *Hub) SyncLog() *synclog.Store { return h.synclog }

// Retrier exposes the identity refetch requests raised during sync
func (h *Hub) Retrier() *identity.LogRetrier { return h.retrier }

// Close stops background work and closes the stores. The kv store records
// a clean shutdown only when it is closed here.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { h.closeErr = h.close() })
	return h.closeErr
}

func (h *Hub) close() error {
	h.cancel()
	if h.sync != nil {
		h.sync.Stop()
	}
	h.wg.Wait()

	var errs error
	if h.pool != nil {
		h.pool.Close()
	}
	if h.sqlDB != nil {
		if err := h.sqlDB.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close sync log"))
		}
	}
	if h.trie != nil {
		if err := h.trie.CommitToDb(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if h.kv != nil {
		if err := h.kv.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
