package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/merge"
	"github.com/teranos/hub/message"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/synclog"
	"github.com/teranos/hub/trie"
)

const maxBodyBytes = 1 << 20

// Handler returns the hub's HTTP API
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.cors(h.HandleHealth))
	mux.HandleFunc("/api/messages", h.cors(h.HandleMessages))
	mux.HandleFunc("/api/onchain-events", h.cors(h.HandleOnChainEvents))
	mux.HandleFunc("/api/username-proofs", h.cors(h.HandleUsernameProofs))
	mux.HandleFunc("/api/sync", h.cors(h.HandleSync))
	mux.HandleFunc("/api/sync/status", h.cors(h.HandleSyncStatus))
	mux.HandleFunc("/api/sync/history", h.cors(h.HandleSyncHistory))
	mux.HandleFunc("/api/trie/snapshot", h.cors(h.HandleTrieSnapshot))
	mux.HandleFunc("/api/trie/rebuild", h.cors(h.HandleTrieRebuild))
	mux.HandleFunc("/api/trie/unload", h.cors(h.HandleTrieUnload))
	mux.HandleFunc("/api/stats", h.cors(h.HandleStats))
	mux.HandleFunc("/ws/events", h.HandleEvents)
	return requestID(mux)
}

// requestID tags each request's context for logging
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func (h *Hub) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && h.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin matches the Origin header by prefix against the configured
// origins, so any port is accepted. Requests without an origin pass.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config().Server.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleHealth reports the lifecycle state.
// GET /health
func (h *Hub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := http.StatusOK
	if h.State() != StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"state": h.State().String()})
}

// HandleMessages merges one signed message.
// POST /api/messages
func (h *Hub) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var m message.Message
	if readJSON(w, r, &m) != nil {
		return
	}
	res, err := h.merger.Merge(r.Context(), &m)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleOnChainEvents merges an identity event relayed by a chain watcher.
// POST /api/onchain-events
func (h *Hub) HandleOnChainEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var ev identity.OnChainEvent
	if readJSON(w, r, &ev) != nil {
		return
	}
	if err := h.merger.MergeOnChainEvent(r.Context(), &ev); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &ev)
}

// HandleUsernameProofs merges a username proof.
// POST /api/username-proofs
func (h *Hub) HandleUsernameProofs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var p identity.UsernameProof
	if readJSON(w, r, &p) != nil {
		return
	}
	if err := h.merger.MergeUsernameProof(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

// syncRequest is the JSON body for POST /api/sync
type syncRequest struct {
	Peer string `json:"peer"` // configured peer name or host:port
}

// HandleSync runs one sync attempt with a peer and returns its result.
// POST /api/sync {"peer":"west"}
func (h *Hub) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req syncRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, "Missing 'peer' field")
		return
	}

	name, addr := h.resolvePeer(req.Peer)
	h.log.Infow("Manual sync requested",
		logger.FieldPeer, name,
		logger.FieldAddress, addr)
	res := h.syncPeer(r.Context(), name, addr)
	h.broadcastSyncStatus()
	writeJSON(w, outcomeStatus(res.Outcome), res)
}

func outcomeStatus(o hubsync.Outcome) int {
	switch o {
	case hubsync.OutcomeSynced, hubsync.OutcomeNotNeeded:
		return http.StatusOK
	case hubsync.OutcomeAlreadySyncing:
		return http.StatusConflict
	case hubsync.OutcomeInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// syncStatusResponse is served by GET /api/sync/status and pushed to
// websocket clients after each tick
type syncStatusResponse struct {
	Type     string            `json:"type,omitempty"`
	Engine   hubsync.Status    `json:"engine"`
	Peers    map[string]string `json:"peers"`
	RootHash []byte            `json:"root_hash"`
	Items    int               `json:"items"`
}

func (h *Hub) syncStatus() syncStatusResponse {
	return syncStatusResponse{
		Engine:   h.sync.Status(),
		Peers:    h.peerStatuses(),
		RootHash: h.trie.RootHash(),
		Items:    h.trie.Items(),
	}
}

// HandleSyncStatus returns the engine state and peer reachability.
// GET /api/sync/status
func (h *Hub) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.syncStatus())
}

// HandleSyncHistory lists recent attempts, optionally for one peer.
// GET /api/sync/history?peer=west&limit=20
func (h *Hub) HandleSyncHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid 'limit'")
			return
		}
		limit = n
	}
	attempts, err := h.synclog.Recent(r.Context(), r.URL.Query().Get("peer"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if attempts == nil {
		attempts = []*hubsync.Result{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// HandleTrieSnapshot returns the snapshot along a prefix of sync id
// bytes; the timestamp part of an id is ASCII digits.
// GET /api/trie/snapshot?prefix=0183
func (h *Hub) HandleTrieSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	snap, err := h.trie.Snapshot([]byte(r.URL.Query().Get("prefix")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleTrieRebuild starts a background rebuild from the stores.
// POST /api/trie/rebuild
func (h *Hub) HandleTrieRebuild(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if h.trie.RebuildStatus().Running {
		writeError(w, http.StatusConflict, "Trie rebuild already running")
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.rebuildTrie(h.ctx)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleTrieUnload checkpoints the trie and drops its node cache.
// POST /api/trie/unload
func (h *Hub) HandleTrieUnload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.trie.CommitToDb(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unloaded": h.trie.UnloadChildren()})
}

// Stats summarizes every component of the hub
type Stats struct {
	State         string             `json:"state"`
	Items         int                `json:"items"`
	RootHash      []byte             `json:"root_hash"`
	LoadedNodes   int                `json:"loaded_nodes"`
	Rebuild       trie.RebuildStatus `json:"rebuild"`
	Merge         merge.Stats        `json:"merge"`
	Subscribers   int                `json:"subscribers"`
	EventsDropped uint64             `json:"events_dropped"`
	StatusDropped int64              `json:"status_dropped"`
	Clients       int                `json:"clients"`
	RPCDenied     int64              `json:"rpc_denied"`
	PendingFids   []uint64           `json:"pending_fids"`
	Sync          *synclog.Stats     `json:"sync"`
}

// Stats collects the hub's counters
func (h *Hub) Stats(ctx context.Context) (*Stats, error) {
	sl, err := h.synclog.Stats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "sync log stats")
	}
	bus := h.merger.Bus()
	return &Stats{
		State:         h.State().String(),
		Items:         h.trie.Items(),
		RootHash:      h.trie.RootHash(),
		LoadedNodes:   h.trie.LoadedNodes(),
		Rebuild:       h.trie.RebuildStatus(),
		Merge:         h.merger.Stats(),
		Subscribers:   bus.Subscribers(),
		EventsDropped: bus.Dropped(),
		StatusDropped: h.drops.Load(),
		Clients:       h.Clients(),
		RPCDenied:     h.rpcServer.Denied(),
		PendingFids:   h.retrier.Pending(),
		Sync:          sl,
	}, nil
}

// HandleStats returns Stats.
// GET /api/stats
func (h *Hub) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	st, err := h.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
