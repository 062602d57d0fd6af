package sync

import (
	"bytes"
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/merge"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

// State is the phase of the current sync attempt
type State string

const (
	StateIdle                   State = "idle"
	StateComputingLocalSnapshot State = "computing_local_snapshot"
	StateAwaitingPeerSnapshot   State = "awaiting_peer_snapshot"
	StateComparingSnapshots     State = "comparing_snapshots"
	StateNotNeeded              State = "not_needed"
	StateLocatingDivergence     State = "locating_divergence"
	StateFetchingMissing        State = "fetching_missing"
	StateMerging                State = "merging"
)

// Outcome summarizes how an attempt ended
type Outcome string

const (
	OutcomeSynced         Outcome = "synced"
	OutcomeNotNeeded      Outcome = "not_needed"
	OutcomeAlreadySyncing Outcome = "already_syncing"
	OutcomeInterrupted    Outcome = "interrupted"
	OutcomeFailed         Outcome = "failed"
)

// ErrInterrupted: the attempt stopped because Interrupt or Stop was called
var ErrInterrupted = errors.Wrap(errors.ErrUnavailable, "sync interrupted")

// Result describes one sync attempt
type Result struct {
	AttemptID        string    `json:"attempt_id"`
	Peer             string    `json:"peer"`
	Outcome          Outcome   `json:"outcome"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	DivergencePrefix []byte    `json:"divergence_prefix,omitempty"`
	Fetched          int       `json:"fetched"`
	Merged           int       `json:"merged"`
	Duplicates       int       `json:"duplicates"`
	Conflicts        int       `json:"conflicts"`
	Failed           int       `json:"failed"`
	Deferred         int       `json:"deferred"` // identity ids handed to the retrier
	Error            string    `json:"error,omitempty"`
}

// Duration is how long the attempt ran
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists finished attempts
type Recorder interface {
	Record(ctx context.Context, r *Result) error
}

// Merger merges fetched messages
type Merger interface {
	Merge(ctx context.Context, m *message.Message) (*merge.MergeResult, error)
}

// Config tunes the sync engine
type Config struct {
	FetchAllThreshold int
	SnapshotWindow    time.Duration
	RPCDeadline       time.Duration
	MinPeerVersion    string // semver constraint, empty accepts any version
}

// ConfigFrom converts the trie and sync sections of the hub configuration
func ConfigFrom(c *am.Config) Config {
	return Config{
		FetchAllThreshold: c.Trie.FetchAllThreshold,
		SnapshotWindow:    c.Trie.SnapshotWindow(),
		RPCDeadline:       c.Sync.RPCDeadline(),
		MinPeerVersion:    c.Sync.MinPeerVersion,
	}
}

// Status reports what the engine is doing
type Status struct {
	State   State   `json:"state"`
	Syncing bool    `json:"syncing"`
	Stopped bool    `json:"stopped"`
	Last    *Result `json:"last,omitempty"`
}

// Engine runs sync attempts, one at a time
type Engine struct {
	trie       *trie.Trie
	merger     Merger
	retrier    identity.Retrier
	recorder   Recorder
	cfg        Config
	constraint *semver.Constraints
	log        *zap.SugaredLogger
	now        func() time.Time

	syncing     atomic.Bool
	interrupted atomic.Bool
	stopped     atomic.Bool

	mu    gosync.Mutex
	state State
	last  *Result
}

// NewEngine creates a sync engine. recorder may be nil.
func NewEngine(tr *trie.Trie, merger Merger, retrier identity.Retrier, recorder Recorder, cfg Config, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		log = logger.Logger
	}
	if retrier == nil {
		retrier = identity.NewLogRetrier(log)
	}
	if cfg.FetchAllThreshold <= 0 {
		cfg.FetchAllThreshold = 256
	}
	if cfg.FetchAllThreshold > MaxIdsPerRequest {
		cfg.FetchAllThreshold = MaxIdsPerRequest
	}
	if cfg.RPCDeadline <= 0 {
		cfg.RPCDeadline = 5 * time.Second
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = 10 * time.Second
	}
	e := &Engine{
		trie:     tr,
		merger:   merger,
		retrier:  retrier,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		state:    StateIdle,
	}
	if cfg.MinPeerVersion != "" {
		c, err := semver.NewConstraint(cfg.MinPeerVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid min peer version %q", cfg.MinPeerVersion)
		}
		e.constraint = c
	}
	return e, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Status returns the current state and the last finished attempt
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:   e.state,
		Syncing: e.syncing.Load(),
		Stopped: e.stopped.Load(),
		Last:    e.last,
	}
}

// IsSyncing reports whether an attempt is running
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// Interrupt aborts the running attempt at its next recursion step
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
}

// Stop interrupts the running attempt and refuses new ones
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.interrupted.Store(true)
}

func (e *Engine) checkInterrupt() error {
	if e.interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// snapshotPrefix is the timestamp prefix of the most recent completed
// snapshot window. Quantizing keeps the path stable within a window; newer
// ids still count through the excluded hashes of their sibling branches.
func (e *Engine) snapshotPrefix() ([]byte, error) {
	window := int64(e.cfg.SnapshotWindow / time.Second)
	if window <= 0 {
		window = 1
	}
	ts := syncid.FromUnix(e.now().Unix()) - window
	if ts < 0 {
		ts = 0
	}
	return syncid.TimestampPrefix(ts / window * window)
}

// LocalSnapshot returns this hub's snapshot for the current window
func (e *Engine) LocalSnapshot() (*trie.Snapshot, error) {
	prefix, err := e.snapshotPrefix()
	if err != nil {
		return nil, err
	}
	return e.trie.Snapshot(prefix)
}

// ShouldSync reports whether the peer's snapshot differs from ours at the
// same prefix. It is false while an attempt is running.
func (e *Engine) ShouldSync(peerSnapshot *trie.Snapshot) (bool, error) {
	if e.syncing.Load() {
		return false, nil
	}
	return e.shouldSync(peerSnapshot)
}

func (e *Engine) shouldSync(peerSnapshot *trie.Snapshot) (bool, error) {
	ours, err := e.trie.Snapshot(peerSnapshot.Prefix)
	if err != nil {
		return false, err
	}
	return !ours.Equal(peerSnapshot), nil
}

// divergencePrefix returns the prefix up to the first position where the
// excluded hashes disagree
func (e *Engine) divergencePrefix(peerSnapshot *trie.Snapshot) ([]byte, error) {
	ours, err := e.trie.Snapshot(peerSnapshot.Prefix)
	if err != nil {
		return nil, err
	}
	prefix := peerSnapshot.Prefix
	for i := 0; i < len(prefix); i++ {
		if i >= len(ours.ExcludedHashes) || i >= len(peerSnapshot.ExcludedHashes) ||
			!bytes.Equal(ours.ExcludedHashes[i], peerSnapshot.ExcludedHashes[i]) {
			return bytes.Clone(prefix[:i]), nil
		}
	}
	return bytes.Clone(prefix), nil
}

// begin claims the single attempt slot
func (e *Engine) begin(peerID string) (*Result, bool) {
	res := &Result{
		AttemptID: uuid.NewString(),
		Peer:      peerID,
		StartedAt: e.now(),
	}
	if !e.syncing.CompareAndSwap(false, true) {
		res.Outcome = OutcomeAlreadySyncing
		res.FinishedAt = res.StartedAt
		return res, false
	}
	e.interrupted.Store(e.stopped.Load())
	return res, true
}

func (e *Engine) finish(ctx context.Context, res *Result, err error) {
	res.FinishedAt = e.now()
	switch {
	case err == nil:
		if res.Outcome == "" {
			res.Outcome = OutcomeSynced
		}
	case errors.Is(err, ErrInterrupted):
		res.Outcome = OutcomeInterrupted
		res.Error = err.Error()
	default:
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
	}

	log := logger.FromContext(ctx, e.log)
	fields := []interface{}{
		"outcome", res.Outcome,
		logger.FieldDurationMS, res.Duration().Milliseconds(),
		"fetched", res.Fetched,
		"merged", res.Merged,
		"failed", res.Failed,
	}
	if err != nil && res.Outcome == OutcomeFailed {
		log.Warnw("Sync attempt failed", append(fields, logger.FieldError, err)...)
	} else if res.Merged > 0 || res.Failed > 0 {
		log.Infow("Sync attempt complete", fields...)
	} else {
		log.Debugw("Sync attempt complete", fields...)
	}

	if e.recorder != nil {
		if rerr := e.recorder.Record(ctx, res); rerr != nil {
			log.Warnw("Failed to record sync attempt",
				logger.FieldError, rerr)
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.last = res
	e.mu.Unlock()
	e.syncing.Store(false)
}

func (e *Engine) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RPCDeadline)
}

// PerformSync reconciles against a snapshot the caller already obtained
// from peer. A concurrent attempt yields OutcomeAlreadySyncing.
func (e *Engine) PerformSync(ctx context.Context, peerSnapshot *trie.Snapshot, peer Peer) *Result {
	res, ok := e.begin("")
	if !ok {
		return res
	}
	ctx = logger.WithSyncID(ctx, res.AttemptID)
	err := e.performSync(ctx, peerSnapshot, peer, res)
	e.finish(ctx, res, err)
	return res
}

func (e *Engine) performSync(ctx context.Context, peerSnapshot *trie.Snapshot, peer Peer, res *Result) error {
	e.setState(StateLocatingDivergence)
	prefix, err := e.divergencePrefix(peerSnapshot)
	if err != nil {
		return err
	}
	res.DivergencePrefix = prefix
	logger.FromContext(ctx, e.log).Debugw("Located divergence",
		logger.FieldPrefix, prefix)

	e.setState(StateFetchingMissing)
	return e.FetchMissingHashesByPrefix(ctx, prefix, peer, func(ids []syncid.ID) error {
		e.setState(StateMerging)
		defer e.setState(StateFetchingMissing)
		return e.fetchAndMerge(ctx, ids, peer, res)
	})
}

// SyncWithPeer runs a full attempt: version check, snapshot exchange,
// comparison and reconciliation.
func (e *Engine) SyncWithPeer(ctx context.Context, peerID string, peer Peer) *Result {
	res, ok := e.begin(peerID)
	if !ok {
		return res
	}
	ctx = logger.WithPeer(logger.WithSyncID(ctx, res.AttemptID), peerID)
	err := e.syncWithPeer(ctx, peer, res)
	e.finish(ctx, res, err)
	return res
}

func (e *Engine) syncWithPeer(ctx context.Context, peer Peer, res *Result) error {
	if e.stopped.Load() {
		return ErrInterrupted
	}

	rctx, cancel := e.rpcContext(ctx)
	info, err := peer.GetInfo(rctx)
	cancel()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "get peer info"), errors.ErrUnavailable)
	}
	if err := e.checkVersion(info); err != nil {
		return err
	}

	e.setState(StateComputingLocalSnapshot)
	ours, err := e.LocalSnapshot()
	if err != nil {
		return err
	}

	e.setState(StateAwaitingPeerSnapshot)
	rctx, cancel = e.rpcContext(ctx)
	theirs, err := peer.GetSnapshotByPrefix(rctx, ours.Prefix)
	cancel()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "get peer snapshot"), errors.ErrUnavailable)
	}

	e.setState(StateComparingSnapshots)
	should, err := e.shouldSync(theirs)
	if err != nil {
		return err
	}
	if !should {
		e.setState(StateNotNeeded)
		res.Outcome = OutcomeNotNeeded
		return nil
	}
	return e.performSync(ctx, theirs, peer, res)
}

func (e *Engine) checkVersion(info *PeerInfo) error {
	if e.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		return errors.Validationf("peer %s reports unparseable version %q", info.Name, info.Version)
	}
	if !e.constraint.Check(v) {
		return errors.Validationf("peer %s runs %s, need %s", info.Name, v, e.cfg.MinPeerVersion)
	}
	return nil
}
