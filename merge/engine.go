// Package merge is the CRDT merge engine. Every accepted message, on-chain
// event and username proof lands in the stores and the trie in a single
// batch, so the trie always reflects exactly what is stored.
//
// Messages compete per conflict bucket (fid, set, bucket key). The total
// order is timestamp then hash; when an add and a remove meet, the remove
// wins ties.
package merge

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/store"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

// Config tunes admission and locking
type Config struct {
	CommitLockTimeout    time.Duration
	CommitLockMaxPending int
	MaxPending           int
}

// ConfigFrom converts the merge section of the hub configuration
func ConfigFrom(c am.MergeConfig) Config {
	return Config{
		CommitLockTimeout:    c.CommitLockTimeout(),
		CommitLockMaxPending: c.CommitLockMaxPending,
		MaxPending:           c.MaxPending,
	}
}

// MergeResult describes an accepted message
type MergeResult struct {
	Message *message.Message   `json:"message"`
	Deleted []*message.Message `json:"deleted,omitempty"` // superseded by Message
}

// Outcome is one entry of MergeMany
type Outcome struct {
	Result *MergeResult
	Err    error
}

// Stats counts merge decisions since start
type Stats struct {
	Merged     uint64 `json:"merged"`
	Duplicates uint64 `json:"duplicates"`
	Conflicts  uint64 `json:"conflicts"`
	Rejected   uint64 `json:"rejected"`
	Revoked    uint64 `json:"revoked"`
	Pruned     uint64 `json:"pruned"`
}

// Engine merges messages and identity records
type Engine struct {
	db        *kv.DB
	trie      *trie.Trie
	stores    *store.Stores
	registry  *identity.Registry
	auth      identity.Authorizer
	validator *message.Validator
	bus       *Bus
	locks     *commitLocks
	cfg       Config
	log       *zap.SugaredLogger

	pending    atomic.Int64
	identityMu sync.Mutex

	merged, duplicates, conflicts, rejected, revoked, pruned atomic.Uint64
}

// NewEngine wires an engine. The registry authorizes signers and stores
// identity records.
func NewEngine(db *kv.DB, tr *trie.Trie, stores *store.Stores, registry *identity.Registry,
	validator *message.Validator, bus *Bus, cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = logger.Logger
	}
	if bus == nil {
		bus = NewBus(log)
	}
	if cfg.CommitLockTimeout <= 0 {
		cfg.CommitLockTimeout = 500 * time.Millisecond
	}
	return &Engine{
		db:        db,
		trie:      tr,
		stores:    stores,
		registry:  registry,
		auth:      registry,
		validator: validator,
		bus:       bus,
		locks:     newCommitLocks(cfg.CommitLockTimeout, cfg.CommitLockMaxPending),
		cfg:       cfg,
		log:       log,
	}
}

// Bus returns the engine's event bus
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Stores returns the message stores the engine writes
func (e *Engine) Stores() *store.Stores {
	return e.stores
}

// Registry returns the identity registry
func (e *Engine) Registry() *identity.Registry {
	return e.registry
}

// Stats returns a snapshot of the decision counters
func (e *Engine) Stats() Stats {
	return Stats{
		Merged:     e.merged.Load(),
		Duplicates: e.duplicates.Load(),
		Conflicts:  e.conflicts.Load(),
		Rejected:   e.rejected.Load(),
		Revoked:    e.revoked.Load(),
		Pruned:     e.pruned.Load(),
	}
}

func (e *Engine) count(err error) {
	switch {
	case err == nil:
		e.merged.Add(1)
	case errors.IsDuplicate(err):
		e.duplicates.Add(1)
	case errors.IsConflict(err):
		e.conflicts.Add(1)
	default:
		e.rejected.Add(1)
	}
}

// admit reserves an in-flight slot. The returned func releases it.
func (e *Engine) admit() (func(), error) {
	n := e.pending.Add(1)
	if e.cfg.MaxPending > 0 && n > int64(e.cfg.MaxPending) {
		e.pending.Add(-1)
		return nil, errors.Unavailablef("merge queue full (%d pending)", e.cfg.MaxPending)
	}
	return func() { e.pending.Add(-1) }, nil
}

func lockKey(fid uint64, set message.Set, bucket []byte) string {
	k := binary.BigEndian.AppendUint64(nil, fid)
	k = append(k, byte(set))
	return string(append(k, bucket...))
}

// commitKey is the lock a commit into bucket holds. Sets with a prune limit
// lock the whole (fid, set), since checkPrunable reads the fid's count and
// oldest message across every bucket of the set.
func (e *Engine) commitKey(fid uint64, set message.Set, bucket []byte) string {
	if e.stores.For(set).PruneLimit() > 0 {
		bucket = nil
	}
	return lockKey(fid, set, bucket)
}

// Merge validates, authorizes and applies m. Rejections leave no trace.
func (e *Engine) Merge(ctx context.Context, m *message.Message) (*MergeResult, error) {
	res, err := e.merge(ctx, m)
	e.count(err)
	log := logger.FromContext(ctx, e.log)
	if err != nil {
		if !errors.IsDuplicate(err) {
			log.Debugw("Merge rejected",
				logger.FieldFid, m.Fid(),
				logger.FieldMessageType, m.Type().String(),
				logger.FieldErrorKind, errors.Kind(err),
				logger.FieldError, err)
		}
		return nil, err
	}
	log.Debugw("Merged message",
		logger.FieldFid, m.Fid(),
		logger.FieldMessageType, m.Type().String(),
		logger.FieldMessageHash, m.Hash,
		"superseded", len(res.Deleted))

	if m.Type() == message.TypeSignerRemove {
		if _, err := e.revokeSigner(ctx, m.Fid(), m.Data.Signer.Signer); err != nil {
			log.Warnw("Failed to revoke messages of removed signer",
				logger.FieldFid, m.Fid(),
				logger.FieldError, err)
		}
	}
	return res, nil
}

func (e *Engine) merge(ctx context.Context, m *message.Message) (*MergeResult, error) {
	if err := e.validator.Validate(m); err != nil {
		return nil, err
	}
	release, err := e.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	bucket, err := m.BucketKey()
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, m); err != nil {
		return nil, err
	}

	set := m.Type().Set()
	unlock, err := e.locks.acquire(ctx, e.commitKey(m.Fid(), set, bucket))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := e.commit(m, e.stores.For(set), bucket)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(Event{Type: EventMerge, Message: m, Deleted: res.Deleted})
	return res, nil
}

// authorize checks m's signer may sign for its fid. Signer-set messages
// must come from a key the identity registry authorizes; everything else
// may also be signed by a key with a live SignerAdd.
func (e *Engine) authorize(ctx context.Context, m *message.Message) error {
	fid := m.Fid()
	ok, err := e.auth.IsSignerAuthorized(ctx, fid, m.Signer)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if m.Type().Set() != message.SetSigners {
		live, err := e.stores.IsSignerLive(fid, m.Signer)
		if err != nil {
			return err
		}
		if live {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrUnknownSigner, "signer %s for fid %d", message.SignerString(m.Signer), fid)
}

// isAuthorized reports whether key may currently sign anything for fid
func (e *Engine) isAuthorized(ctx context.Context, fid uint64, key []byte) (bool, error) {
	ok, err := e.auth.IsSignerAuthorized(ctx, fid, key)
	if err != nil && !errors.Is(err, errors.ErrUnknownFid) {
		return false, err
	}
	if ok {
		return true, nil
	}
	return e.stores.IsSignerLive(fid, key)
}

// resolve applies the conflict table to m and the bucket's live values and
// returns the messages m supersedes.
func resolve(m, liveAdd, liveRemove *message.Message) ([]*message.Message, error) {
	var superseded []*message.Message
	same, other := liveAdd, liveRemove
	if m.Type().IsRemove() {
		same, other = liveRemove, liveAdd
	}

	if same != nil {
		switch c := message.Compare(m, same); {
		case c == 0:
			return nil, errors.Wrapf(errors.ErrDuplicate, "%s %x", m.Type(), m.Hash)
		case c < 0:
			return nil, errors.Conflictf("%s %x loses to live %x", m.Type(), m.Hash, same.Hash)
		}
		superseded = append(superseded, same)
	}

	if other != nil {
		// removes win timestamp ties against adds
		wins := m.Timestamp() > other.Timestamp()
		if m.Type().IsRemove() {
			wins = m.Timestamp() >= other.Timestamp()
		}
		if !wins {
			return nil, errors.Conflictf("%s %x loses to live %s %x", m.Type(), m.Hash, other.Type(), other.Hash)
		}
		superseded = append(superseded, other)
	}
	return superseded, nil
}

func (e *Engine) commit(m *message.Message, st *store.Store, bucket []byte) (*MergeResult, error) {
	fid := m.Fid()
	liveAdd, err := st.LiveAdd(fid, bucket)
	if err != nil {
		return nil, err
	}
	liveRemove, err := st.LiveRemove(fid, bucket)
	if err != nil {
		return nil, err
	}
	superseded, err := resolve(m, liveAdd, liveRemove)
	if err != nil {
		return nil, err
	}
	if err := e.checkPrunable(m, st, len(superseded)); err != nil {
		return nil, err
	}

	id, err := m.SyncID()
	if err != nil {
		return nil, err
	}
	deletes := make([]syncid.ID, 0, len(superseded))
	for _, s := range superseded {
		sid, err := s.SyncID()
		if err != nil {
			return nil, err
		}
		deletes = append(deletes, sid)
	}

	_, _, err = e.trie.Commit([]syncid.ID{id}, deletes, func(b *leveldb.Batch) error {
		for _, s := range superseded {
			if err := st.Remove(b, s, bucket); err != nil {
				return err
			}
		}
		st.Put(b, m, bucket)
		return e.db.Write(b)
	})
	if err != nil {
		return nil, err
	}
	return &MergeResult{Message: m, Deleted: superseded}, nil
}

// checkPrunable rejects a message that would be pruned right away: the
// set is full for the fid and m is older than everything kept. The caller
// holds the (fid, set) lock from commitKey.
func (e *Engine) checkPrunable(m *message.Message, st *store.Store, freed int) error {
	limit := st.PruneLimit()
	if limit <= 0 {
		return nil
	}
	n, err := st.Count(m.Fid())
	if err != nil {
		return err
	}
	if n-freed < limit {
		return nil
	}
	oldest, err := st.Oldest(m.Fid())
	if err != nil || oldest == nil {
		return err
	}
	if message.Compare(m, oldest) < 0 {
		return errors.Conflictf("%s %x is older than every kept %s message of fid %d", m.Type(), m.Hash, st.Set(), m.Fid())
	}
	return nil
}

// MergeMany merges msgs in order and reports each outcome
func (e *Engine) MergeMany(ctx context.Context, msgs []*message.Message) []Outcome {
	out := make([]Outcome, len(msgs))
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			out[i].Err = errors.Mark(err, errors.ErrUnavailable)
			continue
		}
		out[i].Result, out[i].Err = e.Merge(ctx, m)
	}
	return out
}

// remove deletes a stored message under its bucket lock and publishes
// typ. A message no longer stored is skipped.
func (e *Engine) remove(ctx context.Context, m *message.Message, typ EventType) (bool, error) {
	bucket, err := m.BucketKey()
	if err != nil {
		return false, err
	}
	set := m.Type().Set()
	unlock, err := e.locks.acquire(ctx, e.commitKey(m.Fid(), set, bucket))
	if err != nil {
		return false, err
	}
	defer unlock()

	id, err := m.SyncID()
	if err != nil {
		return false, err
	}
	ok, err := e.stores.Has(id)
	if err != nil || !ok {
		return false, err
	}

	st := e.stores.For(set)
	_, _, err = e.trie.Commit(nil, []syncid.ID{id}, func(b *leveldb.Batch) error {
		if err := st.Remove(b, m, bucket); err != nil {
			return err
		}
		return e.db.Write(b)
	})
	if err != nil {
		return false, err
	}
	e.bus.Publish(Event{Type: typ, Message: m})
	return true, nil
}
