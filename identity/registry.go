package identity

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/syncid"
)

// Authorizer answers whether a key may sign for a fid
type Authorizer interface {
	IsSignerAuthorized(ctx context.Context, fid uint64, key []byte) (bool, error)

	// OwnerChanges delivers a change whenever a fid's custody key moves or
	// an on-chain signer key is removed. Keys authorized before the change
	// may no longer be.
	OwnerChanges() <-chan OwnerChange
}

// OwnerChange describes an authorization change for a fid
type OwnerChange struct {
	Fid      uint64
	Previous []byte // custody key before the change, nil if none
	Current  []byte // custody key after the change
	Removed  []byte // on-chain signer key that was removed
	Event    *OnChainEvent
}

const ownerChangeBuffer = 256

// Registry stores on-chain events and username proofs and derives
// authorization from them.
type Registry struct {
	db      *kv.DB
	log     *zap.SugaredLogger
	changes chan OwnerChange

	mu      sync.Mutex
	dropped int
}

// NewRegistry creates a registry over db
func NewRegistry(db *kv.DB, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logger.Logger
	}
	return &Registry{db: db, log: log, changes: make(chan OwnerChange, ownerChangeBuffer)}
}

func fidBytes(fid uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, fid)
}

// eventKey: 0x20 ‖ fid ‖ block ‖ log index
func eventKey(fid, block uint64, logIndex uint32) []byte {
	k := kv.Key(kv.PrefixOnChainEvent, fidBytes(fid))
	k = binary.BigEndian.AppendUint64(k, block)
	return binary.BigEndian.AppendUint32(k, logIndex)
}

func custodyKey(fid uint64) []byte {
	return kv.Key(kv.PrefixCustody, fidBytes(fid))
}

func onChainSignerKey(fid uint64, key []byte) []byte {
	return kv.Key(kv.PrefixOnChainSigner, fidBytes(fid), key)
}

func proofKey(name []byte) []byte {
	padded := make([]byte, syncid.NameLength)
	copy(padded, name)
	return kv.Key(kv.PrefixUsernameProof, padded)
}

func (r *Registry) getEvent(key []byte) (*OnChainEvent, error) {
	v, err := r.db.Get(key)
	if err != nil {
		return nil, err
	}
	return decodeEvent(v)
}

// Custody returns the fid's latest IdRegister event
func (r *Registry) Custody(fid uint64) (*OnChainEvent, error) {
	e, err := r.getEvent(custodyKey(fid))
	if errors.IsNotFoundError(err) {
		return nil, errors.Wrapf(errors.ErrUnknownFid, "fid %d", fid)
	}
	return e, err
}

// HasFid reports whether the fid has been registered
func (r *Registry) HasFid(fid uint64) (bool, error) {
	return r.db.Has(custodyKey(fid))
}

// IsSignerAuthorized reports whether key is fid's custody key or a signer
// key added on chain and not since removed. A fid without registration
// yields ErrUnknownFid.
func (r *Registry) IsSignerAuthorized(ctx context.Context, fid uint64, key []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	custody, err := r.Custody(fid)
	if err != nil {
		return false, err
	}
	if bytes.Equal(custody.Key, key) {
		return true, nil
	}
	e, err := r.getEvent(onChainSignerKey(fid, key))
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Type == EventSignerKeyAdd, nil
}

// OwnerChanges implements Authorizer
func (r *Registry) OwnerChanges() <-chan OwnerChange {
	return r.changes
}

// Notify publishes a change staged by StageEvent once its batch is
// written. A full channel drops the change.
func (r *Registry) Notify(c OwnerChange) {
	select {
	case r.changes <- c:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warnw("Owner change channel full, dropping change",
			logger.FieldFid, c.Fid)
	}
}

// Dropped returns how many owner changes were dropped
func (r *Registry) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// StageEvent stages e into b and updates the derived custody and signer
// state when e is the latest for its key. The returned change, if any,
// must be passed to Notify after b is written. Callers serialize staging.
func (r *Registry) StageEvent(b *leveldb.Batch, e *OnChainEvent) (*OwnerChange, error) {
	key := eventKey(e.Fid, e.BlockNumber, e.LogIndex)
	ok, err := r.db.Has(key)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, errors.Wrapf(errors.ErrDuplicate, "%s for fid %d at block %d log %d",
			e.Type, e.Fid, e.BlockNumber, e.LogIndex)
	}
	enc := encodeEvent(e)
	b.Put(key, enc)

	switch e.Type {
	case EventIdRegister:
		cur, err := r.getEvent(custodyKey(e.Fid))
		if err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
		if cur != nil && !e.After(cur) {
			return nil, nil
		}
		b.Put(custodyKey(e.Fid), enc)
		var prev []byte
		if cur != nil {
			if bytes.Equal(cur.Key, e.Key) {
				return nil, nil
			}
			prev = cur.Key
		}
		return &OwnerChange{Fid: e.Fid, Previous: prev, Current: e.Key, Event: e}, nil

	case EventSignerKeyAdd, EventSignerKeyRemove:
		sk := onChainSignerKey(e.Fid, e.Key)
		cur, err := r.getEvent(sk)
		if err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
		if cur != nil && !e.After(cur) {
			return nil, nil
		}
		b.Put(sk, enc)
		if e.Type == EventSignerKeyRemove && (cur == nil || cur.Type == EventSignerKeyAdd) {
			return &OwnerChange{Fid: e.Fid, Removed: e.Key, Event: e}, nil
		}
	}
	return nil, nil
}

// Event returns the event behind an on-chain sync id
func (r *Registry) Event(id syncid.ID) (*OnChainEvent, error) {
	if id.Kind() != syncid.KindOnChainEvent {
		return nil, errors.Validationf("sync id %s is not an on-chain event", id)
	}
	_, block, logIndex := id.OnChainEvent()
	return r.getEvent(eventKey(id.Fid(), block, logIndex))
}

// Events returns every stored event of fid in chain order
func (r *Registry) Events(fid uint64) ([]*OnChainEvent, error) {
	it := r.db.NewIterator(kv.Key(kv.PrefixOnChainEvent, fidBytes(fid)))
	defer it.Release()
	var out []*OnChainEvent
	for it.Next() {
		e, err := decodeEvent(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, errors.WrapStorage(it.Error(), "iterate on-chain events")
}

// Proof returns the stored proof for name
func (r *Registry) Proof(name []byte) (*UsernameProof, error) {
	v, err := r.db.Get(proofKey(name))
	if err != nil {
		return nil, err
	}
	return decodeProof(v)
}

// StageProof stages p into b. A name holds one proof; a newer timestamp
// replaces the stored one, which is returned so its sync id can be
// removed. An equal proof is a duplicate, an older one a conflict.
func (r *Registry) StageProof(b *leveldb.Batch, p *UsernameProof) (replaced *UsernameProof, err error) {
	cur, err := r.Proof(p.Name)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	if cur != nil {
		switch {
		case cur.Timestamp == p.Timestamp && cur.Fid == p.Fid:
			return nil, errors.Wrapf(errors.ErrDuplicate, "username proof %q", p.Name)
		case cur.Timestamp >= p.Timestamp:
			return nil, errors.Conflictf("username proof %q older than stored proof", p.Name)
		}
	}
	b.Put(proofKey(p.Name), encodeProof(p))
	return cur, nil
}

// Scan implements trie.Source over on-chain events and username proofs
func (r *Registry) Scan(ctx context.Context, after []byte, fn func([]byte, syncid.ID) error) error {
	if err := r.scan(ctx, kv.PrefixOnChainEvent, after, fn); err != nil {
		return err
	}
	return r.scan(ctx, kv.PrefixUsernameProof, after, fn)
}

func (r *Registry) scan(ctx context.Context, prefix byte, after []byte, fn func([]byte, syncid.ID) error) error {
	it := r.db.NewIteratorAfter([]byte{prefix}, after)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			id  syncid.ID
			err error
		)
		if prefix == kv.PrefixOnChainEvent {
			var e *OnChainEvent
			if e, err = decodeEvent(it.Value()); err == nil {
				id, err = e.SyncID()
			}
		} else {
			var p *UsernameProof
			if p, err = decodeProof(it.Value()); err == nil {
				id, err = p.SyncID()
			}
		}
		if err != nil {
			r.log.Warnw("Skipping unreadable identity record during scan",
				"key", it.Key(),
				logger.FieldError, err)
			continue
		}
		if err := fn(bytes.Clone(it.Key()), id); err != nil {
			return err
		}
	}
	return errors.WrapStorage(it.Error(), "scan identity records")
}

// Has implements trie.Source
func (r *Registry) Has(id syncid.ID) (bool, error) {
	switch id.Kind() {
	case syncid.KindOnChainEvent:
		_, block, logIndex := id.OnChainEvent()
		return r.db.Has(eventKey(id.Fid(), block, logIndex))
	case syncid.KindUsernameProof:
		p, err := r.Proof(id.Name())
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return p.Fid == id.Fid() && syncid.FromUnix(p.Timestamp) == id.Timestamp(), nil
	}
	return false, nil
}
