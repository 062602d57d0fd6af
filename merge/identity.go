package merge

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/syncid"
)

// MergeOnChainEvent stores an event from the chain watcher and inserts its
// sync id. A custody transfer or signer key removal is announced on the
// registry's owner-change channel once durable.
func (e *Engine) MergeOnChainEvent(ctx context.Context, ev *identity.OnChainEvent) error {
	err := e.mergeOnChainEvent(ev)
	e.count(err)
	if err != nil {
		return err
	}
	logger.FromContext(ctx, e.log).Debugw("Merged on-chain event",
		logger.FieldFid, ev.Fid,
		"type", ev.Type.String(),
		"block", ev.BlockNumber)
	return nil
}

func (e *Engine) mergeOnChainEvent(ev *identity.OnChainEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	id, err := ev.SyncID()
	if err != nil {
		return err
	}

	e.identityMu.Lock()
	defer e.identityMu.Unlock()

	var change *identity.OwnerChange
	_, _, err = e.trie.Commit([]syncid.ID{id}, nil, func(b *leveldb.Batch) error {
		var err error
		if change, err = e.registry.StageEvent(b, ev); err != nil {
			return err
		}
		return e.db.Write(b)
	})
	if err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventOnChain, OnChainEvent: ev})
	if change != nil {
		e.registry.Notify(*change)
	}
	return nil
}

// MergeUsernameProof stores a proof, replacing an older proof for the
// same name.
func (e *Engine) MergeUsernameProof(ctx context.Context, p *identity.UsernameProof) error {
	err := e.mergeUsernameProof(p)
	e.count(err)
	if err != nil {
		return err
	}
	logger.FromContext(ctx, e.log).Debugw("Merged username proof",
		logger.FieldFid, p.Fid,
		"name", string(p.Name))
	return nil
}

func (e *Engine) mergeUsernameProof(p *identity.UsernameProof) error {
	if err := p.Validate(); err != nil {
		return err
	}
	id, err := p.SyncID()
	if err != nil {
		return err
	}

	e.identityMu.Lock()
	defer e.identityMu.Unlock()

	stored, err := e.registry.Proof(p.Name)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	var deletes []syncid.ID
	if stored != nil {
		sid, err := stored.SyncID()
		if err != nil {
			return err
		}
		deletes = append(deletes, sid)
	}

	_, _, err = e.trie.Commit([]syncid.ID{id}, deletes, func(b *leveldb.Batch) error {
		if _, err := e.registry.StageProof(b, p); err != nil {
			return err
		}
		return e.db.Write(b)
	})
	if err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventUsernameProof, UsernameProof: p})
	return nil
}
