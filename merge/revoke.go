package merge

import (
	"bytes"
	"context"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
)

// RunOwnerChanges sweeps fids as the identity registry reports
// authorization changes, until ctx is done.
func (e *Engine) RunOwnerChanges(ctx context.Context) error {
	changes := e.auth.OwnerChanges()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			n, err := e.HandleOwnerChange(ctx, c)
			if err != nil {
				e.log.Errorw("Owner change sweep failed",
					logger.FieldFid, c.Fid,
					logger.FieldError, err)
				continue
			}
			if n > 0 {
				e.log.Infow("Revoked messages after owner change",
					logger.FieldFid, c.Fid,
					logger.FieldCount, n)
			}
		}
	}
}

// HandleOwnerChange revokes the fid's SignerAdds whose signer lost
// authorization, then every message signed by a key that is no longer
// authorized. Returns the number of revoked messages.
func (e *Engine) HandleOwnerChange(ctx context.Context, c identity.OwnerChange) (int, error) {
	adds, err := e.stores.LiveSigners(c.Fid)
	if err != nil {
		return 0, err
	}

	var keys [][]byte
	revoked := 0
	for _, add := range adds {
		ok, err := e.auth.IsSignerAuthorized(ctx, c.Fid, add.Signer)
		if err != nil && !errors.Is(err, errors.ErrUnknownFid) {
			return revoked, err
		}
		if ok {
			continue
		}
		done, err := e.remove(ctx, add, EventRevoke)
		if err != nil {
			return revoked, err
		}
		if done {
			revoked++
			e.revoked.Add(1)
		}
		keys = append(keys, add.Data.Signer.Signer)
	}
	if c.Previous != nil {
		keys = append(keys, c.Previous)
	}
	if c.Removed != nil {
		keys = append(keys, c.Removed)
	}

	for i, key := range keys {
		if containsKey(keys[:i], key) {
			continue
		}
		n, err := e.revokeSigner(ctx, c.Fid, key)
		revoked += n
		if err != nil {
			return revoked, err
		}
	}
	return revoked, nil
}

func containsKey(keys [][]byte, key []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// revokeSigner removes every message of fid signed by key, unless key is
// still authorized.
func (e *Engine) revokeSigner(ctx context.Context, fid uint64, key []byte) (int, error) {
	ok, err := e.isAuthorized(ctx, fid, key)
	if err != nil || ok {
		return 0, err
	}
	msgs, err := e.stores.SignedBy(fid, key)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		done, err := e.remove(ctx, m, EventRevoke)
		if err != nil {
			return n, err
		}
		if done {
			n++
			e.revoked.Add(1)
		}
	}
	if n > 0 {
		logger.FromContext(ctx, e.log).Debugw("Revoked messages of signer",
			logger.FieldFid, fid,
			logger.FieldSigner, message.SignerString(key),
			logger.FieldCount, n)
	}
	return n, nil
}
