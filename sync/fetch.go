package sync

import (
	"bytes"
	"context"
	"sort"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/syncid"
)

// FetchMissingHashesByPrefix walks the peer's trie below prefix and hands
// every batch of ids we lack to onMissing. Subtrees whose hashes already
// agree are skipped. A subtree small enough is fetched in one call; the
// threshold drops to 1 once our subtree holds at least as many items as
// the peer's, so the walk descends to the exact differences instead of
// refetching what we have.
func (e *Engine) FetchMissingHashesByPrefix(ctx context.Context, prefix []byte, peer Peer, onMissing func([]syncid.ID) error) error {
	if err := e.checkInterrupt(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ours, err := e.trie.NodeMetadata(prefix)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}

	rctx, cancel := e.rpcContext(ctx)
	theirs, err := peer.GetNodeMetadataByPrefix(rctx, prefix)
	cancel()
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "get node metadata %x", prefix), errors.ErrUnavailable)
	}

	if ours != nil && bytes.Equal(ours.Hash, theirs.Hash) {
		return nil
	}

	threshold := e.cfg.FetchAllThreshold
	ourCount := 0
	if ours != nil {
		ourCount = ours.NumMessages
	}
	if ourCount >= theirs.NumMessages {
		threshold = 1
	}

	if theirs.NumMessages <= threshold || len(theirs.Children) == 0 {
		return e.fetchAllIds(ctx, prefix, peer, onMissing)
	}

	chars := make([]int, 0, len(theirs.Children))
	for c := range theirs.Children {
		chars = append(chars, int(c))
	}
	sort.Ints(chars)
	for _, c := range chars {
		child := theirs.Children[byte(c)]
		if ours != nil {
			if mine, ok := ours.Children[byte(c)]; ok && bytes.Equal(mine.Hash, child.Hash) {
				continue
			}
		}
		if err := e.FetchMissingHashesByPrefix(ctx, append(bytes.Clone(prefix), byte(c)), peer, onMissing); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fetchAllIds(ctx context.Context, prefix []byte, peer Peer, onMissing func([]syncid.ID) error) error {
	rctx, cancel := e.rpcContext(ctx)
	ids, err := peer.GetAllIdsByPrefix(rctx, prefix)
	cancel()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "get ids under %x", prefix), errors.ErrUnavailable)
	}

	missing := make([]syncid.ID, 0, len(ids))
	for _, id := range ids {
		if !bytes.HasPrefix(id, prefix) {
			continue
		}
		ok, err := e.trie.Exists(id)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	logger.FromContext(ctx, e.log).Debugw("Fetched ids under prefix",
		logger.FieldPrefix, prefix,
		logger.FieldCount, len(ids),
		"missing", len(missing))
	if len(missing) == 0 {
		return nil
	}
	return onMissing(missing)
}

// FetchAndMergeMessages fetches the messages behind ids from peer and
// merges them oldest first. Identity ids are never fetched from peers;
// they go to the identity retrier instead.
func (e *Engine) FetchAndMergeMessages(ctx context.Context, ids []syncid.ID, peer Peer) (*Result, error) {
	res := &Result{StartedAt: e.now()}
	err := e.fetchAndMerge(ctx, ids, peer, res)
	res.FinishedAt = e.now()
	return res, err
}

func (e *Engine) fetchAndMerge(ctx context.Context, ids []syncid.ID, peer Peer, res *Result) error {
	want := make(map[string]bool, len(ids))
	var msgIDs []syncid.ID
	for _, id := range ids {
		if id.Kind() != syncid.KindMessage {
			e.retrier.RetryID(ctx, id)
			res.Deferred++
			continue
		}
		ok, err := e.trie.Exists(id)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		want[string(id)] = true
		msgIDs = append(msgIDs, id)
	}

	for start := 0; start < len(msgIDs); start += MaxIdsPerRequest {
		end := min(start+MaxIdsPerRequest, len(msgIDs))
		rctx, cancel := e.rpcContext(ctx)
		msgs, err := peer.GetMessagesByIds(rctx, msgIDs[start:end])
		cancel()
		if err != nil {
			return errors.Mark(errors.Wrap(err, "get messages by ids"), errors.ErrUnavailable)
		}

		batch := msgs[:0]
		for _, m := range msgs {
			id, err := m.SyncID()
			if err != nil || !want[string(id)] {
				continue
			}
			batch = append(batch, m)
		}
		res.Fetched += len(batch)
		sort.SliceStable(batch, func(i, j int) bool { return message.Compare(batch[i], batch[j]) < 0 })

		if err := e.mergeBatch(ctx, batch, peer, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeBatch(ctx context.Context, msgs []*message.Message, peer Peer, res *Result) error {
	signersFetched := make(map[uint64]bool)
	for _, m := range msgs {
		err := e.mergeOne(ctx, m, res)
		if errors.Is(err, errors.ErrUnknownSigner) && !signersFetched[m.Fid()] {
			signersFetched[m.Fid()] = true
			if ferr := e.fetchSigners(ctx, m.Fid(), peer, res); ferr != nil {
				return ferr
			}
			err = e.mergeOne(ctx, m, res)
		}
		switch {
		case err == nil, errors.IsDuplicate(err), errors.IsConflict(err):
		case errors.Is(err, errors.ErrUnknownFid):
			e.retrier.RetryFid(ctx, m.Fid())
			res.Failed++
		case errors.IsStorage(err):
			return err
		default:
			res.Failed++
			logger.FromContext(ctx, e.log).Debugw("Synced message rejected",
				logger.FieldFid, m.Fid(),
				logger.FieldMessageType, m.Type().String(),
				logger.FieldErrorKind, errors.Kind(err),
				logger.FieldError, err)
		}
	}
	return nil
}

// mergeOne merges m and counts accepted, duplicate and conflicting
// outcomes; failures are counted by the caller once retries are done.
func (e *Engine) mergeOne(ctx context.Context, m *message.Message, res *Result) error {
	_, err := e.merger.Merge(ctx, m)
	switch {
	case err == nil:
		res.Merged++
	case errors.IsDuplicate(err):
		res.Duplicates++
	case errors.IsConflict(err):
		res.Conflicts++
	}
	return err
}

// fetchSigners pulls the peer's signer-set messages for fid so a message
// signed by a key we have not seen yet can be retried
func (e *Engine) fetchSigners(ctx context.Context, fid uint64, peer Peer, res *Result) error {
	rctx, cancel := e.rpcContext(ctx)
	msgs, err := peer.GetSignerMessagesByFid(rctx, fid)
	cancel()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "get signer messages for fid %d", fid), errors.ErrUnavailable)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return message.Compare(msgs[i], msgs[j]) < 0 })
	res.Fetched += len(msgs)
	for _, m := range msgs {
		if err := e.mergeOne(ctx, m, res); errors.IsStorage(err) {
			return err
		}
	}
	logger.FromContext(ctx, e.log).Debugw("Fetched signer messages for unknown signer",
		logger.FieldFid, fid,
		logger.FieldCount, len(msgs))
	return nil
}
