package merge

import (
	"context"

	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
)

// Prune trims fid's sets down to their limits, oldest first, and returns
// how many messages were removed.
func (e *Engine) Prune(ctx context.Context, fid uint64) (int, error) {
	n := 0
	for _, set := range message.Sets {
		candidates, err := e.stores.For(set).PruneCandidates(fid)
		if err != nil {
			return n, err
		}
		for _, m := range candidates {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			done, err := e.remove(ctx, m, EventPrune)
			if err != nil {
				return n, err
			}
			if done {
				n++
				e.pruned.Add(1)
			}
		}
	}
	return n, nil
}

// PruneAll prunes every fid
func (e *Engine) PruneAll(ctx context.Context) (int, error) {
	fids, err := e.stores.Fids()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, fid := range fids {
		n, err := e.Prune(ctx, fid)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		e.log.Infow("Pruned messages",
			logger.FieldCount, total,
			"fids", len(fids))
	}
	return total, nil
}
