package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/syncid"
)

// Retrier asks an out-of-band source (the chain watcher) to refetch
// identity records a peer knows about but we do not. Peers are never
// trusted for these records.
type Retrier interface {
	RetryFid(ctx context.Context, fid uint64)
	RetryID(ctx context.Context, id syncid.ID)
}

// LogRetrier logs retry requests and remembers them until Drain.
type LogRetrier struct {
	log *zap.SugaredLogger

	mu   sync.Mutex
	fids map[uint64]time.Time
	ids  map[string]syncid.ID
}

// NewLogRetrier creates a LogRetrier
func NewLogRetrier(log *zap.SugaredLogger) *LogRetrier {
	if log == nil {
		log = logger.Logger
	}
	return &LogRetrier{log: log, fids: map[uint64]time.Time{}, ids: map[string]syncid.ID{}}
}

func (r *LogRetrier) RetryFid(ctx context.Context, fid uint64) {
	r.mu.Lock()
	_, seen := r.fids[fid]
	r.fids[fid] = time.Now()
	r.mu.Unlock()
	if !seen {
		logger.FromContext(ctx, r.log).Infow("Requesting identity refetch for fid",
			logger.FieldFid, fid)
	}
}

func (r *LogRetrier) RetryID(ctx context.Context, id syncid.ID) {
	r.mu.Lock()
	r.ids[string(id)] = id
	r.mu.Unlock()
	logger.FromContext(ctx, r.log).Debugw("Requesting identity record refetch",
		"kind", id.Kind().String(),
		logger.FieldFid, id.Fid())
}

// Pending returns the requested fids, ascending
func (r *LogRetrier) Pending() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.fids))
	for fid := range r.fids {
		out = append(out, fid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Drain returns and forgets every requested fid and id
func (r *LogRetrier) Drain() ([]uint64, []syncid.ID) {
	fids := r.Pending()
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]syncid.ID, 0, len(r.ids))
	for _, id := range r.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return syncid.Compare(ids[i], ids[j]) < 0 })
	r.fids = map[uint64]time.Time{}
	r.ids = map[string]syncid.ID{}
	return fids, ids
}
