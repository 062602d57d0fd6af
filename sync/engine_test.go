package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	qtest "github.com/teranos/hub/internal/testing"
	"github.com/teranos/hub/merge"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/store"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

const fid = 7

type hub struct {
	trie     *trie.Trie
	stores   *store.Stores
	registry *identity.Registry
	merger   *merge.Engine
	local    *Local
	retrier  *identity.LogRetrier
	sync     *Engine
}

func newHub(t *testing.T, name string, cfg Config) *hub {
	t.Helper()
	db := qtest.CreateTestKV(t)
	tr, err := trie.Open(db, trie.Options{}, nil)
	require.NoError(t, err)
	stores := store.New(db, nil)
	reg := identity.NewRegistry(db, nil)
	m := merge.NewEngine(db, tr, stores, reg, message.NewValidator(message.NetworkDevnet), nil, merge.Config{}, nil)
	retrier := identity.NewLogRetrier(nil)
	e, err := NewEngine(tr, m, retrier, nil, cfg, nil)
	require.NoError(t, err)

	h := &hub{trie: tr, stores: stores, registry: reg, merger: m, local: NewLocal(name, tr, stores), retrier: retrier, sync: e}
	h.onChain(t, qtest.Register(fid, 1, 1))
	return h
}

func (h *hub) onChain(t *testing.T, ev *identity.OnChainEvent) {
	t.Helper()
	require.NoError(t, h.merger.MergeOnChainEvent(context.Background(), ev))
}

func (h *hub) merge(t *testing.T, msgs ...*message.Message) {
	t.Helper()
	for _, m := range msgs {
		_, err := h.merger.Merge(context.Background(), m)
		require.NoError(t, err)
	}
}

func (h *hub) has(t *testing.T, m *message.Message) bool {
	t.Helper()
	id, err := m.SyncID()
	require.NoError(t, err)
	ok, err := h.trie.Exists(id)
	require.NoError(t, err)
	return ok
}

func signerAdd(ts uint32, key byte) *message.Message {
	return qtest.Sign(qtest.SignerAdd(fid, ts, qtest.PublicKey(key)), 1)
}

func TestSyncSupersedesOlderSigner(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})

	m1 := signerAdd(100, 5)
	d := qtest.SignerAdd(fid, 105, qtest.PublicKey(5))
	d.Signer.Name = "renamed"
	m2 := qtest.Sign(d, 1)

	a.merge(t, m1, m2)
	b.merge(t, m1)
	require.NotEqual(t, a.trie.RootHash(), b.trie.RootHash())

	res := b.sync.SyncWithPeer(context.Background(), "a", a.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Merged)
	assert.NotEmpty(t, res.AttemptID)

	assert.True(t, b.has(t, m2))
	assert.False(t, b.has(t, m1))
	assert.Equal(t, a.trie.RootHash(), b.trie.RootHash())

	// nothing left to do
	res = b.sync.SyncWithPeer(context.Background(), "a", a.local)
	assert.Equal(t, OutcomeNotNeeded, res.Outcome)
}

func TestSyncBothWays(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	for i := uint32(0); i < 20; i++ {
		a.merge(t, qtest.Sign(qtest.CastAdd(fid, 1000+i*37, "from a"), 1))
		b.merge(t, qtest.Sign(qtest.CastAdd(fid, 1001+i*53, "from b"), 1))
	}

	res := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 20, res.Merged)

	res = b.sync.SyncWithPeer(context.Background(), "a", a.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 20, res.Merged)

	assert.Equal(t, a.trie.RootHash(), b.trie.RootHash())
	assert.Equal(t, 41, b.trie.Items())
}

func TestSyncWalksWithSmallThreshold(t *testing.T) {
	a := newHub(t, "a", Config{FetchAllThreshold: 1})
	b := newHub(t, "b", Config{FetchAllThreshold: 1})
	shared := qtest.Sign(qtest.CastAdd(fid, 5000, "both"), 1)
	a.merge(t, shared)
	b.merge(t, shared)
	for i := uint32(0); i < 10; i++ {
		b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100+i*1111, "only b"), 1))
	}

	res := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 10, res.Merged)
	assert.Equal(t, a.trie.RootHash(), b.trie.RootHash())
}

func TestSyncLargeSubtreeWithOversizedThreshold(t *testing.T) {
	a := newHub(t, "a", Config{FetchAllThreshold: 5000})
	b := newHub(t, "b", Config{FetchAllThreshold: 5000})
	assert.Equal(t, MaxIdsPerRequest, a.sync.cfg.FetchAllThreshold)

	for i := uint32(0); i < 1500; i++ {
		b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100+i, "bulk"), 1))
	}
	require.Equal(t, 1501, b.trie.Items())

	res := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 1500, res.Merged)
	assert.Equal(t, b.trie.Items(), a.trie.Items())
	assert.Equal(t, b.trie.RootHash(), a.trie.RootHash())
}

func TestLocalRefusesOversizedIdRequest(t *testing.T) {
	b := newHub(t, "b", Config{})
	for i := uint32(0); i < MaxIdsPerRequest+1; i++ {
		b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100+i, "bulk"), 1))
	}

	_, err := b.local.GetAllIdsByPrefix(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestUnknownSignerRecovery(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})

	add := signerAdd(100, 2)
	early := qtest.Sign(qtest.CastAdd(fid, 90, "signed before the add"), 2)
	a.merge(t, add, early)

	res := b.sync.SyncWithPeer(context.Background(), "a", a.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, b.has(t, early))
	assert.True(t, b.has(t, add))
	assert.Equal(t, a.trie.RootHash(), b.trie.RootHash())
}

func TestUnknownFidIsRetriedOutOfBand(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	a.onChain(t, qtest.Register(8, 2, 3))
	a.merge(t, qtest.Sign(qtest.CastAdd(8, 100, "new fid"), 3))

	res := b.sync.SyncWithPeer(context.Background(), "a", a.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, []uint64{8}, b.retrier.Pending())

	_, ids := b.retrier.Drain()
	require.Len(t, ids, 1)
	assert.Equal(t, syncid.KindOnChainEvent, ids[0].Kind())
}

// hookPeer calls hook before delegating node metadata requests
type hookPeer struct {
	Peer
	info  *PeerInfo
	calls atomic.Int32
	hook  func(n int32)
}

func (p *hookPeer) GetInfo(ctx context.Context) (*PeerInfo, error) {
	if p.info != nil {
		return p.info, nil
	}
	return p.Peer.GetInfo(ctx)
}

func (p *hookPeer) GetNodeMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error) {
	n := p.calls.Add(1)
	if p.hook != nil {
		p.hook(n)
	}
	return p.Peer.GetNodeMetadataByPrefix(ctx, prefix)
}

func TestInterruptLeavesConsistentTrie(t *testing.T) {
	a := newHub(t, "a", Config{FetchAllThreshold: 1})
	b := newHub(t, "b", Config{FetchAllThreshold: 1})
	for i := uint32(0); i < 30; i++ {
		b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100+i*997, "x"), 1))
	}

	peer := &hookPeer{Peer: b.local}
	peer.hook = func(n int32) {
		if n == 8 {
			a.sync.Interrupt()
		}
	}
	res := a.sync.SyncWithPeer(context.Background(), "b", peer)
	require.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, int32(8), peer.calls.Load(), "stops at the next recursion step")
	assert.Less(t, res.Merged, 30)

	// the trie still matches what the stores hold
	before := a.trie.RootHash()
	require.NoError(t, a.trie.Rebuild(context.Background(), trie.Sources{a.stores, a.registry}))
	assert.Equal(t, before, a.trie.RootHash())

	// the next attempt starts fresh and finishes the job
	res = a.sync.SyncWithPeer(context.Background(), "b", b.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, b.trie.RootHash(), a.trie.RootHash())
}

func TestStopRefusesNewAttempts(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	a.sync.Stop()
	res := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.True(t, a.sync.Status().Stopped)
}

func TestAlreadySyncing(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100, "x"), 1))

	a.sync.syncing.Store(true)
	res := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	assert.Equal(t, OutcomeAlreadySyncing, res.Outcome)

	snap, err := b.local.GetSnapshotByPrefix(context.Background(), nil)
	require.NoError(t, err)
	should, err := a.sync.ShouldSync(snap)
	require.NoError(t, err)
	assert.False(t, should, "never while syncing")

	a.sync.syncing.Store(false)
	should, err = a.sync.ShouldSync(snap)
	require.NoError(t, err)
	assert.True(t, should)
}

func TestConcurrentAttemptsRunOneAtATime(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100, "x"), 1))

	release := make(chan struct{})
	entered := make(chan struct{})
	var once gosync.Once
	peer := &hookPeer{Peer: b.local}
	peer.hook = func(int32) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan *Result)
	go func() { done <- a.sync.SyncWithPeer(context.Background(), "b", peer) }()
	<-entered
	assert.True(t, a.sync.Status().Syncing)

	second := a.sync.SyncWithPeer(context.Background(), "b", b.local)
	assert.Equal(t, OutcomeAlreadySyncing, second.Outcome)

	close(release)
	first := <-done
	assert.Equal(t, OutcomeSynced, first.Outcome, first.Error)
	assert.Equal(t, StateIdle, a.sync.Status().State)
	assert.Equal(t, first, a.sync.Status().Last)
}

func TestPeerVersionCheck(t *testing.T) {
	a := newHub(t, "a", Config{MinPeerVersion: ">= 0.1.0-0"})
	b := newHub(t, "b", Config{})

	old := &hookPeer{Peer: b.local, info: &PeerInfo{Name: "b", Version: "0.0.9"}}
	res := a.sync.SyncWithPeer(context.Background(), "b", old)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "need >= 0.1.0-0")

	res = a.sync.SyncWithPeer(context.Background(), "b", b.local)
	assert.NotEqual(t, OutcomeFailed, res.Outcome, res.Error)

	_, err := NewEngine(a.trie, a.merger, nil, nil, Config{MinPeerVersion: "not a constraint"}, nil)
	assert.Error(t, err)
}

func TestPerformSyncAndDivergence(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	b.merge(t, qtest.Sign(qtest.CastAdd(fid, 100, "x"), 1))

	snap, err := a.sync.LocalSnapshot()
	require.NoError(t, err)
	theirs, err := b.local.GetSnapshotByPrefix(context.Background(), snap.Prefix)
	require.NoError(t, err)

	res := a.sync.PerformSync(context.Background(), theirs, b.local)
	require.Equal(t, OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Merged)
	assert.Less(t, len(res.DivergencePrefix), syncid.TimestampLength)
	assert.Equal(t, b.trie.RootHash(), a.trie.RootHash())
}

func TestFetchAndMergeMessages(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	m := qtest.Sign(qtest.CastAdd(fid, 100, "x"), 1)
	b.merge(t, m)
	id, err := m.SyncID()
	require.NoError(t, err)

	res, err := a.sync.FetchAndMergeMessages(context.Background(), []syncid.ID{id, id}, b.local)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	// ids we already hold are not fetched again
	res, err = a.sync.FetchAndMergeMessages(context.Background(), []syncid.ID{id}, b.local)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
}

type memRecorder struct {
	mu      gosync.Mutex
	results []*Result
}

func (r *memRecorder) Record(_ context.Context, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func TestRecorderSeesEveryAttempt(t *testing.T) {
	a := newHub(t, "a", Config{})
	b := newHub(t, "b", Config{})
	rec := &memRecorder{}
	a.sync.recorder = rec

	a.sync.SyncWithPeer(context.Background(), "b", b.local)
	a.sync.SyncWithPeer(context.Background(), "b", b.local)
	require.Len(t, rec.results, 2)
	assert.Equal(t, "b", rec.results[0].Peer)
	assert.NotEqual(t, rec.results[0].AttemptID, rec.results[1].AttemptID)
	assert.False(t, rec.results[0].FinishedAt.Before(rec.results[0].StartedAt))
}

func TestLocalRejectsOversizedRequests(t *testing.T) {
	a := newHub(t, "a", Config{})
	ids := make([]syncid.ID, MaxIdsPerRequest+1)
	_, err := a.local.GetMessagesByIds(context.Background(), ids)
	assert.True(t, errors.IsValidation(err))

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	_, err = a.local.GetInfo(ctx)
	assert.Error(t, err)
}
