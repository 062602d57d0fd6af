package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/identity"
	qtest "github.com/teranos/hub/internal/testing"
	"github.com/teranos/hub/merge"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/store"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

type hub struct {
	trie   *trie.Trie
	merger *merge.Engine
	local  *hubsync.Local
}

func newHub(t *testing.T, name string) *hub {
	t.Helper()
	db := qtest.CreateTestKV(t)
	tr, err := trie.Open(db, trie.Options{}, nil)
	require.NoError(t, err)
	stores := store.New(db, nil)
	reg := identity.NewRegistry(db, nil)
	m := merge.NewEngine(db, tr, stores, reg, message.NewValidator(message.NetworkDevnet), nil, merge.Config{}, nil)
	require.NoError(t, m.MergeOnChainEvent(context.Background(), qtest.Register(7, 1, 1)))
	return &hub{trie: tr, merger: m, local: hubsync.NewLocal(name, tr, stores)}
}

func (h *hub) merge(t *testing.T, msgs ...*message.Message) {
	t.Helper()
	for _, m := range msgs {
		_, err := h.merger.Merge(context.Background(), m)
		require.NoError(t, err)
	}
}

// serve runs a sync server for p on an in-memory listener and returns a
// client connected to it
func serve(t *testing.T, p hubsync.Peer, cfg ServerConfig) (*Server, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(p, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, c
}

func TestClientRoundTrips(t *testing.T) {
	h := newHub(t, "remote")
	cast := qtest.Sign(qtest.CastAdd(7, 100, "over the wire"), 1)
	add := qtest.Sign(qtest.SignerAdd(7, 90, qtest.PublicKey(2)), 1)
	h.merge(t, add, cast)
	_, c := serve(t, h.local, ServerConfig{})
	ctx := context.Background()

	info, err := c.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote", info.Name)
	assert.Equal(t, h.trie.RootHash(), info.RootHash)
	assert.Equal(t, 3, info.NumMessages)

	prefix, err := syncid.TimestampPrefix(syncid.Now())
	require.NoError(t, err)
	snap, err := c.GetSnapshotByPrefix(ctx, prefix)
	require.NoError(t, err)
	want, err := h.trie.Snapshot(prefix)
	require.NoError(t, err)
	assert.True(t, want.Equal(snap))
	assert.Equal(t, want.Prefix, snap.Prefix)

	md, err := c.GetNodeMetadataByPrefix(ctx, []byte("0"))
	require.NoError(t, err)
	wantMD, err := h.trie.NodeMetadata([]byte("0"))
	require.NoError(t, err)
	assert.Equal(t, wantMD.Hash, md.Hash)
	assert.Equal(t, len(wantMD.Children), len(md.Children))
	for ch, child := range wantMD.Children {
		require.Contains(t, md.Children, ch)
		assert.Equal(t, child.Hash, md.Children[ch].Hash)
	}

	ids, err := c.GetAllIdsByPrefix(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	castID, err := cast.SyncID()
	require.NoError(t, err)
	msgs, err := c.GetMessagesByIds(ctx, []syncid.ID{castID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, cast.Hash, msgs[0].Hash)
	assert.NoError(t, message.NewValidator(message.NetworkDevnet).Validate(msgs[0]), "survives the wire codec intact")

	signers, err := c.GetSignerMessagesByFid(ctx, 7)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, add.Hash, signers[0].Hash)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	h := newHub(t, "remote")
	_, c := serve(t, h.local, ServerConfig{})
	ctx := context.Background()

	_, err := c.GetNodeMetadataByPrefix(ctx, []byte("9999"))
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)

	_, err = c.GetMessagesByIds(ctx, make([]syncid.ID, hubsync.MaxIdsPerRequest+1))
	assert.True(t, errors.IsValidation(err), "got %v", err)
}

func TestRateLimitPerPeer(t *testing.T) {
	h := newHub(t, "remote")
	srv, c := serve(t, h.local, ServerConfig{RatePerSecond: 0.001, Burst: 2})
	ctx := context.Background()

	_, err := c.GetInfo(ctx)
	require.NoError(t, err)
	_, err = c.GetInfo(ctx)
	require.NoError(t, err)
	_, err = c.GetInfo(ctx)
	assert.True(t, errors.IsUnavailable(err), "got %v", err)
	assert.Equal(t, int64(1), srv.Denied())
}

func TestLimitersForgetIdlePeers(t *testing.T) {
	l := newLimiters(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "buckets are per remote")

	now = now.Add(2 * limiterIdle)
	l.allow("c")
	assert.NotContains(t, l.peers, "a")
	assert.NotContains(t, l.peers, "b")
}

func TestSyncOverGRPC(t *testing.T) {
	remote := newHub(t, "remote")
	local := newHub(t, "local")
	for i := uint32(0); i < 25; i++ {
		remote.merge(t, qtest.Sign(qtest.CastAdd(7, 100+i*613, "remote cast"), 1))
	}
	_, c := serve(t, remote.local, ServerConfig{})

	e, err := hubsync.NewEngine(local.trie, local.merger, nil, nil, hubsync.Config{FetchAllThreshold: 4}, nil)
	require.NoError(t, err)
	res := e.SyncWithPeer(context.Background(), "remote", c)
	require.Equal(t, hubsync.OutcomeSynced, res.Outcome, res.Error)
	assert.Equal(t, 25, res.Merged)
	assert.Equal(t, remote.trie.RootHash(), local.trie.RootHash())
}

func TestPoolReusesClients(t *testing.T) {
	p := NewPool(nil)
	a, err := p.Get("127.0.0.1:1")
	require.NoError(t, err)
	again, err := p.Get("127.0.0.1:1")
	require.NoError(t, err)
	assert.Same(t, a, again)

	p.Retain(map[string]bool{})
	b, err := p.Get("127.0.0.1:1")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	p.Close()
}

func TestRemoteOfWithoutPeer(t *testing.T) {
	assert.Equal(t, "unknown", remoteOf(context.Background()))
}
