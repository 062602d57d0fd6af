package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/syncid"
)

const blockTime = 1700000000

func key(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func pub(seed byte) []byte {
	return key(seed).Public().(ed25519.PublicKey)
}

func event(typ EventType, fid, block uint64, seed byte) *OnChainEvent {
	return &OnChainEvent{
		Type:           typ,
		Fid:            fid,
		BlockNumber:    block,
		LogIndex:       1,
		BlockTimestamp: blockTime + int64(block),
		Key:            pub(seed),
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := kv.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db, nil)
}

func stage(t *testing.T, r *Registry, e *OnChainEvent) *OwnerChange {
	t.Helper()
	b := new(leveldb.Batch)
	c, err := r.StageEvent(b, e)
	require.NoError(t, err)
	require.NoError(t, r.db.Write(b))
	return c
}

func TestEventEncodingRoundTrip(t *testing.T) {
	e := event(EventSignerKeyAdd, 7, 12, 3)
	e.TxHash = bytes.Repeat([]byte{0xaa}, 32)
	got, err := decodeEvent(encodeEvent(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = decodeEvent([]byte{0xff})
	assert.True(t, errors.IsStorage(err))
}

func TestUnknownFid(t *testing.T) {
	r := newRegistry(t)
	_, err := r.IsSignerAuthorized(context.Background(), 7, pub(1))
	assert.True(t, errors.Is(err, errors.ErrUnknownFid))
	assert.True(t, errors.IsValidation(err))

	ok, err := r.HasFid(7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCustodyFollowsLatestRegister(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	c := stage(t, r, event(EventIdRegister, 7, 10, 1))
	require.NotNil(t, c)
	assert.Nil(t, c.Previous)
	assert.Equal(t, pub(1), c.Current)

	ok, err := r.IsSignerAuthorized(ctx, 7, pub(1))
	require.NoError(t, err)
	assert.True(t, ok)

	// a transfer moves custody
	c = stage(t, r, event(EventIdRegister, 7, 20, 2))
	require.NotNil(t, c)
	assert.Equal(t, pub(1), c.Previous)

	ok, err = r.IsSignerAuthorized(ctx, 7, pub(1))
	require.NoError(t, err)
	assert.False(t, ok)

	// a late-arriving older register changes nothing
	assert.Nil(t, stage(t, r, event(EventIdRegister, 7, 15, 3)))
	custody, err := r.Custody(7)
	require.NoError(t, err)
	assert.Equal(t, pub(2), custody.Key)

	events, err := r.Events(7)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestOnChainSignerKeys(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	stage(t, r, event(EventIdRegister, 7, 10, 1))

	assert.Nil(t, stage(t, r, event(EventSignerKeyAdd, 7, 11, 5)))
	ok, err := r.IsSignerAuthorized(ctx, 7, pub(5))
	require.NoError(t, err)
	assert.True(t, ok)

	c := stage(t, r, event(EventSignerKeyRemove, 7, 12, 5))
	require.NotNil(t, c)
	assert.Equal(t, pub(5), c.Removed)

	ok, err = r.IsSignerAuthorized(ctx, 7, pub(5))
	require.NoError(t, err)
	assert.False(t, ok)

	// an add logged before the remove cannot resurrect the key
	stale := event(EventSignerKeyAdd, 7, 11, 5)
	stale.LogIndex = 0
	assert.Nil(t, stage(t, r, stale))
	ok, err = r.IsSignerAuthorized(ctx, 7, pub(5))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStageEventDuplicate(t *testing.T) {
	r := newRegistry(t)
	e := event(EventIdRegister, 7, 10, 1)
	stage(t, r, e)
	_, err := r.StageEvent(new(leveldb.Batch), e)
	assert.True(t, errors.IsDuplicate(err))
}

func TestNotifyDropsWhenFull(t *testing.T) {
	r := newRegistry(t)
	for i := 0; i < ownerChangeBuffer+3; i++ {
		r.Notify(OwnerChange{Fid: uint64(i)})
	}
	assert.Equal(t, 3, r.Dropped())
	c := <-r.OwnerChanges()
	assert.Equal(t, uint64(0), c.Fid)
}

func proof(name string, fid uint64, ts int64) *UsernameProof {
	p := &UsernameProof{Name: []byte(name), Fid: fid, Timestamp: ts}
	SignProof(p, key(9))
	return p
}

func TestUsernameProofValidate(t *testing.T) {
	assert.NoError(t, proof("alice", 7, blockTime).Validate())

	p := proof("alice", 7, blockTime)
	p.Fid = 8
	assert.True(t, errors.IsValidation(p.Validate()), "signature covers fid")

	assert.Error(t, proof("", 7, blockTime).Validate())
	assert.Error(t, proof("a-name-that-is-far-too-long", 7, blockTime).Validate())
	assert.Error(t, proof("alice", 7, 100).Validate())
}

func TestStageProof(t *testing.T) {
	r := newRegistry(t)
	write := func(p *UsernameProof) (*UsernameProof, error) {
		b := new(leveldb.Batch)
		replaced, err := r.StageProof(b, p)
		if err != nil {
			return nil, err
		}
		return replaced, r.db.Write(b)
	}

	replaced, err := write(proof("alice", 7, blockTime))
	require.NoError(t, err)
	assert.Nil(t, replaced)

	_, err = write(proof("alice", 7, blockTime))
	assert.True(t, errors.IsDuplicate(err))

	_, err = write(proof("alice", 8, blockTime-1))
	assert.True(t, errors.IsConflict(err))

	replaced, err = write(proof("alice", 8, blockTime+1))
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, uint64(7), replaced.Fid)

	stored, err := r.Proof([]byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), stored.Fid)
}

func TestScanAndHas(t *testing.T) {
	r := newRegistry(t)
	stage(t, r, event(EventIdRegister, 7, 10, 1))
	stage(t, r, event(EventSignerKeyAdd, 7, 11, 5))
	b := new(leveldb.Batch)
	_, err := r.StageProof(b, proof("alice", 7, blockTime))
	require.NoError(t, err)
	require.NoError(t, r.db.Write(b))

	var ids []syncid.ID
	require.NoError(t, r.Scan(context.Background(), nil, func(_ []byte, id syncid.ID) error {
		ids = append(ids, id)
		return nil
	}))
	require.Len(t, ids, 3)
	assert.Equal(t, syncid.KindOnChainEvent, ids[0].Kind())
	assert.Equal(t, syncid.KindOnChainEvent, ids[1].Kind())
	assert.Equal(t, syncid.KindUsernameProof, ids[2].Kind())

	for _, id := range ids {
		ok, err := r.Has(id)
		require.NoError(t, err)
		assert.True(t, ok, id.String())
	}

	e, err := r.Event(ids[1])
	require.NoError(t, err)
	assert.Equal(t, EventSignerKeyAdd, e.Type)

	missing, err := event(EventSignerKeyAdd, 7, 99, 5).SyncID()
	require.NoError(t, err)
	ok, err := r.Has(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogRetrier(t *testing.T) {
	r := NewLogRetrier(nil)
	ctx := context.Background()
	r.RetryFid(ctx, 9)
	r.RetryFid(ctx, 3)
	r.RetryFid(ctx, 9)
	id, err := event(EventIdRegister, 3, 1, 1).SyncID()
	require.NoError(t, err)
	r.RetryID(ctx, id)

	assert.Equal(t, []uint64{3, 9}, r.Pending())
	fids, ids := r.Drain()
	assert.Equal(t, []uint64{3, 9}, fids)
	assert.Len(t, ids, 1)
	assert.Empty(t, r.Pending())
}
