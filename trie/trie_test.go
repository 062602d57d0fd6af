package trie

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/syncid"
)

func openTrie(t *testing.T) (*Trie, *kv.DB) {
	t.Helper()
	db, err := kv.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tr, err := Open(db, Options{RebuildLogEvery: 10}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return tr, db
}

func makeID(t *testing.T, ts int64, seed byte) syncid.ID {
	t.Helper()
	id, err := syncid.FromMessage(ts, 7, 1, bytes.Repeat([]byte{seed}, syncid.HashLength))
	require.NoError(t, err)
	return id
}

func makeIDs(t *testing.T, n int) []syncid.ID {
	t.Helper()
	ids := make([]syncid.ID, n)
	for i := range ids {
		// spread over a few timestamps so leaves share deep prefixes
		ids[i] = makeID(t, int64(100+i%7), byte(i))
	}
	return ids
}

func countNodes(t *testing.T, db *kv.DB, gen byte) int {
	t.Helper()
	n, err := db.Count(generationPrefix(gen))
	require.NoError(t, err)
	return n
}

func TestEmptyTrie(t *testing.T) {
	tr, _ := openTrie(t)
	assert.Equal(t, EmptyHash, tr.RootHash())
	assert.Equal(t, 0, tr.Items())
}

func TestInsertIsIdempotent(t *testing.T) {
	tr, _ := openTrie(t)
	id := makeID(t, 100, 1)

	added, err := tr.Insert(id)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, added)
	hash := tr.RootHash()

	added, err = tr.Insert(id)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, added)
	assert.Equal(t, hash, tr.RootHash())
	assert.Equal(t, 1, tr.Items())

	ok, err := tr.Exists(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	tr, _ := openTrie(t)
	a, b := makeID(t, 100, 1), makeID(t, 100, 2)
	_, err := tr.Insert(a)
	require.NoError(t, err)
	hash := tr.RootHash()

	removed, err := tr.Delete(b)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, removed)
	assert.Equal(t, hash, tr.RootHash())

	removed, err = tr.Delete(a)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, removed)
	assert.Equal(t, EmptyHash, tr.RootHash())
	assert.Equal(t, 0, tr.Items())
}

func TestHashIsOrderIndependent(t *testing.T) {
	ids := makeIDs(t, 60)

	reference, _ := openTrie(t)
	_, err := reference.Insert(ids...)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 5; round++ {
		shuffled := append([]syncid.ID(nil), ids...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		tr, _ := openTrie(t)
		for _, id := range shuffled {
			_, err := tr.Insert(id)
			require.NoError(t, err)
		}
		assert.Equal(t, reference.RootHash(), tr.RootHash(), "round %d", round)
		assert.Equal(t, 60, tr.Items())
	}
}

func TestDeleteRestoresCanonicalShape(t *testing.T) {
	ids := makeIDs(t, 40)
	keep, drop := ids[:25], ids[25:]

	incremental, idb := openTrie(t)
	_, err := incremental.Insert(ids...)
	require.NoError(t, err)
	removed, err := incremental.Delete(drop...)
	require.NoError(t, err)
	for _, ok := range removed {
		assert.True(t, ok)
	}

	fresh, fdb := openTrie(t)
	_, err = fresh.Insert(keep...)
	require.NoError(t, err)

	assert.Equal(t, fresh.RootHash(), incremental.RootHash())
	assert.Equal(t, fresh.Items(), incremental.Items())
	assert.Equal(t, countNodes(t, fdb, 0), countNodes(t, idb, 0), "same set must leave the same persisted nodes")
}

func TestSnapshotStableWithinWindow(t *testing.T) {
	tr, _ := openTrie(t)
	_, err := tr.Insert(makeIDs(t, 30)...)
	require.NoError(t, err)

	prefix, err := syncid.TimestampPrefix(100)
	require.NoError(t, err)

	s1, err := tr.Snapshot(prefix)
	require.NoError(t, err)
	s2, err := tr.Snapshot(prefix)
	require.NoError(t, err)

	assert.True(t, s1.Equal(s2))
	assert.Len(t, s1.ExcludedHashes, len(prefix)+1)
	assert.Equal(t, 30, s1.NumMessages)
}

func TestSnapshotDetectsChangeOffPath(t *testing.T) {
	tr, _ := openTrie(t)
	_, err := tr.Insert(makeIDs(t, 10)...)
	require.NoError(t, err)
	prefix, err := syncid.TimestampPrefix(200)
	require.NoError(t, err)

	before, err := tr.Snapshot(prefix)
	require.NoError(t, err)

	_, err = tr.Insert(makeID(t, 50, 0xee))
	require.NoError(t, err)
	after, err := tr.Snapshot(prefix)
	require.NoError(t, err)

	assert.False(t, before.Equal(after))
}

func TestNodeMetadataOneLevel(t *testing.T) {
	tr, _ := openTrie(t)
	_, err := tr.Insert(makeIDs(t, 20)...)
	require.NoError(t, err)

	root, err := tr.NodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, 20, root.NumMessages)
	assert.Equal(t, tr.RootHash(), root.Hash)
	require.Len(t, root.Children, 1) // every id starts with '0'

	child := root.Children['0']
	assert.Equal(t, []byte("0"), child.Prefix)
	assert.Equal(t, 20, child.NumMessages)
	assert.Nil(t, child.Children, "children carry no grandchildren")

	_, err = tr.NodeMetadata([]byte("9"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAllValues(t *testing.T) {
	tr, _ := openTrie(t)
	ids := makeIDs(t, 21)
	_, err := tr.Insert(ids...)
	require.NoError(t, err)

	all, err := tr.AllValues(nil)
	require.NoError(t, err)
	require.Len(t, all, 21)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return bytes.Compare(all[i], all[j]) < 0 }))

	prefix, err := syncid.TimestampPrefix(101)
	require.NoError(t, err)
	sub, err := tr.AllValues(prefix)
	require.NoError(t, err)
	assert.Len(t, sub, 3) // i%7 == 1 for i in 0..20
	for _, id := range sub {
		assert.Equal(t, int64(101), id.Timestamp())
	}
}

func TestCommitFailureDiscardsCache(t *testing.T) {
	tr, _ := openTrie(t)
	_, err := tr.Insert(makeID(t, 100, 1))
	require.NoError(t, err)
	hash := tr.RootHash()

	boom := errors.New("disk full")
	_, _, err = tr.Commit([]syncid.ID{makeID(t, 100, 2)}, nil, func(*leveldb.Batch) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, hash, tr.RootHash())
	ok, err := tr.Exists(makeID(t, 100, 2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitWritesCallerDataAtomically(t *testing.T) {
	tr, db := openTrie(t)
	id := makeID(t, 100, 1)
	record := kv.Key(kv.PrefixMessage, []byte("record"))

	_, _, err := tr.Commit([]syncid.ID{id}, nil, func(b *leveldb.Batch) error {
		b.Put(record, []byte("v"))
		return db.Write(b)
	})
	require.NoError(t, err)

	ok, err := db.Has(record)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReopenAndUnload(t *testing.T) {
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	tr, err := Open(db, Options{}, nil)
	require.NoError(t, err)

	ids := makeIDs(t, 30)
	_, err = tr.Insert(ids...)
	require.NoError(t, err)
	hash := tr.RootHash()

	assert.Positive(t, tr.UnloadChildren())
	for _, id := range ids {
		ok, err := tr.Exists(id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, tr.CommitToDb())

	reopened, err := Open(db, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, hash, reopened.RootHash())
	assert.Equal(t, 30, reopened.Items())

	_, err = reopened.Delete(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 29, reopened.Items())
	require.NoError(t, db.Close())
}
