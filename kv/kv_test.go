package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/teranos/hub/errors"
)

func TestGetPutDelete(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	key := Key(PrefixMessage, []byte{0, 0, 0, 7}, []byte{1})
	_, err = db.Get(key)
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, db.Put(key, []byte("record")))
	v, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), v)

	require.NoError(t, db.Delete(key))
	ok, err := db.Has(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIteratorStaysInNamespace(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	b := new(leveldb.Batch)
	b.Put(Key(PrefixLiveAdd, []byte("a")), nil)
	b.Put(Key(PrefixLiveAdd, []byte("b")), nil)
	b.Put(Key(PrefixLiveRemove, []byte("a")), nil)
	require.NoError(t, db.Write(b))

	n, err := db.Count([]byte{PrefixLiveAdd})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deleted, err := db.DeletePrefix([]byte{PrefixLiveAdd}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	n, err = db.Count([]byte{PrefixLiveRemove})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanShutdownFlag(t *testing.T) {
	stor := storage.NewMemStorage()

	db, err := openStorage(stor)
	require.NoError(t, err)
	assert.True(t, db.WasCleanShutdown(), "empty database counts as clean")
	require.NoError(t, db.Put(Key(PrefixMessage, []byte("x")), []byte("y")))
	require.NoError(t, db.Close())

	db, err = openStorage(stor)
	require.NoError(t, err)
	assert.True(t, db.WasCleanShutdown())

	// simulate a crash: close leveldb without writing the flag
	require.NoError(t, db.ldb.Close())

	db, err = openStorage(stor)
	require.NoError(t, err)
	assert.False(t, db.WasCleanShutdown())
	require.NoError(t, db.Close())
}

func TestKey(t *testing.T) {
	assert.Equal(t, []byte{0x13, 1, 2, 3}, Key(PrefixBySigner, []byte{1}, []byte{2, 3}))
	assert.Equal(t, []byte{0x02}, Key(PrefixTrieMeta))
}

func TestNewIteratorAfter(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Put(Key(PrefixMessage, []byte(k)), nil))
	}
	require.NoError(t, db.Put(Key(PrefixOnChainEvent, []byte("z")), nil))

	collect := func(after []byte) []string {
		it := db.NewIteratorAfter([]byte{PrefixMessage}, after)
		defer it.Release()
		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()[1:]))
		}
		return keys
	}

	assert.Equal(t, []string{"a", "b", "c"}, collect(nil))
	assert.Equal(t, []string{"c"}, collect(Key(PrefixMessage, []byte("b"))))
	assert.Empty(t, collect(Key(PrefixOnChainEvent, []byte("a"))), "cursor past the namespace")
	assert.Equal(t, []string{"a", "b", "c"}, collect([]byte{0x05}), "cursor before the namespace")
}
