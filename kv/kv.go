// Package kv is the hub's single ordered key-value store.
//
// Every namespace (trie nodes, message records, indexes, identity records)
// lives in one goleveldb database under its own one-byte key prefix, so a
// single *leveldb.Batch can change the trie and the stores atomically.
package kv

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
)

// Namespace prefixes. One byte each, never reused.
const (
	PrefixTrieNode      byte = 0x01 // 0x01 ‖ generation ‖ node prefix
	PrefixTrieMeta      byte = 0x02 // live / staging generation pointers
	PrefixRebuildCursor byte = 0x03 // last record key visited by Rebuild
	PrefixCleanShutdown byte = 0x04 // present only between Close and the next Open

	PrefixMessage    byte = 0x10 // fid ‖ postfix ‖ tsHash
	PrefixLiveAdd    byte = 0x11 // fid ‖ postfix ‖ bucket key
	PrefixLiveRemove byte = 0x12 // fid ‖ postfix ‖ bucket key
	PrefixBySigner   byte = 0x13 // fid ‖ signer ‖ postfix ‖ tsHash

	PrefixOnChainEvent  byte = 0x20 // fid ‖ type ‖ block ‖ log index
	PrefixCustody       byte = 0x21 // fid
	PrefixOnChainSigner byte = 0x22 // fid ‖ signer key
	PrefixUsernameProof byte = 0x23 // name
)

var cleanShutdownKey = []byte{PrefixCleanShutdown}

// DB wraps a goleveldb database with the hub's namespaces
type DB struct {
	ldb           *leveldb.DB
	path          string
	cleanShutdown bool
}

// Open opens (creating if needed) the leveldb directory at path. A corrupted
// manifest is recovered once before giving up.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if lerrors.IsCorrupted(err) {
		logger.Warnw("leveldb corrupted, attempting recovery",
			"path", path,
			"error", err)
		ldb, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to open leveldb at "+path)
	}
	return wrap(ldb, path)
}

// OpenMemory opens a database backed by in-memory storage
func OpenMemory() (*DB, error) {
	return openStorage(storage.NewMemStorage())
}

func openStorage(stor storage.Storage) (*DB, error) {
	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to open leveldb storage")
	}
	return wrap(ldb, ":memory:")
}

// wrap consumes the clean-shutdown flag. It is rewritten only by Close, so
// a crash leaves it absent for the next Open.
func wrap(ldb *leveldb.DB, path string) (*DB, error) {
	db := &DB{ldb: ldb, path: path}

	clean, err := ldb.Has(cleanShutdownKey, nil)
	if err != nil {
		ldb.Close()
		return nil, errors.WrapStorage(err, "failed to read clean-shutdown flag")
	}
	if !clean {
		// A brand new database has nothing to be inconsistent about
		it := ldb.NewIterator(nil, nil)
		clean = !it.First()
		it.Release()
	}
	db.cleanShutdown = clean

	if err := ldb.Delete(cleanShutdownKey, &opt.WriteOptions{Sync: true}); err != nil {
		ldb.Close()
		return nil, errors.WrapStorage(err, "failed to clear clean-shutdown flag")
	}
	return db, nil
}

// WasCleanShutdown reports whether the previous process closed the database
// through Close
func (db *DB) WasCleanShutdown() bool {
	return db.cleanShutdown
}

// Path returns the directory the database was opened from
func (db *DB) Path() string {
	return db.path
}

// Get returns the value for key, or an ErrNotFound-wrapped error
func (db *DB) Get(key []byte) ([]byte, error) {
	v, err := db.ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(errors.ErrNotFound, "key %x", key)
	}
	if err != nil {
		return nil, errors.WrapStorage(err, "leveldb get")
	}
	return v, nil
}

// Has reports whether key exists
func (db *DB) Has(key []byte) (bool, error) {
	ok, err := db.ldb.Has(key, nil)
	if err != nil {
		return false, errors.WrapStorage(err, "leveldb has")
	}
	return ok, nil
}

// Put writes a single key synchronously
func (db *DB) Put(key, value []byte) error {
	return errors.WrapStorage(db.ldb.Put(key, value, &opt.WriteOptions{Sync: true}), "leveldb put")
}

// Delete removes a single key synchronously
func (db *DB) Delete(key []byte) error {
	return errors.WrapStorage(db.ldb.Delete(key, &opt.WriteOptions{Sync: true}), "leveldb delete")
}

// Write applies a batch atomically and synchronously
func (db *DB) Write(b *leveldb.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return errors.WrapStorage(db.ldb.Write(b, &opt.WriteOptions{Sync: true}), "leveldb write batch")
}

// NewIterator iterates every key starting with prefix, in key order.
// The caller must Release it.
func (db *DB) NewIterator(prefix []byte) iterator.Iterator {
	return db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
}

// NewIteratorAfter iterates keys under prefix that sort strictly after
// the given key. A nil or smaller key starts at the beginning of prefix.
func (db *DB) NewIteratorAfter(prefix, after []byte) iterator.Iterator {
	r := util.BytesPrefix(prefix)
	if after != nil && bytes.Compare(after, r.Start) >= 0 {
		r.Start = append(bytes.Clone(after), 0x00)
	}
	return db.ldb.NewIterator(r, nil)
}

// NewRangeIterator iterates keys in [start, limit)
func (db *DB) NewRangeIterator(start, limit []byte) iterator.Iterator {
	return db.ldb.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
}

// DeletePrefix removes every key under prefix in chunks of at most
// chunk keys per batch
func (db *DB) DeletePrefix(prefix []byte, chunk int) (int, error) {
	if chunk <= 0 {
		chunk = 10000
	}
	it := db.NewIterator(prefix)
	defer it.Release()

	deleted := 0
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
		if batch.Len() >= chunk {
			if err := db.Write(batch); err != nil {
				return deleted, err
			}
			deleted += batch.Len()
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return deleted, errors.WrapStorage(err, "iterate prefix for delete")
	}
	n := batch.Len()
	if err := db.Write(batch); err != nil {
		return deleted, err
	}
	return deleted + n, nil
}

// Count returns the number of keys under prefix
func (db *DB) Count(prefix []byte) (int, error) {
	it := db.NewIterator(prefix)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, errors.WrapStorage(it.Error(), "count prefix")
}

// Stats returns leveldb's internal compaction statistics
func (db *DB) Stats() string {
	s, err := db.ldb.GetProperty("leveldb.stats")
	if err != nil {
		return ""
	}
	return s
}

// Close flushes the clean-shutdown flag and closes the database
func (db *DB) Close() error {
	if err := db.ldb.Put(cleanShutdownKey, []byte{1}, &opt.WriteOptions{Sync: true}); err != nil {
		logger.Warnw("Failed to write clean-shutdown flag",
			"path", db.path,
			"error", err)
	}
	return errors.WrapStorage(db.ldb.Close(), "close leveldb")
}

// Key concatenates a namespace prefix and key parts
func Key(prefix byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}
