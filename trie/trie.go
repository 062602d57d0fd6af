// Package trie implements the Merkle radix trie over sync ids.
//
// Every node is persisted under its prefix in the kv store and children are
// loaded lazily, so only the paths that are actually touched stay in memory.
// Node hashes are BLAKE3 over the children's hashes in byte order, which
// makes the root hash a function of the id set alone: two hubs holding the
// same ids agree on every node hash regardless of insertion order.
package trie

import (
	"bytes"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/internal/digest"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/syncid"
)

// EmptyHash is the hash of a subtree with no items
var EmptyHash = digest.Empty

var (
	liveGenerationKey    = []byte{kv.PrefixTrieMeta}
	stagingGenerationKey = []byte{kv.PrefixTrieMeta, 's'}
	rebuildCursorKey     = []byte{kv.PrefixRebuildCursor}
)

// Snapshot summarizes the trie along the path to a prefix: for each
// position the hash of everything except the branch continuing the path,
// then the hash of the node at the end of the path.
type Snapshot struct {
	Prefix         []byte   `json:"prefix"`
	ExcludedHashes [][]byte `json:"excluded_hashes"`
	NumMessages    int      `json:"num_messages"`
}

// Equal reports whether two snapshots carry identical excluded hashes
func (s *Snapshot) Equal(o *Snapshot) bool {
	if len(s.ExcludedHashes) != len(o.ExcludedHashes) {
		return false
	}
	for i := range s.ExcludedHashes {
		if !bytes.Equal(s.ExcludedHashes[i], o.ExcludedHashes[i]) {
			return false
		}
	}
	return true
}

// NodeMetadata describes a node and one level of its children
type NodeMetadata struct {
	Prefix      []byte                 `json:"prefix"`
	NumMessages int                    `json:"num_messages"`
	Hash        []byte                 `json:"hash"`
	Children    map[byte]*NodeMetadata `json:"children,omitempty"`
}

// Options tune trie maintenance
type Options struct {
	RebuildLogEvery int // records between rebuild checkpoints and progress logs
}

// Trie is safe for concurrent use; all operations serialize on one lock.
type Trie struct {
	mu      sync.Mutex
	db      *kv.DB
	live    *tree
	staging *tree // non-nil while a rebuild is in progress
	opts    Options
	log     *zap.SugaredLogger

	rebuild rebuildState
}

// Open loads the live generation's root. If a rebuild was interrupted, its
// staging generation is reopened so merges keep being mirrored into it
// until Rebuild resumes.
func Open(db *kv.DB, opts Options, log *zap.SugaredLogger) (*Trie, error) {
	if log == nil {
		log = logger.Logger
	}
	if opts.RebuildLogEvery <= 0 {
		opts.RebuildLogEvery = 10000
	}

	gen, err := readGeneration(db, liveGenerationKey)
	if err != nil {
		return nil, err
	}
	live, err := openTree(db, gen)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open trie")
	}
	t := &Trie{db: db, live: live, opts: opts, log: log}

	ok, err := db.Has(stagingGenerationKey)
	if err != nil {
		return nil, err
	}
	if ok {
		sgen, err := readGeneration(db, stagingGenerationKey)
		if err != nil {
			return nil, err
		}
		if t.staging, err = openTree(db, sgen); err != nil {
			return nil, errors.Wrap(err, "failed to open staging trie")
		}
		log.Infow("Found interrupted trie rebuild, mirroring merges until it resumes",
			"generation", sgen)
	}

	log.Infow("Trie opened",
		logger.FieldNumItems, live.root.items,
		logger.FieldRootHash, live.root.hash,
		"generation", gen)
	return t, nil
}

func readGeneration(db *kv.DB, key []byte) (byte, error) {
	v, err := db.Get(key)
	if errors.IsNotFoundError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, errors.Mark(errors.Newf("trie generation record is %d bytes", len(v)), errors.ErrStorage)
	}
	return v[0], nil
}

// Commit applies inserts then deletes to the trie, records the node
// changes in a fresh batch and hands it to write, which adds its own
// changes and persists the batch. Trie and caller data thus land
// atomically. If anything fails, the node cache is discarded and reloaded
// from the store so memory never runs ahead of disk.
func (t *Trie) Commit(inserts, deletes []syncid.ID, write func(*leveldb.Batch) error) (inserted, deleted []bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := new(leveldb.Batch)
	inserted, deleted, err = t.live.apply(b, inserts, deletes)
	if err == nil && t.staging != nil {
		_, _, err = t.staging.apply(b, inserts, deletes)
	}
	if err == nil {
		err = write(b)
	}
	if err != nil {
		t.discardLocked()
		return nil, nil, err
	}
	return inserted, deleted, nil
}

func (t *Trie) discardLocked() {
	if err := t.live.reload(); err != nil {
		t.log.Errorw("Failed to reload trie after aborted commit",
			"error", err)
	}
	if t.staging != nil {
		if err := t.staging.reload(); err != nil {
			t.log.Errorw("Failed to reload staging trie after aborted commit",
				"error", err)
		}
	}
}

// Insert adds ids and persists the change. Each result reports whether
// the id was newly added.
func (t *Trie) Insert(ids ...syncid.ID) ([]bool, error) {
	inserted, _, err := t.Commit(ids, nil, t.db.Write)
	return inserted, err
}

// Delete removes ids and persists the change. Each result reports whether
// a leaf was actually removed.
func (t *Trie) Delete(ids ...syncid.ID) ([]bool, error) {
	_, deleted, err := t.Commit(nil, ids, t.db.Write)
	return deleted, err
}

// Exists reports whether id is a leaf of the trie
func (t *Trie) Exists(id syncid.ID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live.exists(id)
}

// RootHash returns the hash of the whole trie
func (t *Trie) RootHash() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.live.root.hash)
}

// Items returns the number of ids in the trie
func (t *Trie) Items() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live.root.items
}

// Snapshot walks prefix from the root. If the path ends early because a
// node is missing, the snapshot prefix is truncated to where it ended.
func (t *Trie) Snapshot(prefix []byte) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &Snapshot{Prefix: bytes.Clone(prefix)}
	n := t.live.root
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if n.isLeaf() {
			if len(n.key) > i && n.key[i] == c {
				snap.ExcludedHashes = append(snap.ExcludedHashes, EmptyHash)
				continue
			}
			snap.ExcludedHashes = append(snap.ExcludedHashes, n.hash)
			snap.NumMessages += n.items
			snap.Prefix = snap.Prefix[:i+1]
			return snap, nil
		}

		snap.ExcludedHashes = append(snap.ExcludedHashes, hashRefs(n.refs, int(c)))
		for _, r := range n.refs {
			if r.char != c {
				snap.NumMessages += r.items
			}
		}
		next, err := t.live.child(n, prefix[:i], c)
		if err != nil {
			return nil, err
		}
		if next == nil {
			snap.Prefix = snap.Prefix[:i+1]
			return snap, nil
		}
		n = next
	}
	snap.ExcludedHashes = append(snap.ExcludedHashes, n.hash)
	snap.NumMessages += n.items
	return snap, nil
}

// NodeMetadata returns the node at prefix with exactly one level of
// children. A missing node is reported as errors.ErrNotFound.
func (t *Trie) NodeMetadata(prefix []byte) (*NodeMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, exact, err := t.live.lookup(prefix)
	if err != nil {
		return nil, err
	}
	if n == nil || !exact {
		return nil, errors.NewNotFoundError("trie node %x", prefix)
	}

	md := &NodeMetadata{
		Prefix:      bytes.Clone(prefix),
		NumMessages: n.items,
		Hash:        bytes.Clone(n.hash),
		Children:    make(map[byte]*NodeMetadata, len(n.refs)),
	}
	for _, r := range n.refs {
		md.Children[r.char] = &NodeMetadata{
			Prefix:      append(bytes.Clone(prefix), r.char),
			NumMessages: r.items,
			Hash:        bytes.Clone(r.hash),
		}
	}
	return md, nil
}

// AllValues returns every id under prefix in key order
func (t *Trie) AllValues(prefix []byte) ([]syncid.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _, err := t.live.lookup(prefix)
	if err != nil || n == nil {
		return nil, err
	}
	raw, err := t.live.values(n, prefix, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]syncid.ID, len(raw))
	for i, v := range raw {
		ids[i] = syncid.ID(v)
	}
	return ids, nil
}

// UnloadChildren drops the node cache below the root. Nodes are reloaded
// from the store on demand.
func (t *Trie) UnloadChildren() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := t.live.unload()
	if t.staging != nil {
		dropped += t.staging.unload()
	}
	t.log.Infow("Unloaded trie node cache",
		"nodes", dropped)
	return dropped
}

// CommitToDb rewrites the root records and generation pointer in one
// synchronous batch. Commit writes through, so this is a checkpoint for
// operators before unloading or shutting down rather than a data flush.
func (t *Trie) CommitToDb() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := new(leveldb.Batch)
	t.live.put(b, nil, t.live.root)
	b.Put(liveGenerationKey, []byte{t.live.gen})
	if t.staging != nil {
		t.staging.put(b, nil, t.staging.root)
	}
	return t.db.Write(b)
}

// LoadedNodes returns an estimate of cached nodes
func (t *Trie) LoadedNodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.live.loaded
	if t.staging != nil {
		n += t.staging.loaded
	}
	return n
}
