package trie

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/syncid"
)

// TimestampDepth is the number of levels spent on the timestamp prefix.
// Nodes above it are always interior; below it a single-item node is a leaf.
const TimestampDepth = syncid.TimestampLength

// tree is one generation of persisted trie nodes with its node cache.
// Callers hold the Trie lock.
type tree struct {
	db     *kv.DB
	gen    byte
	root   *node
	loaded int
}

func nodeKey(gen byte, prefix []byte) []byte {
	return kv.Key(kv.PrefixTrieNode, []byte{gen}, prefix)
}

func generationPrefix(gen byte) []byte {
	return []byte{kv.PrefixTrieNode, gen}
}

func openTree(db *kv.DB, gen byte) (*tree, error) {
	t := &tree{db: db, gen: gen}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// reload drops the node cache and reads the root back from the store
func (t *tree) reload() error {
	t.loaded = 0
	v, err := t.db.Get(nodeKey(t.gen, nil))
	if errors.IsNotFoundError(err) {
		t.root = &node{hash: hashRefs(nil, -1)}
		return nil
	}
	if err != nil {
		return err
	}
	root, err := decodeNode(v)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *tree) put(b *leveldb.Batch, prefix []byte, n *node) {
	b.Put(nodeKey(t.gen, prefix), encodeNode(n))
}

// child returns n's child under c, loading it from the store on first use.
// prefix is n's own prefix.
func (t *tree) child(n *node, prefix []byte, c byte) (*node, error) {
	if k, ok := n.kids[c]; ok {
		return k, nil
	}
	if _, ok := n.refIndex(c); !ok {
		return nil, nil
	}
	childPrefix := append(bytes.Clone(prefix), c)
	v, err := t.db.Get(nodeKey(t.gen, childPrefix))
	if errors.IsNotFoundError(err) {
		return nil, errors.Mark(errors.Newf("trie node %x referenced but missing, rebuild required", childPrefix), errors.ErrStorage)
	}
	if err != nil {
		return nil, err
	}
	k, err := decodeNode(v)
	if err != nil {
		return nil, errors.Wrapf(err, "trie node %x", childPrefix)
	}
	if n.kids == nil {
		n.kids = make(map[byte]*node)
	}
	n.kids[c] = k
	t.loaded++
	return k, nil
}

// insert adds id below n, which sits at id[:depth]. n and every changed
// descendant are written to b.
func (t *tree) insert(b *leveldb.Batch, n *node, id []byte, depth int) (bool, error) {
	if n.isLeaf() {
		if bytes.Equal(n.key, id) {
			return false, nil
		}
		// push the existing key one level down before adding the new one
		old := n.key
		n.key = nil
		leaf := newLeaf(old)
		n.setChild(old[depth], leaf)
		t.loaded++
		t.put(b, old[:depth+1], leaf)
	}

	c := id[depth]
	child, err := t.child(n, id[:depth], c)
	if err != nil {
		return false, err
	}
	switch {
	case child == nil && depth+1 >= TimestampDepth:
		child = newLeaf(bytes.Clone(id))
		t.loaded++
		t.put(b, id[:depth+1], child)
	case child == nil:
		child = &node{}
		t.loaded++
		if _, err := t.insert(b, child, id, depth+1); err != nil {
			return false, err
		}
	default:
		added, err := t.insert(b, child, id, depth+1)
		if err != nil || !added {
			return false, err
		}
	}

	n.setChild(c, child)
	n.items++
	n.rehash()
	t.put(b, id[:depth], n)
	return true, nil
}

// delete removes id below the interior node n at id[:depth]. A node left
// empty is deleted by its parent; a node below TimestampDepth left with a
// single item collapses back into a leaf.
func (t *tree) delete(b *leveldb.Batch, n *node, id []byte, depth int) (bool, error) {
	c := id[depth]
	child, err := t.child(n, id[:depth], c)
	if err != nil || child == nil {
		return false, err
	}

	if child.isLeaf() {
		if !bytes.Equal(child.key, id) {
			return false, nil
		}
		n.removeChild(c)
		b.Delete(nodeKey(t.gen, id[:depth+1]))
	} else {
		removed, err := t.delete(b, child, id, depth+1)
		if err != nil || !removed {
			return false, err
		}
		if child.items == 0 {
			n.removeChild(c)
			b.Delete(nodeKey(t.gen, id[:depth+1]))
		} else {
			n.setChild(c, child)
		}
	}

	n.items--
	if depth >= TimestampDepth && n.items == 1 {
		only := n.refs[0].char
		k, err := t.child(n, id[:depth], only)
		if err != nil {
			return false, err
		}
		if !k.isLeaf() {
			return false, errors.Mark(errors.Newf("trie node %x has one item but is not a leaf", append(bytes.Clone(id[:depth]), only)), errors.ErrStorage)
		}
		b.Delete(nodeKey(t.gen, append(bytes.Clone(id[:depth]), only)))
		n.key = k.key
		n.refs = nil
		n.kids = nil
	}
	n.rehash()
	if n.items > 0 || depth == 0 {
		t.put(b, id[:depth], n)
	}
	return true, nil
}

// exists walks to id without loading siblings
func (t *tree) exists(id []byte) (bool, error) {
	n := t.root
	for depth := 0; depth < len(id); depth++ {
		if n.isLeaf() {
			return bytes.Equal(n.key, id), nil
		}
		next, err := t.child(n, id[:depth], id[depth])
		if err != nil || next == nil {
			return false, err
		}
		n = next
	}
	return n.isLeaf() && bytes.Equal(n.key, id), nil
}

// lookup returns the node at exactly prefix. When a leaf sits above prefix
// and its key continues with prefix, the leaf is returned with exact=false.
func (t *tree) lookup(prefix []byte) (n *node, exact bool, err error) {
	n = t.root
	for depth := 0; depth < len(prefix); depth++ {
		if n.isLeaf() {
			if bytes.HasPrefix(n.key, prefix) {
				return n, false, nil
			}
			return nil, false, nil
		}
		next, err := t.child(n, prefix[:depth], prefix[depth])
		if err != nil || next == nil {
			return nil, false, err
		}
		n = next
	}
	return n, true, nil
}

// values appends every leaf key under n (at prefix) in key order
func (t *tree) values(n *node, prefix []byte, out [][]byte) ([][]byte, error) {
	if n.isLeaf() {
		return append(out, bytes.Clone(n.key)), nil
	}
	for _, r := range n.refs {
		k, err := t.child(n, prefix, r.char)
		if err != nil {
			return nil, err
		}
		if out, err = t.values(k, append(bytes.Clone(prefix), r.char), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// apply runs inserts then deletes against the tree, recording node
// changes in b. The returned slices are per-id results.
func (t *tree) apply(b *leveldb.Batch, inserts, deletes []syncid.ID) ([]bool, []bool, error) {
	inserted := make([]bool, len(inserts))
	for i, id := range inserts {
		ok, err := t.insert(b, t.root, id, 0)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "insert %s", id)
		}
		inserted[i] = ok
	}
	deleted := make([]bool, len(deletes))
	for i, id := range deletes {
		ok, err := t.delete(b, t.root, id, 0)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "delete %s", id)
		}
		deleted[i] = ok
	}
	return inserted, deleted, nil
}

// unload drops every cached node below the root
func (t *tree) unload() int {
	dropped := t.loaded
	t.root.kids = nil
	t.loaded = 0
	return dropped
}
