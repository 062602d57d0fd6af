package trie

import (
	"bytes"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/internal/digest"
)

// childRef is what a parent persists about each child: enough to hash
// and count without loading the child itself.
type childRef struct {
	char  byte
	items int
	hash  []byte
}

// node is one trie vertex. A leaf carries its full key and no children.
type node struct {
	items int
	hash  []byte
	key   []byte
	refs  []childRef // sorted by char
	kids  map[byte]*node
}

func newLeaf(key []byte) *node {
	return &node{items: 1, hash: digest.Sum20(key), key: key}
}

func (n *node) isLeaf() bool {
	return n.key != nil
}

func (n *node) refIndex(c byte) (int, bool) {
	i := sort.Search(len(n.refs), func(i int) bool { return n.refs[i].char >= c })
	return i, i < len(n.refs) && n.refs[i].char == c
}

// setChild attaches child under c and refreshes the parent's ref to it
func (n *node) setChild(c byte, child *node) {
	if n.kids == nil {
		n.kids = make(map[byte]*node)
	}
	n.kids[c] = child
	ref := childRef{char: c, items: child.items, hash: child.hash}
	i, ok := n.refIndex(c)
	if ok {
		n.refs[i] = ref
		return
	}
	n.refs = append(n.refs, childRef{})
	copy(n.refs[i+1:], n.refs[i:])
	n.refs[i] = ref
}

func (n *node) removeChild(c byte) {
	delete(n.kids, c)
	if i, ok := n.refIndex(c); ok {
		n.refs = append(n.refs[:i], n.refs[i+1:]...)
	}
}

// rehash recomputes the node hash: a leaf hashes its key, an interior node
// hashes its children's hashes concatenated in byte order
func (n *node) rehash() {
	if n.isLeaf() {
		n.hash = digest.Sum20(n.key)
		return
	}
	n.hash = hashRefs(n.refs, -1)
}

// hashRefs hashes refs in order, skipping the child at char exclude
// (-1 excludes nothing)
func hashRefs(refs []childRef, exclude int) []byte {
	parts := make([][]byte, 0, len(refs))
	for _, r := range refs {
		if int(r.char) == exclude {
			continue
		}
		parts = append(parts, r.hash)
	}
	return digest.Sum20(parts...)
}

// Persisted node fields
const (
	fieldItems    protowire.Number = 1
	fieldHash     protowire.Number = 2
	fieldKey      protowire.Number = 3
	fieldChild    protowire.Number = 4
	fieldRefChar  protowire.Number = 1
	fieldRefItems protowire.Number = 2
	fieldRefHash  protowire.Number = 3
)

func encodeNode(n *node) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldItems, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.items))
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, n.hash)
	if n.isLeaf() {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, n.key)
		return b
	}
	for _, r := range n.refs {
		var ref []byte
		ref = protowire.AppendTag(ref, fieldRefChar, protowire.VarintType)
		ref = protowire.AppendVarint(ref, uint64(r.char))
		ref = protowire.AppendTag(ref, fieldRefItems, protowire.VarintType)
		ref = protowire.AppendVarint(ref, uint64(r.items))
		ref = protowire.AppendTag(ref, fieldRefHash, protowire.BytesType)
		ref = protowire.AppendBytes(ref, r.hash)
		b = protowire.AppendTag(b, fieldChild, protowire.BytesType)
		b = protowire.AppendBytes(b, ref)
	}
	return b
}

var errCorruptNode = errors.Mark(errors.New("corrupt trie node"), errors.ErrStorage)

func decodeNode(b []byte) (*node, error) {
	n := &node{}
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return nil, errors.Wrap(errCorruptNode, protowire.ParseError(l).Error())
		}
		b = b[l:]
		switch {
		case num == fieldItems && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return nil, errCorruptNode
			}
			n.items = int(v)
			b = b[l:]
		case typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, errCorruptNode
			}
			b = b[l:]
			switch num {
			case fieldHash:
				n.hash = bytes.Clone(v)
			case fieldKey:
				n.key = bytes.Clone(v)
			case fieldChild:
				ref, err := decodeRef(v)
				if err != nil {
					return nil, err
				}
				n.refs = append(n.refs, ref)
			}
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return nil, errCorruptNode
			}
			b = b[l:]
		}
	}
	if len(n.hash) != digest.Size {
		return nil, errors.Wrapf(errCorruptNode, "hash is %d bytes", len(n.hash))
	}
	return n, nil
}

func decodeRef(b []byte) (childRef, error) {
	var r childRef
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return r, errCorruptNode
		}
		b = b[l:]
		switch {
		case typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return r, errCorruptNode
			}
			b = b[l:]
			switch num {
			case fieldRefChar:
				r.char = byte(v)
			case fieldRefItems:
				r.items = int(v)
			}
		case typ == protowire.BytesType && num == fieldRefHash:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return r, errCorruptNode
			}
			r.hash = bytes.Clone(v)
			b = b[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return r, errCorruptNode
			}
			b = b[l:]
		}
	}
	return r, nil
}
