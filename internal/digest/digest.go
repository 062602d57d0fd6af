// Package digest holds the hub's one hash primitive: BLAKE3 truncated to
// 20 bytes. Message hashes and trie node hashes both use it.
package digest

import "lukechampine.com/blake3"

// Size of every hub digest in bytes
const Size = 20

// Sum20 hashes the concatenation of parts and returns the first Size bytes
func Sum20(parts ...[]byte) []byte {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:Size]
}

// Empty is the digest of zero bytes
var Empty = Sum20()
