// Package sync reconciles the local trie with a peer's. An attempt
// compares trie snapshots, walks down to the prefixes where the two tries
// disagree, fetches the ids the peer has and we lack, and merges the
// corresponding messages through the merge engine.
//
// Both sides converge without coordination: merges are CRDT operations, so
// the order in which messages arrive does not matter.
package sync

import (
	"context"

	"github.com/teranos/hub/message"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

// PeerInfo identifies a peer and summarizes its trie
type PeerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	RootHash        []byte `json:"root_hash"`
	NumMessages     int    `json:"num_messages"`
}

// Peer is the remote side of a sync attempt. Every call is bounded by the
// context deadline. GetNodeMetadataByPrefix reports a missing node as
// errors.ErrNotFound.
type Peer interface {
	GetInfo(ctx context.Context) (*PeerInfo, error)
	GetSnapshotByPrefix(ctx context.Context, prefix []byte) (*trie.Snapshot, error)
	GetNodeMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error)
	GetAllIdsByPrefix(ctx context.Context, prefix []byte) ([]syncid.ID, error)
	GetMessagesByIds(ctx context.Context, ids []syncid.ID) ([]*message.Message, error)
	GetSignerMessagesByFid(ctx context.Context, fid uint64) ([]*message.Message, error)
}
