package sync

import (
	"context"
	"sort"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/store"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
	"github.com/teranos/hub/version"
)

// MaxIdsPerRequest bounds GetMessagesByIds and GetAllIdsByPrefix
const MaxIdsPerRequest = am.MaxFetchAllThreshold

// Local answers Peer calls from this hub's own trie and stores. The rpc
// server serves it to remote peers; tests sync two Locals directly.
type Local struct {
	name   string
	trie   *trie.Trie
	stores *store.Stores
}

// NewLocal creates a Local peer named name
func NewLocal(name string, tr *trie.Trie, stores *store.Stores) *Local {
	return &Local{name: name, trie: tr, stores: stores}
}

func (l *Local) GetInfo(ctx context.Context) (*PeerInfo, error) {
	return &PeerInfo{
		Name:            l.name,
		Version:         version.Version,
		ProtocolVersion: version.ProtocolVersion,
		RootHash:        l.trie.RootHash(),
		NumMessages:     l.trie.Items(),
	}, ctx.Err()
}

func (l *Local) GetSnapshotByPrefix(ctx context.Context, prefix []byte) (*trie.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.trie.Snapshot(prefix)
}

func (l *Local) GetNodeMetadataByPrefix(ctx context.Context, prefix []byte) (*trie.NodeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.trie.NodeMetadata(prefix)
}

// GetAllIdsByPrefix refuses subtrees larger than MaxIdsPerRequest; the
// caller has to descend into the children instead.
func (l *Local) GetAllIdsByPrefix(ctx context.Context, prefix []byte) ([]syncid.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if md, err := l.trie.NodeMetadata(prefix); err == nil && md.NumMessages > MaxIdsPerRequest {
		return nil, errors.Validationf("%d ids under %x, max %d per request", md.NumMessages, prefix, MaxIdsPerRequest)
	}
	ids, err := l.trie.AllValues(prefix)
	if err != nil {
		return nil, err
	}
	if len(ids) > MaxIdsPerRequest {
		return nil, errors.Validationf("%d ids under %x, max %d per request", len(ids), prefix, MaxIdsPerRequest)
	}
	return ids, nil
}

func (l *Local) GetMessagesByIds(ctx context.Context, ids []syncid.ID) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) > MaxIdsPerRequest {
		return nil, errors.Validationf("%d ids requested, max %d", len(ids), MaxIdsPerRequest)
	}
	return l.stores.GetMany(ids)
}

// GetSignerMessagesByFid returns the fid's signer-set messages, oldest first
func (l *Local) GetSignerMessagesByFid(ctx context.Context, fid uint64) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := l.stores.For(message.SetSigners).Messages(fid)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return message.Compare(msgs[i], msgs[j]) < 0 })
	return msgs, nil
}
