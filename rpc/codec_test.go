package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/hub/errors"
	qtest "github.com/teranos/hub/internal/testing"
	"github.com/teranos/hub/message"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

func roundTrip[T any, PT interface {
	*T
	wireMessage
}](t *testing.T, in PT) PT {
	t.Helper()
	codec := encoding.GetCodec(codecName)
	require.NotNil(t, codec)
	b, err := codec.Marshal(in)
	require.NoError(t, err)
	out := PT(new(T))
	require.NoError(t, codec.Unmarshal(b, out))
	return out
}

func TestCodecRoundTrips(t *testing.T) {
	info := roundTrip(t, &infoResponse{Info: hubsync.PeerInfo{
		Name: "a", Version: "0.3.1", ProtocolVersion: 1, RootHash: []byte{1, 2, 3}, NumMessages: 42,
	}})
	assert.Equal(t, hubsync.PeerInfo{Name: "a", Version: "0.3.1", ProtocolVersion: 1, RootHash: []byte{1, 2, 3}, NumMessages: 42}, info.Info)

	snap := roundTrip(t, &snapshotResponse{Snapshot: trie.Snapshot{
		Prefix: []byte("0073"), ExcludedHashes: [][]byte{{0xaa}, {0xbb}}, NumMessages: 9,
	}})
	assert.Equal(t, []byte("0073"), snap.Snapshot.Prefix)
	assert.Equal(t, [][]byte{{0xaa}, {0xbb}}, snap.Snapshot.ExcludedHashes)
	assert.Equal(t, 9, snap.Snapshot.NumMessages)

	md := roundTrip(t, &metadataResponse{Node: trie.NodeMetadata{
		Prefix: []byte("0"), NumMessages: 3, Hash: []byte{0x01},
		Children: map[byte]*trie.NodeMetadata{
			'0': {Prefix: []byte("00"), NumMessages: 1, Hash: []byte{0x02}},
			'7': {Prefix: []byte("07"), NumMessages: 2, Hash: []byte{0x03}},
		},
	}})
	assert.Equal(t, 3, md.Node.NumMessages)
	require.Len(t, md.Node.Children, 2)
	assert.Equal(t, []byte("07"), md.Node.Children['7'].Prefix)
	assert.Equal(t, 2, md.Node.Children['7'].NumMessages)
	assert.Equal(t, []byte{0x02}, md.Node.Children['0'].Hash)

	ids := roundTrip(t, &idsRequest{Ids: []syncid.ID{syncid.ID("one"), syncid.ID("two")}})
	assert.Equal(t, []syncid.ID{syncid.ID("one"), syncid.ID("two")}, ids.Ids)

	fid := roundTrip(t, &fidRequest{Fid: 7})
	assert.Equal(t, uint64(7), fid.Fid)

	cast := qtest.Sign(qtest.CastAdd(7, 100, "wire"), 1)
	msgs := roundTrip(t, &messagesResponse{Messages: []*message.Message{cast}})
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, message.Marshal(cast), message.Marshal(msgs.Messages[0]))
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 123)
	b = (&fidRequest{Fid: 5}).marshalWire(b)

	var req fidRequest
	require.NoError(t, encoding.GetCodec(codecName).Unmarshal(b, &req))
	assert.Equal(t, uint64(5), req.Fid)
}

func TestCodecRejectsMalformedInput(t *testing.T) {
	codec := encoding.GetCodec(codecName)

	// length prefix runs past the end of the buffer
	truncated := protowire.AppendTag(nil, 1, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	err := codec.Unmarshal(truncated, &prefixRequest{})
	assert.True(t, errors.IsValidation(err), "got %v", err)

	// varint where bytes are expected
	wrongType := protowire.AppendTag(nil, 1, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)
	err = codec.Unmarshal(wrongType, &snapshotResponse{})
	assert.True(t, errors.IsValidation(err), "got %v", err)

	// a message body that does not decode
	bad := protowire.AppendTag(nil, 1, protowire.BytesType)
	bad = protowire.AppendBytes(bad, []byte{0xff, 0xff, 0xff})
	err = codec.Unmarshal(bad, &messagesResponse{})
	assert.True(t, errors.IsValidation(err), "got %v", err)

	_, err = codec.Marshal(struct{}{})
	assert.Error(t, err)
}
