package message

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/syncid"
)

func testKey(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func castAdd(ts uint32, text string) *Data {
	return &Data{
		Type:      TypeCastAdd,
		Fid:       7,
		Timestamp: ts,
		Network:   NetworkDevnet,
		CastAdd: &CastAddBody{
			Text:              text,
			Mentions:          []uint64{2, 3},
			MentionsPositions: []uint32{0, 4},
			Embeds:            []string{"https://example.com"},
			Parent:            &CastID{Fid: 9, Hash: bytes.Repeat([]byte{1}, 20)},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	key := testKey(t, 1)
	datas := []*Data{
		castAdd(100, "hello world"),
		{Type: TypeCastRemove, Fid: 7, Timestamp: 101, Network: NetworkDevnet, CastRemove: &CastRemoveBody{TargetHash: bytes.Repeat([]byte{2}, 20)}},
		{Type: TypeReactionAdd, Fid: 7, Timestamp: 102, Network: NetworkDevnet, Reaction: &ReactionBody{Type: ReactionLike, Target: &CastID{Fid: 1, Hash: bytes.Repeat([]byte{3}, 20)}}},
		{Type: TypeLinkAdd, Fid: 7, Timestamp: 103, Network: NetworkDevnet, Link: &LinkBody{Type: "follow", TargetFid: 8}},
		{Type: TypeVerificationAdd, Fid: 7, Timestamp: 104, Network: NetworkDevnet, VerificationAdd: &VerificationAddBody{Address: bytes.Repeat([]byte{4}, 20), ClaimSignature: []byte{9, 9}}},
		{Type: TypeUserDataAdd, Fid: 7, Timestamp: 105, Network: NetworkDevnet, UserData: &UserDataBody{Type: UserDataBio, Value: "gm"}},
		{Type: TypeSignerAdd, Fid: 7, Timestamp: 106, Network: NetworkDevnet, Signer: &SignerBody{Signer: bytes.Repeat([]byte{5}, 32), Name: "app"}},
	}

	for _, d := range datas {
		t.Run(d.Type.String(), func(t *testing.T) {
			m := Sign(d, key)
			decoded, err := Unmarshal(Marshal(m))
			require.NoError(t, err)
			assert.Equal(t, m, decoded)
			assert.Equal(t, m.Hash, HashData(decoded.Data))
		})
	}
}

func TestEncodeDataIsDeterministic(t *testing.T) {
	a := EncodeData(castAdd(100, "same"))
	b := EncodeData(castAdd(100, "same"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, EncodeData(castAdd(101, "same")))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0x0a, 0xff})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestValidate(t *testing.T) {
	key := testKey(t, 1)
	now := syncid.ToTime(1000)
	v := NewValidator(NetworkDevnet)
	v.SetClock(func() time.Time { return now })

	valid := Sign(castAdd(1000, "hello world"), key)
	require.NoError(t, v.Validate(valid))

	tests := []struct {
		name string
		msg  func() *Message
	}{
		{"no data", func() *Message { return &Message{} }},
		{"wrong network", func() *Message {
			d := castAdd(1000, "hi")
			d.Network = NetworkMainnet
			return Sign(d, key)
		}},
		{"text too long", func() *Message { return Sign(castAdd(1000, string(bytes.Repeat([]byte("a"), 321))), key) }},
		{"too far in the future", func() *Message { return Sign(castAdd(1000+11*60, "hi"), key) }},
		{"tampered hash", func() *Message {
			m := Sign(castAdd(1000, "hello world"), key)
			m.Data.CastAdd.Text = "goodbye"
			return m
		}},
		{"bad signature", func() *Message {
			m := Sign(castAdd(1000, "hello world"), key)
			m.Signature = bytes.Repeat([]byte{0}, 64)
			return m
		}},
		{"unknown reaction type", func() *Message {
			return Sign(&Data{Type: TypeReactionAdd, Fid: 7, Timestamp: 1000, Network: NetworkDevnet,
				Reaction: &ReactionBody{Type: 9, Target: &CastID{Fid: 1, Hash: bytes.Repeat([]byte{3}, 20)}}}, key)
		}},
		{"link type too long", func() *Message {
			return Sign(&Data{Type: TypeLinkAdd, Fid: 7, Timestamp: 1000, Network: NetworkDevnet,
				Link: &LinkBody{Type: "followers", TargetFid: 2}}, key)
		}},
		{"short signer key", func() *Message {
			return Sign(&Data{Type: TypeSignerAdd, Fid: 7, Timestamp: 1000, Network: NetworkDevnet,
				Signer: &SignerBody{Signer: []byte{1, 2, 3}}}, key)
		}},
		{"two bodies", func() *Message {
			d := castAdd(1000, "hi")
			d.Link = &LinkBody{Type: "follow", TargetFid: 2}
			return Sign(d, key)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.msg())
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestCustomBodyValidator(t *testing.T) {
	key := testKey(t, 1)
	v := NewValidator(NetworkNone)
	v.SetClock(func() time.Time { return syncid.ToTime(1000) })
	v.Register(TypeCastAdd, func(d *Data) error {
		return errors.Validationf("casts disabled")
	})

	err := v.Validate(Sign(castAdd(1000, "hi"), key))
	assert.ErrorContains(t, err, "casts disabled")
}

func TestBucketKey(t *testing.T) {
	key := testKey(t, 1)
	target := bytes.Repeat([]byte{7}, 20)

	add := Sign(castAdd(100, "x"), key)
	remove := Sign(&Data{Type: TypeCastRemove, Fid: 7, Timestamp: 101, CastRemove: &CastRemoveBody{TargetHash: add.Hash}}, key)
	addKey, err := add.BucketKey()
	require.NoError(t, err)
	removeKey, err := remove.BucketKey()
	require.NoError(t, err)
	assert.Equal(t, addKey, removeKey, "cast remove competes with the add it targets")

	like := Sign(&Data{Type: TypeReactionAdd, Fid: 7, Reaction: &ReactionBody{Type: ReactionLike, Target: &CastID{Fid: 1, Hash: target}}}, key)
	recast := Sign(&Data{Type: TypeReactionAdd, Fid: 7, Reaction: &ReactionBody{Type: ReactionRecast, Target: &CastID{Fid: 1, Hash: target}}}, key)
	likeKey, _ := like.BucketKey()
	recastKey, _ := recast.BucketKey()
	assert.NotEqual(t, likeKey, recastKey)

	link := Sign(&Data{Type: TypeLinkAdd, Fid: 7, Link: &LinkBody{Type: "follow", TargetFid: 2}}, key)
	linkKey, err := link.BucketKey()
	require.NoError(t, err)
	assert.Len(t, linkKey, 16)
}

func TestCompare(t *testing.T) {
	key := testKey(t, 1)
	a := Sign(castAdd(100, "a"), key)
	b := Sign(castAdd(101, "a"), key)
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
}

func TestSyncID(t *testing.T) {
	m := Sign(castAdd(100, "a"), testKey(t, 1))
	id, err := m.SyncID()
	require.NoError(t, err)
	assert.Equal(t, int64(100), id.Timestamp())
	assert.Equal(t, byte(SetCasts), id.Postfix())
	assert.Equal(t, m.Hash, id.Hash())
}

func TestSignerString(t *testing.T) {
	key := testKey(t, 1).Public().(ed25519.PublicKey)
	s := SignerString(key)
	decoded, err := ParseSigner(s)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), decoded)
}
