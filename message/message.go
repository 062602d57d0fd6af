package message

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/internal/digest"
	"github.com/teranos/hub/syncid"
)

// HashData returns the 20-byte BLAKE3 hash of the canonical data encoding
func HashData(d *Data) []byte {
	return digest.Sum20(EncodeData(d))
}

// Sign hashes data and signs the hash with key
func Sign(d *Data, key ed25519.PrivateKey) *Message {
	h := HashData(d)
	return &Message{
		Data:            d,
		Hash:            h,
		HashScheme:      HashSchemeBlake3,
		Signature:       ed25519.Sign(key, h),
		SignatureScheme: SignatureSchemeEd25519,
		Signer:          key.Public().(ed25519.PublicKey),
	}
}

// Type is a nil-safe shortcut for m.Data.Type
func (m *Message) Type() MessageType {
	if m == nil || m.Data == nil {
		return TypeNone
	}
	return m.Data.Type
}

// Fid is a nil-safe shortcut for m.Data.Fid
func (m *Message) Fid() uint64 {
	if m == nil || m.Data == nil {
		return 0
	}
	return m.Data.Fid
}

// Timestamp is a nil-safe shortcut for m.Data.Timestamp
func (m *Message) Timestamp() uint32 {
	if m == nil || m.Data == nil {
		return 0
	}
	return m.Data.Timestamp
}

// SyncID returns the trie identifier of the message
func (m *Message) SyncID() (syncid.ID, error) {
	return syncid.FromMessage(int64(m.Timestamp()), m.Fid(), byte(m.Type().Set()), m.Hash)
}

// TsHash is the store suffix: timestamp ‖ hash
func (m *Message) TsHash() []byte {
	return syncid.TsHash(m.Timestamp(), m.Hash)
}

// Compare orders messages by timestamp, then hash bytewise
func Compare(a, b *Message) int {
	switch {
	case a.Timestamp() < b.Timestamp():
		return -1
	case a.Timestamp() > b.Timestamp():
		return 1
	}
	return bytes.Compare(a.Hash, b.Hash)
}

// linkTypeWidth pads link types so bucket keys have fixed width
const linkTypeWidth = 8

// BucketKey returns the discriminating key of the conflict bucket the
// message competes in. Together with fid and set it names the bucket.
func (m *Message) BucketKey() ([]byte, error) {
	d := m.Data
	if d == nil {
		return nil, errors.Validationf("message has no data")
	}
	switch d.Type {
	case TypeSignerAdd, TypeSignerRemove:
		if d.Signer == nil {
			return nil, errors.Validationf("%s without signer body", d.Type)
		}
		return d.Signer.Signer, nil
	case TypeCastAdd:
		return m.Hash, nil
	case TypeCastRemove:
		if d.CastRemove == nil {
			return nil, errors.Validationf("cast_remove without body")
		}
		return d.CastRemove.TargetHash, nil
	case TypeReactionAdd, TypeReactionRemove:
		if d.Reaction == nil || d.Reaction.Target == nil {
			return nil, errors.Validationf("%s without target", d.Type)
		}
		k := []byte{byte(d.Reaction.Type)}
		k = binary.BigEndian.AppendUint64(k, d.Reaction.Target.Fid)
		return append(k, d.Reaction.Target.Hash...), nil
	case TypeLinkAdd, TypeLinkRemove:
		if d.Link == nil {
			return nil, errors.Validationf("%s without body", d.Type)
		}
		k := make([]byte, linkTypeWidth, linkTypeWidth+8)
		copy(k, d.Link.Type)
		return binary.BigEndian.AppendUint64(k, d.Link.TargetFid), nil
	case TypeVerificationAdd:
		if d.VerificationAdd == nil {
			return nil, errors.Validationf("verification_add without body")
		}
		return d.VerificationAdd.Address, nil
	case TypeVerificationRemove:
		if d.VerificationRemove == nil {
			return nil, errors.Validationf("verification_remove without body")
		}
		return d.VerificationRemove.Address, nil
	case TypeUserDataAdd:
		if d.UserData == nil {
			return nil, errors.Validationf("user_data_add without body")
		}
		return binary.BigEndian.AppendUint32(nil, uint32(d.UserData.Type)), nil
	default:
		return nil, errors.Validationf("unknown message type %d", d.Type)
	}
}
