// Package syncid encodes the sortable identifiers stored in the Merkle trie.
//
// An ID is a 10-digit zero-padded decimal timestamp (seconds since the
// protocol epoch) followed by a kind byte and a fixed-width suffix. Byte
// order of IDs is therefore chronological on the timestamp prefix, and all
// IDs of one kind share a length so none is a prefix of another.
package syncid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
)

// Kind discriminates what an ID points at
type Kind byte

const (
	KindMessage       Kind = 0x01
	KindUsernameProof Kind = 0x02
	KindOnChainEvent  Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindUsernameProof:
		return "username_proof"
	case KindOnChainEvent:
		return "onchain_event"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Field widths
const (
	TimestampLength = 10
	FidLength       = 8
	HashLength      = 20
	NameLength      = 20

	MessageLength       = TimestampLength + 1 + FidLength + 1 + HashLength // 40
	UsernameProofLength = TimestampLength + 1 + FidLength + NameLength     // 39
	OnChainEventLength  = TimestampLength + 1 + FidLength + 1 + 8 + 4      // 32

	// maxTimestamp is the first value that no longer fits in TimestampLength digits
	maxTimestamp int64 = 10_000_000_000
)

// Epoch is the protocol epoch, 2021-01-01T00:00:00Z
var Epoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrTimestampOverflow: timestamp is negative or wider than TimestampLength digits
	ErrTimestampOverflow = errors.Wrap(errors.ErrValidation, "sync id timestamp overflow")

	// ErrMalformed: bytes do not decode as any known ID layout
	ErrMalformed = errors.Wrap(errors.ErrValidation, "malformed sync id")
)

// ID is an encoded sync identifier
type ID []byte

// FromUnix converts a unix timestamp (seconds) to protocol-epoch seconds
func FromUnix(unix int64) int64 {
	return unix - Epoch.Unix()
}

// ToTime converts protocol-epoch seconds to wall-clock time
func ToTime(ts int64) time.Time {
	return Epoch.Add(time.Duration(ts) * time.Second).UTC()
}

// Now returns the current protocol-epoch timestamp
func Now() int64 {
	return FromUnix(time.Now().Unix())
}

// TimestampPrefix encodes ts as TimestampLength zero-padded ASCII digits
func TimestampPrefix(ts int64) ([]byte, error) {
	if ts < 0 || ts >= maxTimestamp {
		return nil, errors.Wrapf(ErrTimestampOverflow, "timestamp %d", ts)
	}
	out := make([]byte, TimestampLength)
	for i := TimestampLength - 1; i >= 0; i-- {
		out[i] = byte('0' + ts%10)
		ts /= 10
	}
	return out, nil
}

func header(ts int64, kind Kind, fid uint64, size int) ([]byte, error) {
	prefix, err := TimestampPrefix(ts)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, size)
	b = append(b, prefix...)
	b = append(b, byte(kind))
	return binary.BigEndian.AppendUint64(b, fid), nil
}

// FromMessage encodes the ID of a message. postfix selects the store the
// message belongs to, hash is its 20-byte content hash.
func FromMessage(ts int64, fid uint64, postfix byte, hash []byte) (ID, error) {
	if len(hash) != HashLength {
		return nil, errors.Wrapf(ErrMalformed, "message hash is %d bytes, want %d", len(hash), HashLength)
	}
	b, err := header(ts, KindMessage, fid, MessageLength)
	if err != nil {
		return nil, err
	}
	b = append(b, postfix)
	return append(b, hash...), nil
}

// FromUsernameProof encodes the ID of a username proof. Names longer than
// NameLength are rejected, shorter ones are zero padded.
func FromUsernameProof(ts int64, fid uint64, name []byte) (ID, error) {
	if len(name) == 0 || len(name) > NameLength {
		return nil, errors.Wrapf(ErrMalformed, "username is %d bytes, want 1..%d", len(name), NameLength)
	}
	b, err := header(ts, KindUsernameProof, fid, UsernameProofLength)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, NameLength)
	copy(padded, name)
	return append(b, padded...), nil
}

// FromOnChainEvent encodes the ID of an on-chain event. ts is the block
// timestamp in protocol-epoch seconds.
func FromOnChainEvent(ts int64, fid uint64, eventType byte, block uint64, logIndex uint32) (ID, error) {
	b, err := header(ts, KindOnChainEvent, fid, OnChainEventLength)
	if err != nil {
		return nil, err
	}
	b = append(b, eventType)
	b = binary.BigEndian.AppendUint64(b, block)
	return binary.BigEndian.AppendUint32(b, logIndex), nil
}

// Parse validates raw bytes as an ID
func Parse(b []byte) (ID, error) {
	if len(b) <= TimestampLength {
		return nil, errors.Wrapf(ErrMalformed, "%d bytes", len(b))
	}
	for _, c := range b[:TimestampLength] {
		if c < '0' || c > '9' {
			return nil, errors.Wrapf(ErrMalformed, "non-digit timestamp byte %q", c)
		}
	}
	want := 0
	switch Kind(b[TimestampLength]) {
	case KindMessage:
		want = MessageLength
	case KindUsernameProof:
		want = UsernameProofLength
	case KindOnChainEvent:
		want = OnChainEventLength
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown kind 0x%02x", b[TimestampLength])
	}
	if len(b) != want {
		return nil, errors.Wrapf(ErrMalformed, "%s id is %d bytes, want %d", Kind(b[TimestampLength]), len(b), want)
	}
	return ID(bytes.Clone(b)), nil
}

// Timestamp decodes the protocol-epoch seconds prefix
func (id ID) Timestamp() int64 {
	var ts int64
	for _, c := range id[:TimestampLength] {
		ts = ts*10 + int64(c-'0')
	}
	return ts
}

// Kind returns the discriminator byte
func (id ID) Kind() Kind {
	return Kind(id[TimestampLength])
}

// Fid returns the owner id
func (id ID) Fid() uint64 {
	off := TimestampLength + 1
	return binary.BigEndian.Uint64(id[off : off+FidLength])
}

// Postfix returns the store postfix of a message ID
func (id ID) Postfix() byte {
	return id[TimestampLength+1+FidLength]
}

// Hash returns the content hash of a message ID
func (id ID) Hash() []byte {
	off := TimestampLength + 1 + FidLength + 1
	return id[off : off+HashLength]
}

// Name returns the username of a username-proof ID, padding stripped
func (id ID) Name() []byte {
	off := TimestampLength + 1 + FidLength
	return bytes.TrimRight(id[off:off+NameLength], "\x00")
}

// OnChainEvent returns the event type, block number and log index of an
// on-chain event ID
func (id ID) OnChainEvent() (eventType byte, block uint64, logIndex uint32) {
	off := TimestampLength + 1 + FidLength
	eventType = id[off]
	block = binary.BigEndian.Uint64(id[off+1 : off+9])
	logIndex = binary.BigEndian.Uint32(id[off+9 : off+13])
	return
}

// TsHash is the 24-byte store suffix: uint32 timestamp ‖ hash. It sorts
// the same way the merge engine orders messages.
func TsHash(ts uint32, hash []byte) []byte {
	b := make([]byte, 0, 4+len(hash))
	b = binary.BigEndian.AppendUint32(b, ts)
	return append(b, hash...)
}

// PrimaryKey maps a message ID to the KV key of its record
func (id ID) PrimaryKey() []byte {
	fid := make([]byte, FidLength)
	binary.BigEndian.PutUint64(fid, id.Fid())
	return kv.Key(kv.PrefixMessage, fid, []byte{id.Postfix()}, TsHash(uint32(id.Timestamp()), id.Hash()))
}

// Compare orders IDs bytewise
func Compare(a, b ID) int {
	return bytes.Compare(a, b)
}

func (id ID) String() string {
	if len(id) <= TimestampLength {
		return hex.EncodeToString(id)
	}
	return string(id[:TimestampLength]) + "/" + id.Kind().String() + "/" + hex.EncodeToString(id[TimestampLength+1:])
}
