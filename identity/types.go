// Package identity tracks who may sign for a fid: the custody key from the
// fid's latest registration and the signer keys added on chain. Records
// arrive from external chain watchers and are never trusted from peers.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/syncid"
)

// EventType is the kind of an on-chain event
type EventType byte

const (
	EventNone            EventType = 0
	EventIdRegister      EventType = 1
	EventSignerKeyAdd    EventType = 2
	EventSignerKeyRemove EventType = 3
)

func (t EventType) String() string {
	switch t {
	case EventIdRegister:
		return "id_register"
	case EventSignerKeyAdd:
		return "signer_key_add"
	case EventSignerKeyRemove:
		return "signer_key_remove"
	default:
		return "none"
	}
}

// KeyLength is the size of custody and signer keys
const KeyLength = ed25519.PublicKeySize

// OnChainEvent is a registry contract log entry. Key is the custody key
// for IdRegister and the signer key otherwise.
type OnChainEvent struct {
	Type           EventType `json:"type"`
	Fid            uint64    `json:"fid"`
	BlockNumber    uint64    `json:"block_number"`
	LogIndex       uint32    `json:"log_index"`
	BlockTimestamp int64     `json:"block_timestamp"`
	TxHash         []byte    `json:"tx_hash,omitempty"`
	Key            []byte    `json:"key"`
}

// SyncID returns the trie identifier of the event
func (e *OnChainEvent) SyncID() (syncid.ID, error) {
	return syncid.FromOnChainEvent(syncid.FromUnix(e.BlockTimestamp), e.Fid, byte(e.Type), e.BlockNumber, e.LogIndex)
}

// After reports whether e was logged after o on chain
func (e *OnChainEvent) After(o *OnChainEvent) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber > o.BlockNumber
	}
	return e.LogIndex > o.LogIndex
}

// Validate checks the event is well formed
func (e *OnChainEvent) Validate() error {
	switch {
	case e.Type < EventIdRegister || e.Type > EventSignerKeyRemove:
		return errors.Validationf("unknown on-chain event type %d", e.Type)
	case e.Fid == 0:
		return errors.Validationf("on-chain event without fid")
	case len(e.Key) != KeyLength:
		return errors.Validationf("%s key is %d bytes, want %d", e.Type, len(e.Key), KeyLength)
	case e.BlockTimestamp < syncid.Epoch.Unix():
		return errors.Validationf("%s block timestamp %d predates the epoch", e.Type, e.BlockTimestamp)
	}
	return nil
}

// UsernameProof binds a name to a fid, signed by the name's owner key
type UsernameProof struct {
	Name      []byte `json:"name"`
	Fid       uint64 `json:"fid"`
	Owner     []byte `json:"owner"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// SyncID returns the trie identifier of the proof
func (p *UsernameProof) SyncID() (syncid.ID, error) {
	return syncid.FromUsernameProof(syncid.FromUnix(p.Timestamp), p.Fid, p.Name)
}

func (p *UsernameProof) payload() []byte {
	b := append([]byte(nil), p.Name...)
	b = binary.BigEndian.AppendUint64(b, p.Fid)
	return binary.BigEndian.AppendUint64(b, uint64(p.Timestamp))
}

// SignProof fills in Owner and Signature using key
func SignProof(p *UsernameProof, key ed25519.PrivateKey) {
	p.Owner = key.Public().(ed25519.PublicKey)
	p.Signature = ed25519.Sign(key, p.payload())
}

// Validate checks the proof is well formed and signed by its owner
func (p *UsernameProof) Validate() error {
	switch {
	case len(p.Name) == 0 || len(p.Name) > syncid.NameLength:
		return errors.Validationf("username is %d bytes, want 1..%d", len(p.Name), syncid.NameLength)
	case bytes.IndexByte(p.Name, 0) >= 0:
		return errors.Validationf("username contains a zero byte")
	case p.Fid == 0:
		return errors.Validationf("username proof without fid")
	case len(p.Owner) != KeyLength:
		return errors.Validationf("owner key is %d bytes, want %d", len(p.Owner), KeyLength)
	case p.Timestamp < syncid.Epoch.Unix():
		return errors.Validationf("username proof timestamp %d predates the epoch", p.Timestamp)
	case !ed25519.Verify(p.Owner, p.payload(), p.Signature):
		return errors.Validationf("username proof signature does not verify")
	}
	return nil
}

var errCorruptRecord = errors.Mark(errors.New("corrupt identity record"), errors.ErrStorage)

func appendField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consume walks the fields of b, handing varints and byte strings to fn
func consume(b []byte, fn func(num protowire.Number, v uint64, bs []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errCorruptRecord
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errCorruptRecord
			}
			fn(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errCorruptRecord
			}
			fn(num, 0, bytes.Clone(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errCorruptRecord
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeEvent(e *OnChainEvent) []byte {
	var b []byte
	b = appendField(b, 1, uint64(e.Type))
	b = appendField(b, 2, e.Fid)
	b = appendField(b, 3, e.BlockNumber)
	b = appendField(b, 4, uint64(e.LogIndex))
	b = appendField(b, 5, uint64(e.BlockTimestamp))
	b = appendBytesField(b, 6, e.TxHash)
	return appendBytesField(b, 7, e.Key)
}

func decodeEvent(b []byte) (*OnChainEvent, error) {
	e := &OnChainEvent{}
	err := consume(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			e.Type = EventType(v)
		case 2:
			e.Fid = v
		case 3:
			e.BlockNumber = v
		case 4:
			e.LogIndex = uint32(v)
		case 5:
			e.BlockTimestamp = int64(v)
		case 6:
			e.TxHash = bs
		case 7:
			e.Key = bs
		}
	})
	return e, err
}

func encodeProof(p *UsernameProof) []byte {
	var b []byte
	b = appendBytesField(b, 1, p.Name)
	b = appendField(b, 2, p.Fid)
	b = appendBytesField(b, 3, p.Owner)
	b = appendField(b, 4, uint64(p.Timestamp))
	return appendBytesField(b, 5, p.Signature)
}

func decodeProof(b []byte) (*UsernameProof, error) {
	p := &UsernameProof{}
	err := consume(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			p.Name = bs
		case 2:
			p.Fid = v
		case 3:
			p.Owner = bs
		case 4:
			p.Timestamp = int64(v)
		case 5:
			p.Signature = bs
		}
	})
	return p, err
}
