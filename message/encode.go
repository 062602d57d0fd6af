package message

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/hub/errors"
)

// Field numbers. Encoders emit fields in ascending number order and skip
// zero values, so equal Data always encodes to equal bytes.
const (
	fieldDataType      protowire.Number = 1
	fieldDataFid       protowire.Number = 2
	fieldDataTimestamp protowire.Number = 3
	fieldDataNetwork   protowire.Number = 4
	fieldCastAdd       protowire.Number = 5
	fieldCastRemove    protowire.Number = 6
	fieldReaction      protowire.Number = 7
	fieldVerAdd        protowire.Number = 9
	fieldVerRemove     protowire.Number = 10
	fieldSigner        protowire.Number = 11
	fieldUserData      protowire.Number = 12
	fieldLink          protowire.Number = 14

	fieldMsgData            protowire.Number = 1
	fieldMsgHash            protowire.Number = 2
	fieldMsgHashScheme      protowire.Number = 3
	fieldMsgSignature       protowire.Number = 4
	fieldMsgSignatureScheme protowire.Number = 5
	fieldMsgSigner          protowire.Number = 6
)

// ErrDecode: bytes are not a valid encoding
var ErrDecode = errors.Wrap(errors.ErrValidation, "message decode")

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage writes a nested message even when it encodes to zero bytes,
// so a present-but-empty body survives a round trip
func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func encodeCastID(c *CastID) []byte {
	var b []byte
	b = appendVarint(b, 1, c.Fid)
	return appendBytes(b, 2, c.Hash)
}

func encodeCastAdd(c *CastAddBody) []byte {
	var b []byte
	b = appendString(b, 1, c.Text)
	for _, m := range c.Mentions {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m)
	}
	for _, p := range c.MentionsPositions {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p))
	}
	for _, e := range c.Embeds {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}
	if c.Parent != nil {
		b = appendMessage(b, 5, encodeCastID(c.Parent))
	}
	return b
}

// EncodeData returns the canonical bytes that are hashed and signed
func EncodeData(d *Data) []byte {
	var b []byte
	b = appendVarint(b, fieldDataType, uint64(d.Type))
	b = appendVarint(b, fieldDataFid, d.Fid)
	b = appendVarint(b, fieldDataTimestamp, uint64(d.Timestamp))
	b = appendVarint(b, fieldDataNetwork, uint64(d.Network))

	if d.CastAdd != nil {
		b = appendMessage(b, fieldCastAdd, encodeCastAdd(d.CastAdd))
	}
	if d.CastRemove != nil {
		b = appendMessage(b, fieldCastRemove, appendBytes(nil, 1, d.CastRemove.TargetHash))
	}
	if d.Reaction != nil {
		var body []byte
		body = appendVarint(body, 1, uint64(d.Reaction.Type))
		if d.Reaction.Target != nil {
			body = appendMessage(body, 2, encodeCastID(d.Reaction.Target))
		}
		b = appendMessage(b, fieldReaction, body)
	}
	if d.VerificationAdd != nil {
		var body []byte
		body = appendBytes(body, 1, d.VerificationAdd.Address)
		body = appendBytes(body, 2, d.VerificationAdd.ClaimSignature)
		body = appendBytes(body, 3, d.VerificationAdd.BlockHash)
		b = appendMessage(b, fieldVerAdd, body)
	}
	if d.VerificationRemove != nil {
		b = appendMessage(b, fieldVerRemove, appendBytes(nil, 1, d.VerificationRemove.Address))
	}
	if d.Signer != nil {
		var body []byte
		body = appendBytes(body, 1, d.Signer.Signer)
		body = appendString(body, 2, d.Signer.Name)
		b = appendMessage(b, fieldSigner, body)
	}
	if d.UserData != nil {
		var body []byte
		body = appendVarint(body, 1, uint64(d.UserData.Type))
		body = appendString(body, 2, d.UserData.Value)
		b = appendMessage(b, fieldUserData, body)
	}
	if d.Link != nil {
		var body []byte
		body = appendString(body, 1, d.Link.Type)
		body = appendVarint(body, 2, d.Link.TargetFid)
		b = appendMessage(b, fieldLink, body)
	}
	return b
}

// Marshal encodes the full message for storage and transport
func Marshal(m *Message) []byte {
	var b []byte
	if m.Data != nil {
		b = appendMessage(b, fieldMsgData, EncodeData(m.Data))
	}
	b = appendBytes(b, fieldMsgHash, m.Hash)
	b = appendVarint(b, fieldMsgHashScheme, uint64(m.HashScheme))
	b = appendBytes(b, fieldMsgSignature, m.Signature)
	b = appendVarint(b, fieldMsgSignatureScheme, uint64(m.SignatureScheme))
	return appendBytes(b, fieldMsgSigner, m.Signer)
}

// decoder walks protowire fields. The first error sticks.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail(n int) {
	if d.err == nil {
		d.err = errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
	}
	d.b = nil
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(n)
		return 0, 0, false
	}
	d.b = d.b[n:]
	return num, typ, true
}

func (d *decoder) varint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		d.err = errors.Wrapf(ErrDecode, "wire type %d, want varint", typ)
		d.b = nil
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		d.err = errors.Wrapf(ErrDecode, "wire type %d, want bytes", typ)
		d.b = nil
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(n)
		return nil
	}
	d.b = d.b[n:]
	return append([]byte(nil), v...)
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.fail(n)
		return
	}
	d.b = d.b[n:]
}

func decodeCastID(b []byte) (*CastID, error) {
	c := &CastID{}
	d := &decoder{b: b}
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			c.Fid = d.varint(typ)
		case 2:
			c.Hash = d.bytes(typ)
		default:
			d.skip(num, typ)
		}
	}
	return c, d.err
}

func decodeCastAdd(b []byte) (*CastAddBody, error) {
	c := &CastAddBody{}
	d := &decoder{b: b}
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case 1:
			c.Text = string(d.bytes(typ))
		case 2:
			c.Mentions = append(c.Mentions, d.varint(typ))
		case 3:
			c.MentionsPositions = append(c.MentionsPositions, uint32(d.varint(typ)))
		case 4:
			c.Embeds = append(c.Embeds, string(d.bytes(typ)))
		case 5:
			parent, err := decodeCastID(d.bytes(typ))
			if err != nil {
				return nil, err
			}
			c.Parent = parent
		default:
			d.skip(num, typ)
		}
	}
	return c, d.err
}

// DecodeData parses canonical data bytes
func DecodeData(b []byte) (*Data, error) {
	data := &Data{}
	d := &decoder{b: b}
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case fieldDataType:
			data.Type = MessageType(d.varint(typ))
		case fieldDataFid:
			data.Fid = d.varint(typ)
		case fieldDataTimestamp:
			data.Timestamp = uint32(d.varint(typ))
		case fieldDataNetwork:
			data.Network = Network(d.varint(typ))
		case fieldCastAdd:
			body, err := decodeCastAdd(d.bytes(typ))
			if err != nil {
				return nil, err
			}
			data.CastAdd = body
		case fieldCastRemove:
			body := &CastRemoveBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				if num == 1 {
					body.TargetHash = sub.bytes(typ)
					return
				}
				sub.skip(num, typ)
			}); err != nil {
				return nil, err
			}
			data.CastRemove = body
		case fieldReaction:
			body := &ReactionBody{}
			var target []byte
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					body.Type = ReactionType(sub.varint(typ))
				case 2:
					target = sub.bytes(typ)
				default:
					sub.skip(num, typ)
				}
			}); err != nil {
				return nil, err
			}
			if target != nil {
				c, err := decodeCastID(target)
				if err != nil {
					return nil, err
				}
				body.Target = c
			}
			data.Reaction = body
		case fieldVerAdd:
			body := &VerificationAddBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					body.Address = sub.bytes(typ)
				case 2:
					body.ClaimSignature = sub.bytes(typ)
				case 3:
					body.BlockHash = sub.bytes(typ)
				default:
					sub.skip(num, typ)
				}
			}); err != nil {
				return nil, err
			}
			data.VerificationAdd = body
		case fieldVerRemove:
			body := &VerificationRemoveBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				if num == 1 {
					body.Address = sub.bytes(typ)
					return
				}
				sub.skip(num, typ)
			}); err != nil {
				return nil, err
			}
			data.VerificationRemove = body
		case fieldSigner:
			body := &SignerBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					body.Signer = sub.bytes(typ)
				case 2:
					body.Name = string(sub.bytes(typ))
				default:
					sub.skip(num, typ)
				}
			}); err != nil {
				return nil, err
			}
			data.Signer = body
		case fieldUserData:
			body := &UserDataBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					body.Type = UserDataType(sub.varint(typ))
				case 2:
					body.Value = string(sub.bytes(typ))
				default:
					sub.skip(num, typ)
				}
			}); err != nil {
				return nil, err
			}
			data.UserData = body
		case fieldLink:
			body := &LinkBody{}
			if err := decodeFields(d.bytes(typ), func(sub *decoder, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					body.Type = string(sub.bytes(typ))
				case 2:
					body.TargetFid = sub.varint(typ)
				default:
					sub.skip(num, typ)
				}
			}); err != nil {
				return nil, err
			}
			data.Link = body
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return data, nil
}

func decodeFields(b []byte, fn func(d *decoder, num protowire.Number, typ protowire.Type)) error {
	d := &decoder{b: b}
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		fn(d, num, typ)
	}
	return d.err
}

// Unmarshal parses a message produced by Marshal
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	d := &decoder{b: b}
	for num, typ, ok := d.next(); ok; num, typ, ok = d.next() {
		switch num {
		case fieldMsgData:
			data, err := DecodeData(d.bytes(typ))
			if err != nil {
				return nil, err
			}
			m.Data = data
		case fieldMsgHash:
			m.Hash = d.bytes(typ)
		case fieldMsgHashScheme:
			m.HashScheme = HashScheme(d.varint(typ))
		case fieldMsgSignature:
			m.Signature = d.bytes(typ)
		case fieldMsgSignatureScheme:
			m.SignatureScheme = SignatureScheme(d.varint(typ))
		case fieldMsgSigner:
			m.Signer = d.bytes(typ)
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}
