package rpc

import (
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/message"
	hubsync "github.com/teranos/hub/sync"
	"github.com/teranos/hub/syncid"
	"github.com/teranos/hub/trie"
)

// codecName is the gRPC content subtype ("application/grpc+hubwire")
const codecName = "hubwire"

// wireMessage is implemented by every request and response of the sync
// service. Fields are protobuf wire format, so the service stays readable
// by generic protobuf tooling even though no stubs are generated.
type wireMessage interface {
	marshalWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, errors.Newf("hubwire: cannot marshal %T", v)
	}
	return m.marshalWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return errors.Newf("hubwire: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

func (wireCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// reader walks the fields of one encoded message. The first error sticks.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = errors.Mark(errors.Wrap(err, "hubwire decode"), errors.ErrValidation)
	}
	r.b = nil
}

func (r *reader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *reader) varint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		r.fail(errors.Newf("wire type %d, want varint", typ))
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.fail(errors.Newf("wire type %d, want bytes", typ))
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return append([]byte{}, v...)
}

func (r *reader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}

// each calls fn for every field of b; fn skips what it does not know
func each(b []byte, fn func(r *reader, num protowire.Number, typ protowire.Type)) error {
	r := &reader{b: b}
	for num, typ, ok := r.next(); ok; num, typ, ok = r.next() {
		fn(r, num, typ)
	}
	return r.err
}

func putBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func putVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (*infoRequest) marshalWire(b []byte) []byte { return b }

func (*infoRequest) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) { r.skip(num, typ) })
}

func (m *prefixRequest) marshalWire(b []byte) []byte {
	return putBytes(b, 1, m.Prefix)
}

func (m *prefixRequest) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		if num == 1 {
			m.Prefix = r.bytes(typ)
			return
		}
		r.skip(num, typ)
	})
}

func (m *fidRequest) marshalWire(b []byte) []byte {
	return putVarint(b, 1, m.Fid)
}

func (m *fidRequest) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		if num == 1 {
			m.Fid = r.varint(typ)
			return
		}
		r.skip(num, typ)
	})
}

func marshalIds(b []byte, ids []syncid.ID) []byte {
	for _, id := range ids {
		b = putBytes(b, 1, id)
	}
	return b
}

func unmarshalIds(b []byte, ids *[]syncid.ID) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		if num == 1 {
			*ids = append(*ids, syncid.ID(r.bytes(typ)))
			return
		}
		r.skip(num, typ)
	})
}

func (m *idsRequest) marshalWire(b []byte) []byte   { return marshalIds(b, m.Ids) }
func (m *idsRequest) unmarshalWire(b []byte) error  { return unmarshalIds(b, &m.Ids) }
func (m *idsResponse) marshalWire(b []byte) []byte  { return marshalIds(b, m.Ids) }
func (m *idsResponse) unmarshalWire(b []byte) error { return unmarshalIds(b, &m.Ids) }

// Messages travel in the same encoding the stores persist them in
func (m *messagesResponse) marshalWire(b []byte) []byte {
	for _, msg := range m.Messages {
		b = putBytes(b, 1, message.Marshal(msg))
	}
	return b
}

func (m *messagesResponse) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		if num != 1 {
			r.skip(num, typ)
			return
		}
		raw := r.bytes(typ)
		if r.err != nil {
			return
		}
		msg, err := message.Unmarshal(raw)
		if err != nil {
			r.fail(err)
			return
		}
		m.Messages = append(m.Messages, msg)
	})
}

type infoResponse struct {
	Info hubsync.PeerInfo
}

func (m *infoResponse) marshalWire(b []byte) []byte {
	b = putBytes(b, 1, []byte(m.Info.Name))
	b = putBytes(b, 2, []byte(m.Info.Version))
	b = putVarint(b, 3, uint64(m.Info.ProtocolVersion))
	b = putBytes(b, 4, m.Info.RootHash)
	return putVarint(b, 5, uint64(m.Info.NumMessages))
}

func (m *infoResponse) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		switch num {
		case 1:
			m.Info.Name = string(r.bytes(typ))
		case 2:
			m.Info.Version = string(r.bytes(typ))
		case 3:
			m.Info.ProtocolVersion = int(r.varint(typ))
		case 4:
			m.Info.RootHash = r.bytes(typ)
		case 5:
			m.Info.NumMessages = int(r.varint(typ))
		default:
			r.skip(num, typ)
		}
	})
}

type snapshotResponse struct {
	Snapshot trie.Snapshot
}

func (m *snapshotResponse) marshalWire(b []byte) []byte {
	b = putBytes(b, 1, m.Snapshot.Prefix)
	for _, h := range m.Snapshot.ExcludedHashes {
		b = putBytes(b, 2, h)
	}
	return putVarint(b, 3, uint64(m.Snapshot.NumMessages))
}

func (m *snapshotResponse) unmarshalWire(b []byte) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		switch num {
		case 1:
			m.Snapshot.Prefix = r.bytes(typ)
		case 2:
			m.Snapshot.ExcludedHashes = append(m.Snapshot.ExcludedHashes, r.bytes(typ))
		case 3:
			m.Snapshot.NumMessages = int(r.varint(typ))
		default:
			r.skip(num, typ)
		}
	})
}

type metadataResponse struct {
	Node trie.NodeMetadata
}

func (m *metadataResponse) marshalWire(b []byte) []byte {
	return marshalNode(b, &m.Node)
}

func (m *metadataResponse) unmarshalWire(b []byte) error {
	return unmarshalNode(b, &m.Node)
}

// marshalNode writes a node and its children; each child is a nested
// message holding its branch byte (field 1) and the child node (field 2).
func marshalNode(b []byte, md *trie.NodeMetadata) []byte {
	b = putBytes(b, 1, md.Prefix)
	b = putVarint(b, 2, uint64(md.NumMessages))
	b = putBytes(b, 3, md.Hash)
	for i := 0; i < 256; i++ {
		child, ok := md.Children[byte(i)]
		if !ok {
			continue
		}
		var entry []byte
		entry = putVarint(entry, 1, uint64(i))
		entry = putBytes(entry, 2, marshalNode(nil, child))
		b = putBytes(b, 4, entry)
	}
	return b
}

func unmarshalNode(b []byte, md *trie.NodeMetadata) error {
	return each(b, func(r *reader, num protowire.Number, typ protowire.Type) {
		switch num {
		case 1:
			md.Prefix = r.bytes(typ)
		case 2:
			md.NumMessages = int(r.varint(typ))
		case 3:
			md.Hash = r.bytes(typ)
		case 4:
			entry := r.bytes(typ)
			if r.err != nil {
				return
			}
			var char uint64
			child := &trie.NodeMetadata{}
			err := each(entry, func(er *reader, num protowire.Number, typ protowire.Type) {
				switch num {
				case 1:
					char = er.varint(typ)
				case 2:
					if raw := er.bytes(typ); er.err == nil {
						if err := unmarshalNode(raw, child); err != nil {
							er.fail(err)
						}
					}
				default:
					er.skip(num, typ)
				}
			})
			if err == nil && char > 255 {
				err = errors.Newf("branch byte %d out of range", char)
			}
			if err != nil {
				r.fail(err)
				return
			}
			if md.Children == nil {
				md.Children = make(map[byte]*trie.NodeMetadata)
			}
			md.Children[byte(char)] = child
		default:
			r.skip(num, typ)
		}
	})
}
