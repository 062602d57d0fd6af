package store

import (
	"encoding/binary"

	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/syncid"
)

const tsHashLength = 4 + syncid.HashLength

func fidBytes(fid uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, fid)
}

// recordKey: 0x10 ‖ fid ‖ set ‖ tsHash
func recordKey(fid uint64, set message.Set, tsHash []byte) []byte {
	return kv.Key(kv.PrefixMessage, fidBytes(fid), []byte{byte(set)}, tsHash)
}

func recordPrefix(fid uint64, set message.Set) []byte {
	return kv.Key(kv.PrefixMessage, fidBytes(fid), []byte{byte(set)})
}

// liveKey: 0x11/0x12 ‖ fid ‖ set ‖ bucket key
func liveKey(prefix byte, fid uint64, set message.Set, bucket []byte) []byte {
	return kv.Key(prefix, fidBytes(fid), []byte{byte(set)}, bucket)
}

// signerKey: 0x13 ‖ fid ‖ signer ‖ set ‖ tsHash
func signerKey(fid uint64, signer []byte, set message.Set, tsHash []byte) []byte {
	return kv.Key(kv.PrefixBySigner, fidBytes(fid), signer, []byte{byte(set)}, tsHash)
}

func signerPrefix(fid uint64, signer []byte) []byte {
	return kv.Key(kv.PrefixBySigner, fidBytes(fid), signer)
}

// idFromRecordKey rebuilds the sync id of a record from its key alone
func idFromRecordKey(key []byte) (syncid.ID, bool) {
	if len(key) != 1+8+1+tsHashLength {
		return nil, false
	}
	fid := binary.BigEndian.Uint64(key[1:9])
	set := key[9]
	ts := binary.BigEndian.Uint32(key[10:14])
	id, err := syncid.FromMessage(int64(ts), fid, set, key[14:])
	if err != nil {
		return nil, false
	}
	return id, true
}
