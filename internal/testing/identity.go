package testing

import (
	"github.com/teranos/hub/identity"
)

// BlockTime is the block timestamp of block 0 in test chains
const BlockTime = 1700000000

func onChain(typ identity.EventType, fid, block uint64, seed byte) *identity.OnChainEvent {
	return &identity.OnChainEvent{
		Type:           typ,
		Fid:            fid,
		BlockNumber:    block,
		LogIndex:       0,
		BlockTimestamp: BlockTime + int64(block),
		Key:            PublicKey(seed),
	}
}

// Register makes Key(seed) the custody key of fid at block
func Register(fid, block uint64, seed byte) *identity.OnChainEvent {
	return onChain(identity.EventIdRegister, fid, block, seed)
}

// SignerKeyAdd authorizes Key(seed) on chain for fid at block
func SignerKeyAdd(fid, block uint64, seed byte) *identity.OnChainEvent {
	return onChain(identity.EventSignerKeyAdd, fid, block, seed)
}

// SignerKeyRemove removes Key(seed) on chain for fid at block
func SignerKeyRemove(fid, block uint64, seed byte) *identity.OnChainEvent {
	return onChain(identity.EventSignerKeyRemove, fid, block, seed)
}

// UsernameProof returns a proof for name signed by Key(seed)
func UsernameProof(name string, fid uint64, ts int64, seed byte) *identity.UsernameProof {
	p := &identity.UsernameProof{Name: []byte(name), Fid: fid, Timestamp: ts}
	identity.SignProof(p, Key(seed))
	return p
}
