package testing

import (
	"bytes"
	"crypto/ed25519"

	"github.com/teranos/hub/message"
)

// Key returns a deterministic ed25519 key derived from seed
func Key(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

// PublicKey returns the public half of Key(seed)
func PublicKey(seed byte) []byte {
	return Key(seed).Public().(ed25519.PublicKey)
}

// Hash returns a 20-byte hash filled with b
func Hash(b byte) []byte {
	return bytes.Repeat([]byte{b}, 20)
}

// Sign signs d with Key(seed)
func Sign(d *message.Data, seed byte) *message.Message {
	return message.Sign(d, Key(seed))
}

func data(t message.MessageType, fid uint64, ts uint32) *message.Data {
	return &message.Data{Type: t, Fid: fid, Timestamp: ts, Network: message.NetworkDevnet}
}

func CastAdd(fid uint64, ts uint32, text string) *message.Data {
	d := data(message.TypeCastAdd, fid, ts)
	d.CastAdd = &message.CastAddBody{Text: text}
	return d
}

func CastRemove(fid uint64, ts uint32, target []byte) *message.Data {
	d := data(message.TypeCastRemove, fid, ts)
	d.CastRemove = &message.CastRemoveBody{TargetHash: target}
	return d
}

func ReactionAdd(fid uint64, ts uint32, targetFid uint64, targetHash []byte) *message.Data {
	d := data(message.TypeReactionAdd, fid, ts)
	d.Reaction = &message.ReactionBody{Type: message.ReactionLike, Target: &message.CastID{Fid: targetFid, Hash: targetHash}}
	return d
}

func ReactionRemove(fid uint64, ts uint32, targetFid uint64, targetHash []byte) *message.Data {
	d := data(message.TypeReactionRemove, fid, ts)
	d.Reaction = &message.ReactionBody{Type: message.ReactionLike, Target: &message.CastID{Fid: targetFid, Hash: targetHash}}
	return d
}

func LinkAdd(fid uint64, ts uint32, target uint64) *message.Data {
	d := data(message.TypeLinkAdd, fid, ts)
	d.Link = &message.LinkBody{Type: "follow", TargetFid: target}
	return d
}

func LinkRemove(fid uint64, ts uint32, target uint64) *message.Data {
	d := data(message.TypeLinkRemove, fid, ts)
	d.Link = &message.LinkBody{Type: "follow", TargetFid: target}
	return d
}

func UserData(fid uint64, ts uint32, value string) *message.Data {
	d := data(message.TypeUserDataAdd, fid, ts)
	d.UserData = &message.UserDataBody{Type: message.UserDataBio, Value: value}
	return d
}

func SignerAdd(fid uint64, ts uint32, key []byte) *message.Data {
	d := data(message.TypeSignerAdd, fid, ts)
	d.Signer = &message.SignerBody{Signer: key}
	return d
}

func SignerRemove(fid uint64, ts uint32, key []byte) *message.Data {
	d := data(message.TypeSignerRemove, fid, ts)
	d.Signer = &message.SignerBody{Signer: key}
	return d
}
