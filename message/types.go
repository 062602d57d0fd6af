// Package message defines the signed entities the hub merges: their data
// model, canonical encoding, hashing, signing and per-type validation.
package message

import (
	"github.com/mr-tron/base58"
)

// MessageType identifies what a message does
type MessageType int32

const (
	TypeNone               MessageType = 0
	TypeCastAdd            MessageType = 1
	TypeCastRemove         MessageType = 2
	TypeReactionAdd        MessageType = 3
	TypeReactionRemove     MessageType = 4
	TypeLinkAdd            MessageType = 5
	TypeLinkRemove         MessageType = 6
	TypeVerificationAdd    MessageType = 7
	TypeVerificationRemove MessageType = 8
	TypeSignerAdd          MessageType = 9
	TypeSignerRemove       MessageType = 10
	TypeUserDataAdd        MessageType = 11
)

var typeNames = map[MessageType]string{
	TypeCastAdd:            "cast_add",
	TypeCastRemove:         "cast_remove",
	TypeReactionAdd:        "reaction_add",
	TypeReactionRemove:     "reaction_remove",
	TypeLinkAdd:            "link_add",
	TypeLinkRemove:         "link_remove",
	TypeVerificationAdd:    "verification_add",
	TypeVerificationRemove: "verification_remove",
	TypeSignerAdd:          "signer_add",
	TypeSignerRemove:       "signer_remove",
	TypeUserDataAdd:        "user_data_add",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Set is the store a message type belongs to. Its byte value is the
// postfix used in SyncIds and store keys.
type Set byte

const (
	SetNone          Set = 0
	SetCasts         Set = 1
	SetLinks         Set = 2
	SetReactions     Set = 3
	SetVerifications Set = 4
	SetUserData      Set = 5
	SetSigners       Set = 6
)

// Sets lists every store in a stable order
var Sets = []Set{SetSigners, SetCasts, SetReactions, SetLinks, SetVerifications, SetUserData}

func (s Set) String() string {
	switch s {
	case SetCasts:
		return "casts"
	case SetLinks:
		return "links"
	case SetReactions:
		return "reactions"
	case SetVerifications:
		return "verifications"
	case SetUserData:
		return "user_data"
	case SetSigners:
		return "signers"
	default:
		return "none"
	}
}

// Set returns the store the type is merged into
func (t MessageType) Set() Set {
	switch t {
	case TypeCastAdd, TypeCastRemove:
		return SetCasts
	case TypeReactionAdd, TypeReactionRemove:
		return SetReactions
	case TypeLinkAdd, TypeLinkRemove:
		return SetLinks
	case TypeVerificationAdd, TypeVerificationRemove:
		return SetVerifications
	case TypeUserDataAdd:
		return SetUserData
	case TypeSignerAdd, TypeSignerRemove:
		return SetSigners
	default:
		return SetNone
	}
}

// IsRemove reports whether the type is the remove side of its set
func (t MessageType) IsRemove() bool {
	switch t {
	case TypeCastRemove, TypeReactionRemove, TypeLinkRemove, TypeVerificationRemove, TypeSignerRemove:
		return true
	}
	return false
}

// Network a message was created for
type Network int32

const (
	NetworkNone    Network = 0
	NetworkMainnet Network = 1
	NetworkTestnet Network = 2
	NetworkDevnet  Network = 3
)

// HashScheme of Message.Hash
type HashScheme int32

const HashSchemeBlake3 HashScheme = 1

// SignatureScheme of Message.Signature
type SignatureScheme int32

const SignatureSchemeEd25519 SignatureScheme = 1

// ReactionType is the kind of reaction
type ReactionType int32

const (
	ReactionLike   ReactionType = 1
	ReactionRecast ReactionType = 2
)

// UserDataType selects the profile field a UserDataAdd sets
type UserDataType int32

const (
	UserDataPfp      UserDataType = 1
	UserDataDisplay  UserDataType = 2
	UserDataBio      UserDataType = 3
	UserDataURL      UserDataType = 5
	UserDataUsername UserDataType = 6
)

// CastID points at a cast by author and hash
type CastID struct {
	Fid  uint64 `json:"fid"`
	Hash []byte `json:"hash"`
}

type CastAddBody struct {
	Text              string   `json:"text"`
	Mentions          []uint64 `json:"mentions,omitempty"`
	MentionsPositions []uint32 `json:"mentions_positions,omitempty"`
	Embeds            []string `json:"embeds,omitempty"`
	Parent            *CastID  `json:"parent,omitempty"`
}

type CastRemoveBody struct {
	TargetHash []byte `json:"target_hash"`
}

type ReactionBody struct {
	Type   ReactionType `json:"type"`
	Target *CastID      `json:"target"`
}

type LinkBody struct {
	Type      string `json:"type"`
	TargetFid uint64 `json:"target_fid"`
}

type VerificationAddBody struct {
	Address        []byte `json:"address"`
	ClaimSignature []byte `json:"claim_signature,omitempty"`
	BlockHash      []byte `json:"block_hash,omitempty"`
}

type VerificationRemoveBody struct {
	Address []byte `json:"address"`
}

type UserDataBody struct {
	Type  UserDataType `json:"type"`
	Value string       `json:"value"`
}

// SignerBody carries the delegated ed25519 key for SignerAdd/SignerRemove
type SignerBody struct {
	Signer []byte `json:"signer"`
	Name   string `json:"name,omitempty"`
}

// Data is the signed part of a message. Exactly one body matching Type is set.
type Data struct {
	Type      MessageType `json:"type"`
	Fid       uint64      `json:"fid"`
	Timestamp uint32      `json:"timestamp"` // seconds since the protocol epoch
	Network   Network     `json:"network"`

	CastAdd            *CastAddBody            `json:"cast_add,omitempty"`
	CastRemove         *CastRemoveBody         `json:"cast_remove,omitempty"`
	Reaction           *ReactionBody           `json:"reaction,omitempty"`
	Link               *LinkBody               `json:"link,omitempty"`
	VerificationAdd    *VerificationAddBody    `json:"verification_add,omitempty"`
	VerificationRemove *VerificationRemoveBody `json:"verification_remove,omitempty"`
	UserData           *UserDataBody           `json:"user_data,omitempty"`
	Signer             *SignerBody             `json:"signer,omitempty"`
}

// Message is a signed, hashed Data envelope
type Message struct {
	Data            *Data           `json:"data"`
	Hash            []byte          `json:"hash"`
	HashScheme      HashScheme      `json:"hash_scheme"`
	Signature       []byte          `json:"signature"`
	SignatureScheme SignatureScheme `json:"signature_scheme"`
	Signer          []byte          `json:"signer"`
}

// SignerString renders an ed25519 public key the way operators see it
func SignerString(key []byte) string {
	return base58.Encode(key)
}

// ParseSigner decodes a base58 signer key
func ParseSigner(s string) ([]byte, error) {
	return base58.Decode(s)
}
