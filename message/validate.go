package message

import (
	"bytes"
	"crypto/ed25519"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/syncid"
)

// Limits enforced by the default validators
const (
	MaxCastTextBytes = 320
	MaxMentions      = 10
	MaxEmbeds        = 2
	MaxLinkTypeBytes = 8
	MaxUserDataBytes = 256
	MaxFutureSkew    = 10 * time.Minute
	SignerKeyLength  = ed25519.PublicKeySize
	signatureLength  = ed25519.SignatureSize
)

// BodyValidator checks the type-specific body of already structurally
// valid data
type BodyValidator func(d *Data) error

// Validator runs envelope checks and a per-type body policy
type Validator struct {
	mu      sync.RWMutex
	bodies  map[MessageType]BodyValidator
	network Network
	now     func() time.Time
}

// NewValidator returns a validator with the default body policies.
// network 0 accepts any network.
func NewValidator(network Network) *Validator {
	v := &Validator{
		bodies:  make(map[MessageType]BodyValidator),
		network: network,
		now:     time.Now,
	}
	v.Register(TypeCastAdd, validateCastAdd)
	v.Register(TypeCastRemove, validateCastRemove)
	v.Register(TypeReactionAdd, validateReaction)
	v.Register(TypeReactionRemove, validateReaction)
	v.Register(TypeLinkAdd, validateLink)
	v.Register(TypeLinkRemove, validateLink)
	v.Register(TypeVerificationAdd, validateVerificationAdd)
	v.Register(TypeVerificationRemove, validateVerificationRemove)
	v.Register(TypeUserDataAdd, validateUserData)
	v.Register(TypeSignerAdd, validateSigner)
	v.Register(TypeSignerRemove, validateSigner)
	return v
}

// Register replaces the body policy for a type
func (v *Validator) Register(t MessageType, fn BodyValidator) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bodies[t] = fn
}

// SetClock overrides the time source (tests)
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate checks structure, hash, signature and the body policy.
// Every failure wraps errors.ErrValidation.
func (v *Validator) Validate(m *Message) error {
	if m == nil || m.Data == nil {
		return errors.Validationf("message has no data")
	}
	d := m.Data
	if d.Fid == 0 {
		return errors.Validationf("fid is missing")
	}
	if v.network != NetworkNone && d.Network != v.network {
		return errors.Validationf("network %d, want %d", d.Network, v.network)
	}

	v.mu.RLock()
	body, ok := v.bodies[d.Type]
	v.mu.RUnlock()
	if !ok {
		return errors.Validationf("unsupported message type %d", d.Type)
	}

	maxTs := syncid.FromUnix(v.now().Add(MaxFutureSkew).Unix())
	if int64(d.Timestamp) > maxTs {
		return errors.Validationf("timestamp %d more than %s in the future", d.Timestamp, MaxFutureSkew)
	}

	if m.HashScheme != HashSchemeBlake3 {
		return errors.Validationf("unsupported hash scheme %d", m.HashScheme)
	}
	if !bytes.Equal(m.Hash, HashData(d)) {
		return errors.Validationf("hash does not match data")
	}
	if m.SignatureScheme != SignatureSchemeEd25519 {
		return errors.Validationf("unsupported signature scheme %d", m.SignatureScheme)
	}
	if len(m.Signer) != SignerKeyLength {
		return errors.Validationf("signer is %d bytes, want %d", len(m.Signer), SignerKeyLength)
	}
	if len(m.Signature) != signatureLength || !ed25519.Verify(m.Signer, m.Hash, m.Signature) {
		return errors.Validationf("invalid signature")
	}

	if err := exactlyOneBody(d); err != nil {
		return err
	}
	return body(d)
}

func exactlyOneBody(d *Data) error {
	n := 0
	for _, set := range []bool{
		d.CastAdd != nil, d.CastRemove != nil, d.Reaction != nil, d.Link != nil,
		d.VerificationAdd != nil, d.VerificationRemove != nil, d.UserData != nil, d.Signer != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.Validationf("%s carries %d bodies, want 1", d.Type, n)
	}
	return nil
}

func validateCastAdd(d *Data) error {
	c := d.CastAdd
	if c == nil {
		return errors.Validationf("cast_add body missing")
	}
	if len(c.Text) > MaxCastTextBytes {
		return errors.Validationf("cast text is %d bytes, max %d", len(c.Text), MaxCastTextBytes)
	}
	if !utf8.ValidString(c.Text) {
		return errors.Validationf("cast text is not valid utf-8")
	}
	if len(c.Mentions) > MaxMentions {
		return errors.Validationf("%d mentions, max %d", len(c.Mentions), MaxMentions)
	}
	if len(c.Mentions) != len(c.MentionsPositions) {
		return errors.Validationf("mentions and positions differ in length")
	}
	for _, p := range c.MentionsPositions {
		if int(p) > len(c.Text) {
			return errors.Validationf("mention position %d beyond text", p)
		}
	}
	if len(c.Embeds) > MaxEmbeds {
		return errors.Validationf("%d embeds, max %d", len(c.Embeds), MaxEmbeds)
	}
	if c.Text == "" && len(c.Embeds) == 0 {
		return errors.Validationf("cast has neither text nor embeds")
	}
	if c.Parent != nil {
		return validateCastID(c.Parent)
	}
	return nil
}

func validateCastID(c *CastID) error {
	if c.Fid == 0 {
		return errors.Validationf("cast id fid is missing")
	}
	if len(c.Hash) != syncid.HashLength {
		return errors.Validationf("cast id hash is %d bytes, want %d", len(c.Hash), syncid.HashLength)
	}
	return nil
}

func validateCastRemove(d *Data) error {
	if d.CastRemove == nil {
		return errors.Validationf("cast_remove body missing")
	}
	if len(d.CastRemove.TargetHash) != syncid.HashLength {
		return errors.Validationf("target hash is %d bytes, want %d", len(d.CastRemove.TargetHash), syncid.HashLength)
	}
	return nil
}

func validateReaction(d *Data) error {
	r := d.Reaction
	if r == nil {
		return errors.Validationf("%s body missing", d.Type)
	}
	if r.Type != ReactionLike && r.Type != ReactionRecast {
		return errors.Validationf("unknown reaction type %d", r.Type)
	}
	if r.Target == nil {
		return errors.Validationf("reaction target missing")
	}
	return validateCastID(r.Target)
}

func validateLink(d *Data) error {
	l := d.Link
	if l == nil {
		return errors.Validationf("%s body missing", d.Type)
	}
	if l.Type == "" || len(l.Type) > MaxLinkTypeBytes {
		return errors.Validationf("link type must be 1..%d bytes, got %d", MaxLinkTypeBytes, len(l.Type))
	}
	if l.TargetFid == 0 {
		return errors.Validationf("link target fid is missing")
	}
	return nil
}

func validateAddress(addr []byte) error {
	if len(addr) != 20 && len(addr) != 32 {
		return errors.Validationf("address is %d bytes, want 20 or 32", len(addr))
	}
	return nil
}

func validateVerificationAdd(d *Data) error {
	if d.VerificationAdd == nil {
		return errors.Validationf("verification_add body missing")
	}
	return validateAddress(d.VerificationAdd.Address)
}

func validateVerificationRemove(d *Data) error {
	if d.VerificationRemove == nil {
		return errors.Validationf("verification_remove body missing")
	}
	return validateAddress(d.VerificationRemove.Address)
}

func validateUserData(d *Data) error {
	u := d.UserData
	if u == nil {
		return errors.Validationf("user_data body missing")
	}
	switch u.Type {
	case UserDataPfp, UserDataDisplay, UserDataBio, UserDataURL, UserDataUsername:
	default:
		return errors.Validationf("unknown user data type %d", u.Type)
	}
	if len(u.Value) > MaxUserDataBytes {
		return errors.Validationf("user data value is %d bytes, max %d", len(u.Value), MaxUserDataBytes)
	}
	return nil
}

func validateSigner(d *Data) error {
	if d.Signer == nil {
		return errors.Validationf("%s body missing", d.Type)
	}
	if len(d.Signer.Signer) != SignerKeyLength {
		return errors.Validationf("signer key is %d bytes, want %d", len(d.Signer.Signer), SignerKeyLength)
	}
	return nil
}
