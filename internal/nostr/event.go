package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/Bidon15/nsigner"
)

// Event kinds referenced by the signer.
const (
	KindEncryptedDM  = 4
	KindZapRequest   = 9734
	KindZapReceipt   = 9735
	KindNostrConnect = 24133
)

// Tag is a single event tag.
type Tag []string

// Tags is the tag list of an event.
type Tags []Tag

// First returns the first tag named name, or nil.
func (t Tags) First(name string) Tag {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}

// Value returns the second element of the first tag named name.
func (t Tags) Value(name string) string {
	tag := t.First(name)
	if len(tag) < 2 {
		return ""
	}
	return tag[1]
}

// Event is a Nostr event as defined by NIP-01.
type Event struct {
	ID        string `json:"id,omitempty"`
	PubKey    string `json:"pubkey,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// ParseEvent decodes an event from JSON and checks the fields needed for
// signing are present.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: event: %v", nsigner.ErrMalformedRequest, err)
	}
	if e.Kind < 0 || e.Kind > 65535 {
		return nil, nsigner.NewValidationError("kind", "must be between 0 and 65535")
	}
	if e.CreatedAt < 0 {
		return nil, nsigner.NewValidationError("created_at", "must be non-negative")
	}
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	return &e, nil
}

// Serialize returns the canonical NIP-01 serialization
// [0,pubkey,created_at,kind,tags,content] the event id is computed over.
func (e *Event) Serialize() []byte {
	var b strings.Builder
	b.Grow(128 + len(e.Content))
	b.WriteString(`[0,"`)
	b.WriteString(e.PubKey)
	b.WriteString(`",`)
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(`,[`)
	for i, tag := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			writeEscaped(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString(`],`)
	writeEscaped(&b, e.Content)
	b.WriteByte(']')
	return []byte(b.String())
}

// Hash returns sha256 of the canonical serialization.
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// ComputeID returns the hex event id.
func (e *Event) ComputeID() string {
	h := e.Hash()
	return hex.EncodeToString(h[:])
}

// CheckID reports whether the event id matches its content.
func (e *Event) CheckID() bool {
	return e.ID == e.ComputeID()
}

// Verify checks the id and the BIP-340 signature against the pubkey.
func (e *Event) Verify() error {
	if !e.CheckID() {
		return fmt.Errorf("%w: event id mismatch", nsigner.ErrMalformedRequest)
	}
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", nsigner.ErrMalformedRequest, err)
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", nsigner.ErrMalformedRequest, err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", nsigner.ErrMalformedRequest, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", nsigner.ErrMalformedRequest, err)
	}
	h := e.Hash()
	if !sig.Verify(h[:], pk) {
		return fmt.Errorf("%w: bad signature", nsigner.ErrCryptoError)
	}
	return nil
}

// SignHash produces a BIP-340 signature over a 32-byte hash.
func SignHash(secret []byte, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	if err := ValidateSecretKey(secret); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	return sig.Serialize(), nil
}

// Sign fills pubkey, id and sig using the given secret key.
func (e *Event) Sign(secret []byte) error {
	pub, err := PublicKeyHex(secret)
	if err != nil {
		return err
	}
	e.PubKey = pub
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	h := e.Hash()
	sig, err := SignHash(secret, h[:])
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// String returns the event as JSON.
func (e *Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// writeEscaped writes s as a JSON string escaping only the characters
// NIP-01 lists. encoding/json also escapes <, >, & and U+2028/U+2029,
// which would change the id.
func writeEscaped(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}
