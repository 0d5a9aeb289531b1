// Package nostr implements the Nostr protocol primitives nsigner needs:
// key encodings, event ids and Schnorr signatures, and the NIP-04, NIP-44,
// NIP-49 and NIP-06 schemes. Secret key material is passed as raw byte
// slices so callers control where it lives and when it is wiped.
package nostr

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/Bidon15/nsigner"
)

// Bech32 human readable parts.
const (
	HRPPublicKey    = "npub"
	HRPSecretKey    = "nsec"
	HRPEncryptedKey = "ncryptsec"
)

// KeySize is the length of secret keys, x-only public keys and shared secrets.
const KeySize = 32

// GenerateSecretKey creates a new random secp256k1 secret key.
func GenerateSecretKey() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv.Serialize(), nil
}

// ValidateSecretKey checks that b is a usable secp256k1 scalar.
func ValidateSecretKey(b []byte) error {
	if len(b) != KeySize {
		return fmt.Errorf("%w: secret key must be %d bytes, got %d", nsigner.ErrInvalidKeyFormat, KeySize, len(b))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return fmt.Errorf("%w: secret key out of range", nsigner.ErrInvalidKeyFormat)
	}
	return nil
}

// ParseSecretKey accepts a 64 character hex key or an nsec bech32 string.
func ParseSecretKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var (
		b   []byte
		err error
	)
	if strings.HasPrefix(strings.ToLower(s), HRPSecretKey+"1") {
		b, err = decodeBech32(s, HRPSecretKey)
	} else {
		b, err = decodeHex32(s)
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateSecretKey(b); err != nil {
		memguard.WipeBytes(b)
		return nil, err
	}
	return b, nil
}

// ParsePublicKey accepts a 64 character hex x-only key or an npub string
// and returns the 32-byte x-only key.
func ParsePublicKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var (
		b   []byte
		err error
	)
	if strings.HasPrefix(strings.ToLower(s), HRPPublicKey+"1") {
		b, err = decodeBech32(s, HRPPublicKey)
	} else {
		b, err = decodeHex32(s)
	}
	if err != nil {
		return nil, err
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	return b, nil
}

// PublicKey derives the x-only public key of a secret key.
func PublicKey(secret []byte) ([]byte, error) {
	if err := ValidateSecretKey(secret); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	return schnorr.SerializePubKey(priv.PubKey()), nil
}

// PublicKeyHex derives the hex encoded x-only public key of a secret key.
func PublicKeyHex(secret []byte) (string, error) {
	pub, err := PublicKey(secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// EncodeNpub encodes an x-only public key as npub.
func EncodeNpub(pub []byte) (string, error) {
	return encodeBech32(HRPPublicKey, pub)
}

// EncodeNsec encodes a secret key as nsec.
func EncodeNsec(secret []byte) (string, error) {
	return encodeBech32(HRPSecretKey, secret)
}

// NpubFromHex converts a hex public key to npub, returning "" when the input
// is not a valid key.
func NpubFromHex(pubHex string) string {
	b, err := decodeHex32(pubHex)
	if err != nil {
		return ""
	}
	npub, err := EncodeNpub(b)
	if err != nil {
		return ""
	}
	return npub
}

// SharedSecret computes the ECDH shared x coordinate between a secret key
// and an x-only public key. It is the NIP-04 key and the NIP-44 input.
func SharedSecret(secret, pub []byte) ([]byte, error) {
	if err := ValidateSecretKey(secret); err != nil {
		return nil, err
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	return btcec.GenerateSharedSecret(priv, pk), nil
}

func decodeHex32(s string) ([]byte, error) {
	if len(s) != 2*KeySize {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", nsigner.ErrInvalidKeyFormat, 2*KeySize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	return b, nil
}

func decodeBech32(s, wantHRP string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("%w: unexpected prefix %q", nsigner.ErrInvalidKeyFormat, hrp)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", nsigner.ErrInvalidKeyFormat, len(b), KeySize)
	}
	return b, nil
}

func encodeBech32(hrp string, b []byte) (string, error) {
	if len(b) != KeySize {
		return "", fmt.Errorf("%w: key must be %d bytes, got %d", nsigner.ErrInvalidKeyFormat, KeySize, len(b))
	}
	data, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, data)
}
