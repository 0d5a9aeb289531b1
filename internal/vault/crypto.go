package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Bidon15/nsigner"
)

const (
	// KDFArgon2id is the only supported key derivation function.
	KDFArgon2id = "argon2id"

	saltSize = 16
)

// KDFParams are the argon2id cost parameters. Memory is in KiB.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Salt      []byte `json:"salt,omitempty"`
	Time      uint32 `json:"time"`
	Memory    uint32 `json:"memory"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams returns interactive-grade argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: KDFArgon2id,
		Time:      3,
		Memory:    64 * 1024,
		Threads:   4,
	}
}

// WithDefaults fills zero cost fields from DefaultKDFParams.
func (p KDFParams) WithDefaults() KDFParams {
	d := DefaultKDFParams()
	if p.Algorithm == "" {
		p.Algorithm = d.Algorithm
	}
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Memory == 0 {
		p.Memory = d.Memory
	}
	if p.Threads == 0 {
		p.Threads = d.Threads
	}
	return p
}

// Validate checks the parameters can derive a key.
func (p KDFParams) Validate() error {
	if p.Algorithm != KDFArgon2id {
		return fmt.Errorf("%w: unsupported kdf %q", nsigner.ErrStoreCorrupted, p.Algorithm)
	}
	if len(p.Salt) != saltSize {
		return fmt.Errorf("%w: salt must be %d bytes", nsigner.ErrStoreCorrupted, saltSize)
	}
	if p.Time == 0 || p.Threads == 0 || p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("%w: invalid kdf cost", nsigner.ErrStoreCorrupted)
	}
	return nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", nsigner.ErrCryptoError, err)
	}
	return salt, nil
}

func deriveKey(passphrase string, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), p.Salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

// seal encrypts plaintext and returns nonce || ciphertext.
func seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", nsigner.ErrCryptoError, err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// open reverses seal. Authentication failure maps to ErrWrongPassphrase.
func open(key, blob, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", nsigner.ErrStoreCorrupted)
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, nsigner.ErrWrongPassphrase
	}
	return pt, nil
}
