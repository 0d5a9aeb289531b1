package nostr

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/Bidon15/nsigner"
)

// KeySecurity records how a key was handled before it was encrypted.
type KeySecurity byte

const (
	KeyKnownInsecure KeySecurity = 0x00
	KeyNotInsecure   KeySecurity = 0x01
	KeyUnknown       KeySecurity = 0x02
)

const (
	ncryptsecVersion = 0x02
	ncryptsecSaltLen = 16
	ncryptsecLen     = 1 + 1 + ncryptsecSaltLen + chacha20poly1305.NonceSizeX + 1 + KeySize + chacha20poly1305.Overhead

	// DefaultScryptLogN is the NIP-49 cost used when exporting keys.
	DefaultScryptLogN = 16
	maxScryptLogN     = 22
)

// EncryptSecretKey wraps a secret key as an ncryptsec string.
func EncryptSecretKey(secret []byte, password string, logN uint8, security KeySecurity) (string, error) {
	if err := ValidateSecretKey(secret); err != nil {
		return "", err
	}
	if logN == 0 || logN > maxScryptLogN {
		return "", nsigner.NewValidationError("log_n", fmt.Sprintf("must be between 1 and %d", maxScryptLogN))
	}
	salt := make([]byte, ncryptsecSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: salt: %v", nsigner.ErrCryptoError, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", nsigner.ErrCryptoError, err)
	}
	key, err := ncryptsecKey(password, salt, logN)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	ad := []byte{byte(security)}

	raw := make([]byte, 0, ncryptsecLen)
	raw = append(raw, ncryptsecVersion, logN)
	raw = append(raw, salt...)
	raw = append(raw, nonce...)
	raw = append(raw, ad...)
	raw = aead.Seal(raw, nonce, secret, ad)

	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(HRPEncryptedKey, data)
}

// DecryptSecretKey unwraps an ncryptsec string. A wrong password surfaces as
// ErrWrongPassphrase.
func DecryptSecretKey(ncryptsec, password string) ([]byte, KeySecurity, error) {
	hrp, data, err := bech32.DecodeNoLimit(ncryptsec)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	if hrp != HRPEncryptedKey {
		return nil, 0, fmt.Errorf("%w: unexpected prefix %q", nsigner.ErrInvalidKeyFormat, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", nsigner.ErrInvalidKeyFormat, err)
	}
	if len(raw) != ncryptsecLen || raw[0] != ncryptsecVersion {
		return nil, 0, fmt.Errorf("%w: unsupported ncryptsec payload", nsigner.ErrInvalidKeyFormat)
	}
	logN := raw[1]
	if logN == 0 || logN > maxScryptLogN {
		return nil, 0, fmt.Errorf("%w: log_n %d out of range", nsigner.ErrInvalidKeyFormat, logN)
	}
	off := 2
	salt := raw[off : off+ncryptsecSaltLen]
	off += ncryptsecSaltLen
	nonce := raw[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ad := raw[off : off+1]
	off++
	ct := raw[off:]

	key, err := ncryptsecKey(password, salt, logN)
	if err != nil {
		return nil, 0, err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	secret, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, 0, nsigner.ErrWrongPassphrase
	}
	if err := ValidateSecretKey(secret); err != nil {
		memguard.WipeBytes(secret)
		return nil, 0, err
	}
	return secret, KeySecurity(ad[0]), nil
}

func ncryptsecKey(password string, salt []byte, logN uint8) ([]byte, error) {
	pw := []byte(norm.NFKC.String(password))
	defer memguard.WipeBytes(pw)
	key, err := scrypt.Key(pw, salt, 1<<logN, 8, 1, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: scrypt: %v", nsigner.ErrCryptoError, err)
	}
	return key, nil
}
