package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/Bidon15/nsigner"
)

// NIP-44 version 2 limits.
const (
	nip44Version       = 2
	nip44MinPlaintext  = 1
	nip44MaxPlaintext  = 65535
	nip44MinPayload    = 132
	nip44MaxPayload    = 87472
	nip44MinDecoded    = 99
	nip44MaxDecoded    = 65603
	nip44NonceSize     = 32
	nip44MACSize       = 32
	nip44MessageKeyLen = 76
)

var nip44Salt = []byte("nip44-v2")

// Nip44ConversationKey derives the long lived conversation key from the ECDH
// shared x coordinate.
func Nip44ConversationKey(shared []byte) []byte {
	return hkdf.Extract(sha256.New, shared, nip44Salt)
}

// Nip44Encrypt encrypts plaintext under a conversation key with a random
// nonce.
func Nip44Encrypt(convKey []byte, plaintext string) (string, error) {
	nonce := make([]byte, nip44NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", nsigner.ErrCryptoError, err)
	}
	return Nip44EncryptWithNonce(convKey, plaintext, nonce)
}

// Nip44EncryptWithNonce encrypts with a caller supplied nonce. It exists for
// deterministic test vectors; production callers use Nip44Encrypt.
func Nip44EncryptWithNonce(convKey []byte, plaintext string, nonce []byte) (string, error) {
	if len(convKey) != KeySize {
		return "", fmt.Errorf("%w: conversation key must be %d bytes", nsigner.ErrCryptoError, KeySize)
	}
	if len(nonce) != nip44NonceSize {
		return "", fmt.Errorf("%w: nonce must be %d bytes", nsigner.ErrCryptoError, nip44NonceSize)
	}
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := nip44Pad(plaintext)
	if err != nil {
		return "", err
	}
	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	ct := make([]byte, len(padded))
	c.XORKeyStream(ct, padded)
	mac := nip44MAC(hmacKey, nonce, ct)

	out := make([]byte, 0, 1+len(nonce)+len(ct)+len(mac))
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ct...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Nip44Decrypt authenticates and decrypts a version 2 payload.
func Nip44Decrypt(convKey []byte, payload string) (string, error) {
	if len(convKey) != KeySize {
		return "", fmt.Errorf("%w: conversation key must be %d bytes", nsigner.ErrCryptoError, KeySize)
	}
	plen := len(payload)
	if plen == 0 || payload[0] == '#' {
		return "", fmt.Errorf("%w: unknown encryption version", nsigner.ErrCryptoError)
	}
	if plen < nip44MinPayload || plen > nip44MaxPayload {
		return "", fmt.Errorf("%w: invalid payload size %d", nsigner.ErrCryptoError, plen)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", nsigner.ErrCryptoError, err)
	}
	dlen := len(data)
	if dlen < nip44MinDecoded || dlen > nip44MaxDecoded {
		return "", fmt.Errorf("%w: invalid data size %d", nsigner.ErrCryptoError, dlen)
	}
	if data[0] != nip44Version {
		return "", fmt.Errorf("%w: unknown encryption version %d", nsigner.ErrCryptoError, data[0])
	}
	nonce := data[1 : 1+nip44NonceSize]
	ct := data[1+nip44NonceSize : dlen-nip44MACSize]
	mac := data[dlen-nip44MACSize:]

	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(nip44MAC(hmacKey, nonce, ct), mac) {
		return "", fmt.Errorf("%w: invalid MAC", nsigner.ErrCryptoError)
	}
	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	padded := make([]byte, len(ct))
	c.XORKeyStream(padded, ct)
	return nip44Unpad(padded)
}

func nip44MessageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	keys := make([]byte, nip44MessageKeyLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, convKey, nonce), keys); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: hkdf: %v", nsigner.ErrCryptoError, err)
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func nip44MAC(key, nonce, ct []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ct)
	return h.Sum(nil)
}

// nip44PaddedLen returns the padded size for an unpadded length.
func nip44PaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func nip44Pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < nip44MinPlaintext || n > nip44MaxPlaintext {
		return nil, fmt.Errorf("%w: plaintext length %d out of range", nsigner.ErrCryptoError, n)
	}
	out := make([]byte, 2+nip44PaddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func nip44Unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", fmt.Errorf("%w: invalid padding", nsigner.ErrCryptoError)
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < nip44MinPlaintext || 2+n > len(padded) || len(padded) != 2+nip44PaddedLen(n) {
		return "", fmt.Errorf("%w: invalid padding", nsigner.ErrCryptoError)
	}
	return string(padded[2 : 2+n]), nil
}
