package nostr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/Bidon15/nsigner"
)

const nip04IVSeparator = "?iv="

// IsNip04Payload reports whether a ciphertext uses the NIP-04 layout.
func IsNip04Payload(s string) bool {
	return strings.Contains(s, nip04IVSeparator)
}

// Nip04Encrypt encrypts plaintext with AES-256-CBC under the ECDH shared x
// coordinate and returns base64(ciphertext)?iv=base64(iv).
func Nip04Encrypt(shared []byte, plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: iv: %v", nsigner.ErrCryptoError, err)
	}
	return nip04EncryptWithIV(shared, plaintext, iv)
}

func nip04EncryptWithIV(shared []byte, plaintext string, iv []byte) (string, error) {
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct) + nip04IVSeparator + base64.StdEncoding.EncodeToString(iv), nil
}

// Nip04Decrypt reverses Nip04Encrypt.
func Nip04Decrypt(shared []byte, payload string) (string, error) {
	ctB64, ivB64, ok := strings.Cut(payload, nip04IVSeparator)
	if !ok {
		return "", fmt.Errorf("%w: missing iv", nsigner.ErrCryptoError)
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", nsigner.ErrCryptoError, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", nsigner.ErrCryptoError, err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", nsigner.ErrCryptoError, aes.BlockSize)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", nsigner.ErrCryptoError, len(ct))
	}
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, err = pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", nsigner.ErrCryptoError)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", nsigner.ErrCryptoError)
		}
	}
	return b[:len(b)-n], nil
}
