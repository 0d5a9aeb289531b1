package vault

import (
	"time"
)

// KeyRecord is a persisted key. The private key is sealed under the vault
// key with the record id and public key as associated data.
type KeyRecord struct {
	ID                  string    `json:"id"`
	Label               string    `json:"label"`
	PublicKey           string    `json:"public_key"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	CreatedAt           time.Time `json:"created_at"`
}

func (r *KeyRecord) associatedData() []byte {
	return []byte(r.ID + ":" + r.PublicKey)
}

// fileData is the on-disk vault image. Records are never mutated in place;
// every change builds a new image and swaps it in after it is persisted.
type fileData struct {
	Version   int          `json:"version"`
	KDF       *KDFParams   `json:"kdf,omitempty"`
	Verifier  []byte       `json:"verifier,omitempty"`
	ActiveKey string       `json:"active_key,omitempty"`
	Keys      []*KeyRecord `json:"keys"`
}

var (
	verifierPlaintext = []byte("nsigner vault verifier v1")
	verifierAD        = []byte("verifier")
)

func (d *fileData) clone() *fileData {
	out := *d
	out.Keys = append([]*KeyRecord(nil), d.Keys...)
	if d.KDF != nil {
		kdf := *d.KDF
		out.KDF = &kdf
	}
	return &out
}

func (d *fileData) find(id string) (int, *KeyRecord) {
	for i, rec := range d.Keys {
		if rec.ID == id {
			return i, rec
		}
	}
	return -1, nil
}

func (d *fileData) findBy(match func(*KeyRecord) bool) *KeyRecord {
	for _, rec := range d.Keys {
		if match(rec) {
			return rec
		}
	}
	return nil
}
