// Package vault keeps Nostr secret keys encrypted at rest and decrypted
// only in locked memory while the vault is unlocked.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/awnumar/memguard"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/pkg/ulid"
	"github.com/Bidon15/nsigner/internal/storage"
)

const maxLabelLen = 64

// Config configures a Vault.
type Config struct {
	Path   string           // vault file
	KDF    KDFParams        // cost used whenever a new salt is generated
	Logger *slog.Logger     // optional
	Now    func() time.Time // optional, for tests
}

// Vault is the KeyVault. All secret material lives in memguard buffers that
// are destroyed on Lock.
type Vault struct {
	mu     sync.RWMutex
	file   *storage.File
	data   *fileData
	kdf    KDFParams
	logger *slog.Logger
	now    func() time.Time

	key     *memguard.LockedBuffer // derived key, nil while locked
	secrets *memguard.LockedBuffer // 32-byte secrets back to back
	index   map[string]int         // key id -> offset into secrets
}

// Open loads the vault file at cfg.Path. A missing file yields an empty,
// uninitialised vault whose first Unlock sets the passphrase.
func Open(cfg Config) (*Vault, error) {
	file, err := storage.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		file:   file,
		data:   &fileData{Version: nsigner.DefaultStoreVersion, Keys: []*KeyRecord{}},
		kdf:    cfg.KDF.WithDefaults(),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}

	var data fileData
	found, err := file.Load(&data)
	if err != nil {
		return nil, err
	}
	if found {
		if data.Version > nsigner.DefaultStoreVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", nsigner.ErrStoreCorrupted, data.Version)
		}
		if data.KDF != nil {
			if err := data.KDF.Validate(); err != nil {
				return nil, err
			}
		} else if len(data.Keys) > 0 {
			return nil, fmt.Errorf("%w: keys without kdf parameters", nsigner.ErrStoreCorrupted)
		}
		if data.Keys == nil {
			data.Keys = []*KeyRecord{}
		}
		v.data = &data
	}
	return v, nil
}

// Initialized reports whether a passphrase has been set.
func (v *Vault) Initialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data.KDF != nil
}

// IsUnlocked reports whether keys are resident.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Unlock derives the vault key and decrypts every record. On any failure
// the vault state is unchanged. Unlocking an uninitialised vault sets the
// passphrase.
func (v *Vault) Unlock(passphrase string) error {
	if passphrase == "" {
		return nsigner.NewValidationError("passphrase", "is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.data.KDF == nil {
		return v.initializeLocked(passphrase)
	}

	key := deriveKey(passphrase, *v.data.KDF)
	secrets, index, err := decryptAll(key, v.data)
	if err != nil {
		memguard.WipeBytes(key)
		metrics.VaultUnlocks.WithLabelValues("failure").Inc()
		if errors.Is(err, nsigner.ErrWrongPassphrase) {
			v.logger.Warn("vault unlock rejected")
		}
		return err
	}
	v.installLocked(key, secrets, index)
	metrics.VaultUnlocks.WithLabelValues("success").Inc()
	v.logger.Info("vault unlocked", slog.Int("keys", len(index)))
	return nil
}

func (v *Vault) initializeLocked(passphrase string) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	kdf := v.kdf
	kdf.Salt = salt
	key := deriveKey(passphrase, kdf)
	verifier, err := seal(key, verifierPlaintext, verifierAD)
	if err != nil {
		memguard.WipeBytes(key)
		return err
	}
	next := v.data.clone()
	next.KDF = &kdf
	next.Verifier = verifier
	if err := v.file.Save(next); err != nil {
		memguard.WipeBytes(key)
		return err
	}
	v.data = next
	v.installLocked(key, nil, map[string]int{})
	metrics.VaultUnlocks.WithLabelValues("initialized").Inc()
	v.logger.Info("vault initialized")
	return nil
}

// installLocked takes ownership of key and secrets.
func (v *Vault) installLocked(key []byte, secrets *memguard.LockedBuffer, index map[string]int) {
	v.destroyLocked()
	v.key = memguard.NewBufferFromBytes(key)
	v.secrets = secrets
	v.index = index
	metrics.VaultUnlocked.Set(1)
}

func (v *Vault) destroyLocked() {
	if v.key != nil {
		v.key.Destroy()
		v.key = nil
	}
	if v.secrets != nil {
		v.secrets.Destroy()
		v.secrets = nil
	}
	v.index = nil
}

// Lock wipes all resident key material. Locking a locked vault is a no-op.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return
	}
	v.destroyLocked()
	metrics.VaultUnlocked.Set(0)
	v.logger.Info("vault locked")
}

// decryptAll opens the verifier and every record under key. The returned
// buffer holds the secrets in record order.
func decryptAll(key []byte, data *fileData) (*memguard.LockedBuffer, map[string]int, error) {
	if _, err := open(key, data.Verifier, verifierAD); err != nil {
		return nil, nil, err
	}
	index := make(map[string]int, len(data.Keys))
	if len(data.Keys) == 0 {
		return nil, index, nil
	}
	buf := make([]byte, 0, len(data.Keys)*nostr.KeySize)
	for _, rec := range data.Keys {
		secret, err := open(key, rec.EncryptedPrivateKey, rec.associatedData())
		if err != nil {
			memguard.WipeBytes(buf[:cap(buf)])
			return nil, nil, err
		}
		pub, err := nostr.PublicKeyHex(secret)
		if err != nil || pub != rec.PublicKey {
			memguard.WipeBytes(secret)
			memguard.WipeBytes(buf[:cap(buf)])
			return nil, nil, fmt.Errorf("%w: record %s does not match its public key", nsigner.ErrStoreCorrupted, rec.ID)
		}
		index[rec.ID] = len(buf)
		buf = append(buf, secret...)
		memguard.WipeBytes(secret)
	}
	return memguard.NewBufferFromBytes(buf), index, nil
}

// CreateKey generates a new key. Requires an unlocked vault.
func (v *Vault) CreateKey(label string) (nsigner.KeyInfo, error) {
	secret, err := nostr.GenerateSecretKey()
	if err != nil {
		return nsigner.KeyInfo{}, err
	}
	return v.addKey(secret, label, "create")
}

// ImportKey imports a hex or nsec secret key.
func (v *Vault) ImportKey(secret, label string) (nsigner.KeyInfo, error) {
	b, err := nostr.ParseSecretKey(secret)
	if err != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError("import", label, err)
	}
	return v.addKey(b, label, "import")
}

// ImportEncrypted imports an ncryptsec key protected by password.
func (v *Vault) ImportEncrypted(ncryptsec, password, label string) (nsigner.KeyInfo, error) {
	b, _, err := nostr.DecryptSecretKey(ncryptsec, password)
	if err != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError("import", label, err)
	}
	return v.addKey(b, label, "import")
}

// ImportMnemonic derives a key from a BIP-39 mnemonic.
func (v *Vault) ImportMnemonic(mnemonic, passphrase string, account uint32, label string) (nsigner.KeyInfo, error) {
	b, err := nostr.SecretKeyFromMnemonic(mnemonic, passphrase, account)
	if err != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError("import", label, err)
	}
	return v.addKey(b, label, "import")
}

// addKey seals and persists secret, then wipes it.
func (v *Vault) addKey(secret []byte, label, op string) (nsigner.KeyInfo, error) {
	defer memguard.WipeBytes(secret)

	label = strings.TrimSpace(label)
	if label == "" {
		return nsigner.KeyInfo{}, nsigner.NewValidationError("label", "is required")
	}
	if utf8.RuneCountInString(label) > maxLabelLen {
		return nsigner.KeyInfo{}, nsigner.NewValidationError("label", fmt.Sprintf("must be at most %d characters", maxLabelLen))
	}
	pub, err := nostr.PublicKeyHex(secret)
	if err != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError(op, label, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return nsigner.KeyInfo{}, nsigner.ErrSignerLocked
	}
	if v.data.findBy(func(r *KeyRecord) bool { return r.Label == label }) != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError(op, label, fmt.Errorf("%w: label in use", nsigner.ErrKeyExists))
	}
	if v.data.findBy(func(r *KeyRecord) bool { return r.PublicKey == pub }) != nil {
		return nsigner.KeyInfo{}, nsigner.WrapKeyError(op, label, fmt.Errorf("%w: public key in use", nsigner.ErrKeyExists))
	}

	now := v.now().UTC()
	rec := &KeyRecord{
		ID:        ulid.NewAt(now),
		Label:     label,
		PublicKey: pub,
		CreatedAt: now,
	}
	rec.EncryptedPrivateKey, err = seal(v.key.Bytes(), secret, rec.associatedData())
	if err != nil {
		return nsigner.KeyInfo{}, err
	}

	next := v.data.clone()
	next.Keys = append(next.Keys, rec)
	if next.ActiveKey == "" {
		next.ActiveKey = rec.ID
	}
	if err := v.file.Save(next); err != nil {
		return nsigner.KeyInfo{}, err
	}
	v.data = next
	v.rebuildSecretsLocked(rec.ID, secret, "")

	v.logger.Info("key added",
		slog.String("op", op),
		slog.String("key_id", rec.ID),
		slog.String("pubkey", pub),
	)
	return v.infoLocked(rec), nil
}

// rebuildSecretsLocked replaces the secrets buffer, appending addSecret under
// addID and leaving out dropID.
func (v *Vault) rebuildSecretsLocked(addID string, addSecret []byte, dropID string) {
	var old []byte
	if v.secrets != nil {
		old = v.secrets.Bytes()
	}
	buf := make([]byte, 0, len(old)+nostr.KeySize)
	index := make(map[string]int, len(v.index)+1)
	for _, rec := range v.data.Keys {
		if rec.ID == dropID {
			continue
		}
		if off, ok := v.index[rec.ID]; ok {
			index[rec.ID] = len(buf)
			buf = append(buf, old[off:off+nostr.KeySize]...)
		}
	}
	if addID != "" {
		index[addID] = len(buf)
		buf = append(buf, addSecret...)
	}
	if v.secrets != nil {
		v.secrets.Destroy()
		v.secrets = nil
	}
	if len(buf) > 0 {
		v.secrets = memguard.NewBufferFromBytes(buf)
	}
	v.index = index
}

// DeleteKey removes a key. Deleting the active key promotes the oldest
// remaining key. Requires an unlocked vault.
func (v *Vault) DeleteKey(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return nsigner.ErrSignerLocked
	}
	i, rec := v.data.find(id)
	if rec == nil {
		return nsigner.WrapKeyError("delete", id, nsigner.ErrKeyNotFound)
	}
	next := v.data.clone()
	next.Keys = append(next.Keys[:i:i], next.Keys[i+1:]...)
	if next.ActiveKey == id {
		next.ActiveKey = ""
		if len(next.Keys) > 0 {
			next.ActiveKey = next.Keys[0].ID
		}
	}
	if err := v.file.Save(next); err != nil {
		return err
	}
	// Rebuild against the old image so the offsets still resolve.
	v.rebuildSecretsLocked("", nil, id)
	v.data = next
	v.logger.Info("key deleted", slog.String("key_id", id))
	return nil
}

// SetActive selects the key used when a request names none.
func (v *Vault) SetActive(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, rec := v.data.find(id); rec == nil {
		return nsigner.WrapKeyError("set_active", id, nsigner.ErrKeyNotFound)
	}
	if v.data.ActiveKey == id {
		return nil
	}
	next := v.data.clone()
	next.ActiveKey = id
	if err := v.file.Save(next); err != nil {
		return err
	}
	v.data = next
	return nil
}

// ActiveKey returns the active key.
func (v *Vault) ActiveKey() (nsigner.KeyInfo, error) {
	return v.Key("")
}

// Key returns a key by id; an empty id means the active key. Works while
// locked.
func (v *Vault) Key(id string) (nsigner.KeyInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, err := v.resolveLocked(id)
	if err != nil {
		return nsigner.KeyInfo{}, err
	}
	return v.infoLocked(rec), nil
}

// ListKeys returns public metadata for every key in creation order.
func (v *Vault) ListKeys() []nsigner.KeyInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]nsigner.KeyInfo, 0, len(v.data.Keys))
	for _, rec := range v.data.Keys {
		out = append(out, v.infoLocked(rec))
	}
	return out
}

// KeyCount returns the number of stored keys.
func (v *Vault) KeyCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.data.Keys)
}

func (v *Vault) resolveLocked(id string) (*KeyRecord, error) {
	if id == "" {
		if v.data.ActiveKey == "" {
			return nil, nsigner.ErrNoActiveKey
		}
		id = v.data.ActiveKey
	}
	_, rec := v.data.find(id)
	if rec == nil {
		return nil, nsigner.WrapKeyError("get", id, nsigner.ErrKeyNotFound)
	}
	return rec, nil
}

func (v *Vault) infoLocked(rec *KeyRecord) nsigner.KeyInfo {
	return nsigner.KeyInfo{
		ID:        rec.ID,
		Label:     rec.Label,
		PublicKey: rec.PublicKey,
		Npub:      nostr.NpubFromHex(rec.PublicKey),
		IsActive:  rec.ID == v.data.ActiveKey,
		CreatedAt: rec.CreatedAt,
	}
}

// withSecret runs fn with the resident secret of key id under the read
// lock. fn must not retain the slice.
func (v *Vault) withSecret(id string, fn func(nsigner.KeyInfo, []byte) error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nsigner.ErrSignerLocked
	}
	rec, err := v.resolveLocked(id)
	if err != nil {
		return err
	}
	off, ok := v.index[rec.ID]
	if !ok || v.secrets == nil {
		return nsigner.WrapKeyError("use", rec.ID, nsigner.ErrKeyNotFound)
	}
	return fn(v.infoLocked(rec), v.secrets.Bytes()[off:off+nostr.KeySize])
}

// Sign produces a BIP-340 signature over a 32-byte message with key id (or
// the active key).
func (v *Vault) Sign(id string, msg []byte) ([]byte, error) {
	var sig []byte
	err := v.withSecret(id, func(_ nsigner.KeyInfo, secret []byte) error {
		var err error
		sig, err = nostr.SignHash(secret, msg)
		return err
	})
	return sig, err
}

// SignEvent fills pubkey, id and sig of e with key id (or the active key).
func (v *Vault) SignEvent(id string, e *nostr.Event) error {
	return v.withSecret(id, func(_ nsigner.KeyInfo, secret []byte) error {
		return e.Sign(secret)
	})
}

// SharedSecret computes the ECDH shared x coordinate with a peer.
func (v *Vault) SharedSecret(id string, peer []byte) ([]byte, error) {
	var shared []byte
	err := v.withSecret(id, func(_ nsigner.KeyInfo, secret []byte) error {
		var err error
		shared, err = nostr.SharedSecret(secret, peer)
		return err
	})
	return shared, err
}

// ExportSecret returns the nsec encoding of a key for backup.
func (v *Vault) ExportSecret(id string) (string, error) {
	var nsec string
	err := v.withSecret(id, func(_ nsigner.KeyInfo, secret []byte) error {
		var err error
		nsec, err = nostr.EncodeNsec(secret)
		return err
	})
	return nsec, err
}

// ExportEncrypted returns the ncryptsec encoding of a key.
func (v *Vault) ExportEncrypted(id, password string, logN uint8) (string, error) {
	if password == "" {
		return "", nsigner.NewValidationError("password", "is required")
	}
	if logN == 0 {
		logN = nostr.DefaultScryptLogN
	}
	var out string
	err := v.withSecret(id, func(_ nsigner.KeyInfo, secret []byte) error {
		var err error
		out, err = nostr.EncryptSecretKey(secret, password, logN, nostr.KeyUnknown)
		return err
	})
	return out, err
}

// ChangePassphrase re-encrypts every record under a key derived from a
// fresh salt. The new image replaces the old one in a single rename, so a
// failure leaves the old passphrase in force.
func (v *Vault) ChangePassphrase(oldPass, newPass string) error {
	if newPass == "" {
		return nsigner.NewValidationError("new_passphrase", "is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.data.KDF == nil {
		return nsigner.NewValidationError("passphrase", "vault has no passphrase yet")
	}

	oldKey := deriveKey(oldPass, *v.data.KDF)
	defer memguard.WipeBytes(oldKey)
	secrets, index, err := decryptAll(oldKey, v.data)
	if err != nil {
		return err
	}
	if secrets != nil {
		defer secrets.Destroy()
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	kdf := v.kdf
	kdf.Salt = salt
	newKey := deriveKey(newPass, kdf)

	next := v.data.clone()
	next.KDF = &kdf
	next.Verifier, err = seal(newKey, verifierPlaintext, verifierAD)
	if err != nil {
		memguard.WipeBytes(newKey)
		return err
	}
	for i, rec := range next.Keys {
		re := *rec
		off := index[rec.ID]
		re.EncryptedPrivateKey, err = seal(newKey, secrets.Bytes()[off:off+nostr.KeySize], re.associatedData())
		if err != nil {
			memguard.WipeBytes(newKey)
			return err
		}
		next.Keys[i] = &re
	}
	if err := v.file.Save(next); err != nil {
		memguard.WipeBytes(newKey)
		return err
	}
	v.data = next

	if v.key != nil {
		v.key.Destroy()
		v.key = memguard.NewBufferFromBytes(newKey)
	} else {
		memguard.WipeBytes(newKey)
	}
	v.logger.Info("vault passphrase changed", slog.Int("keys", len(next.Keys)))
	return nil
}
