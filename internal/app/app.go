// Package app is the boundary facade the transports call into. Each call
// counts as activity for the idle auto-lock.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/approval"
	"github.com/Bidon15/nsigner/internal/bunker"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/permission"
	"github.com/Bidon15/nsigner/internal/signing"
	"github.com/Bidon15/nsigner/internal/vault"
)

// App wires the signer components together.
type App struct {
	vault     *vault.Vault
	perms     *permission.Engine
	approvals *approval.Coordinator
	signer    *signing.Service
	bunker    *bunker.Engine
	logger    *slog.Logger
	now       func() time.Time

	lockAfter    time.Duration
	lastActivity atomic.Int64 // unix nanos
	closers      []func() error
}

// Deps are the components an App is built from.
type Deps struct {
	Vault       *vault.Vault
	Permissions *permission.Engine
	Approvals   *approval.Coordinator
	Bunker      BunkerOptions
	LockAfter   time.Duration // zero disables idle lock
	Logger      *slog.Logger
	Now         func() time.Time
}

// BunkerOptions configure the remote signer.
type BunkerOptions struct {
	Relays    []string
	Secret    string
	DedupSize int
	Dial      bunker.Dialer
}

// New creates an App from already opened components.
func New(d Deps) (*App, error) {
	if d.Vault == nil || d.Permissions == nil || d.Approvals == nil {
		return nil, errors.New("app: vault, permissions and approvals are required")
	}
	a := &App{
		vault:     d.Vault,
		perms:     d.Permissions,
		approvals: d.Approvals,
		logger:    d.Logger,
		now:       d.Now,
		lockAfter: d.LockAfter,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.signer = signing.NewService(a.vault, a.perms, a.approvals, a.logger)

	if d.Bunker.Dial != nil {
		b, err := bunker.New(bunker.Config{
			Relays:    d.Bunker.Relays,
			Secret:    d.Bunker.Secret,
			DedupSize: d.Bunker.DedupSize,
			Dial:      d.Bunker.Dial,
			Signer:    activitySigner{a},
			Logger:    a.logger,
			Now:       a.now,
		})
		if err != nil {
			return nil, err
		}
		a.bunker = b
	}
	a.Touch()
	return a, nil
}

// Touch records activity for the idle lock.
func (a *App) Touch() {
	a.lastActivity.Store(a.now().UnixNano())
}

// LockIfIdle locks the vault when nothing happened for the configured
// idle period. It reports whether it locked.
func (a *App) LockIfIdle() bool {
	if a.lockAfter <= 0 || !a.vault.IsUnlocked() {
		return false
	}
	idle := a.now().Sub(time.Unix(0, a.lastActivity.Load()))
	if idle < a.lockAfter {
		return false
	}
	a.vault.Lock()
	a.logger.Info("vault auto-locked after inactivity", slog.Duration("idle", idle))
	return true
}

// Close stops the bunker, locks the vault and releases backends.
func (a *App) Close() error {
	if a.bunker != nil {
		if err := a.bunker.Stop(); err != nil && !errors.Is(err, nsigner.ErrBunkerNotRunning) {
			a.logger.Warn("failed to stop bunker", slog.String("error", err.Error()))
		}
	}
	a.vault.Lock()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Permissions returns the permission engine.
func (a *App) Permissions() *permission.Engine { return a.perms }

// Approvals returns the approval coordinator.
func (a *App) Approvals() *approval.Coordinator { return a.approvals }

// IsUnlocked reports whether signing operations can run.
func (a *App) IsUnlocked() bool { return a.vault.IsUnlocked() }

// Signing operations

// GetPublicKey returns public information about a key (the active key for
// an empty id). No permission check applies.
func (a *App) GetPublicKey(keyID string) (nsigner.KeyInfo, error) {
	a.Touch()
	return a.vault.Key(keyID)
}

// ListKeys returns every key's public metadata.
func (a *App) ListKeys() []nsigner.KeyInfo {
	a.Touch()
	return a.vault.ListKeys()
}

// SignEvent signs an unsigned event and returns the signed event JSON.
func (a *App) SignEvent(ctx context.Context, eventJSON, keyID, appID string) (string, error) {
	res, err := a.handle(ctx, signing.Request{
		AppID:     appID,
		Operation: nsigner.OpSignEvent,
		KeyID:     keyID,
		Event:     []byte(eventJSON),
	})
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(res.Event)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Nip04Encrypt encrypts text for pubkey with NIP-04.
func (a *App) Nip04Encrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error) {
	return a.cipher(ctx, nsigner.OpNip04Encrypt, text, pubkey, keyID, appID)
}

// Nip04Decrypt decrypts a NIP-04 payload from pubkey.
func (a *App) Nip04Decrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error) {
	return a.cipher(ctx, nsigner.OpNip04Decrypt, text, pubkey, keyID, appID)
}

// Nip44Encrypt encrypts text for pubkey with NIP-44.
func (a *App) Nip44Encrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error) {
	return a.cipher(ctx, nsigner.OpNip44Encrypt, text, pubkey, keyID, appID)
}

// Nip44Decrypt decrypts a NIP-44 payload from pubkey.
func (a *App) Nip44Decrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error) {
	return a.cipher(ctx, nsigner.OpNip44Decrypt, text, pubkey, keyID, appID)
}

// DecryptZapEvent decrypts the private message of a zap request or receipt
// addressed to the active key.
func (a *App) DecryptZapEvent(ctx context.Context, eventJSON, appID string) (string, error) {
	res, err := a.handle(ctx, signing.Request{
		AppID:     appID,
		Operation: nsigner.OpDecryptZapEvent,
		Event:     []byte(eventJSON),
	})
	return res.Text, err
}

func (a *App) cipher(ctx context.Context, op nsigner.Operation, text, pubkey, keyID, appID string) (string, error) {
	res, err := a.handle(ctx, signing.Request{
		AppID:      appID,
		Operation:  op,
		KeyID:      keyID,
		PeerPubKey: pubkey,
		Text:       text,
	})
	return res.Text, err
}

func (a *App) handle(ctx context.Context, req signing.Request) (signing.Result, error) {
	a.Touch()
	return a.signer.Handle(ctx, req)
}

// activitySigner counts remote requests as activity.
type activitySigner struct{ a *App }

func (s activitySigner) Handle(ctx context.Context, req signing.Request) (signing.Result, error) {
	return s.a.handle(ctx, req)
}

// Bunker

// BunkerStatus is the remote signer's state.
type BunkerStatus struct {
	State        nsigner.BunkerState `json:"state"`
	URI          string              `json:"uri,omitempty"`
	ClientPubkey string              `json:"client_pubkey,omitempty"`
}

func (a *App) bunkerEngine() (*bunker.Engine, error) {
	if a.bunker == nil {
		return nil, nsigner.ErrRelayUnavailable
	}
	return a.bunker, nil
}

// StartBunker starts listening and returns the connection URI. The vault
// must be unlocked.
func (a *App) StartBunker(ctx context.Context) (string, error) {
	a.Touch()
	b, err := a.bunkerEngine()
	if err != nil {
		return "", err
	}
	if !a.vault.IsUnlocked() {
		return "", nsigner.ErrSignerLocked
	}
	return b.Start(ctx)
}

// GetBunkerURI returns the URI of the running session.
func (a *App) GetBunkerURI() (string, error) {
	b, err := a.bunkerEngine()
	if err != nil {
		return "", err
	}
	return b.URI()
}

// StopBunker stops the session.
func (a *App) StopBunker() error {
	a.Touch()
	b, err := a.bunkerEngine()
	if err != nil {
		return err
	}
	return b.Stop()
}

// GetBunkerState returns the session state.
func (a *App) GetBunkerState() nsigner.BunkerState {
	if a.bunker == nil {
		return nsigner.BunkerStopped
	}
	return a.bunker.State()
}

// BunkerStatus returns state, URI and paired client.
func (a *App) BunkerStatus() BunkerStatus {
	st := BunkerStatus{State: a.GetBunkerState()}
	if a.bunker != nil {
		st.URI, _ = a.bunker.URI()
		st.ClientPubkey = a.bunker.ClientPubkey()
	}
	return st
}

// Vault management

// VaultStatus summarises the vault.
type VaultStatus struct {
	Initialized bool   `json:"initialized"`
	Unlocked    bool   `json:"unlocked"`
	Keys        int    `json:"keys"`
	ActiveKey   string `json:"active_key,omitempty"`
}

// VaultStatus returns the vault status.
func (a *App) VaultStatus() VaultStatus {
	st := VaultStatus{
		Initialized: a.vault.Initialized(),
		Unlocked:    a.vault.IsUnlocked(),
		Keys:        a.vault.KeyCount(),
	}
	if k, err := a.vault.ActiveKey(); err == nil {
		st.ActiveKey = k.ID
	}
	return st
}

// Unlock unlocks (or initialises) the vault.
func (a *App) Unlock(passphrase string) error {
	a.Touch()
	return a.vault.Unlock(passphrase)
}

// Lock locks the vault. The bunker keeps running; its requests fail with
// ErrSignerLocked until the vault is unlocked again.
func (a *App) Lock() {
	a.vault.Lock()
}

// ChangePassphrase re-encrypts the vault under a new passphrase.
func (a *App) ChangePassphrase(oldPass, newPass string) error {
	a.Touch()
	return a.vault.ChangePassphrase(oldPass, newPass)
}

// CreateKey generates a new key.
func (a *App) CreateKey(label string) (nsigner.KeyInfo, error) {
	a.Touch()
	return a.vault.CreateKey(label)
}

// ImportKey imports an nsec or hex secret.
func (a *App) ImportKey(secret, label string) (nsigner.KeyInfo, error) {
	a.Touch()
	return a.vault.ImportKey(secret, label)
}

// ImportEncrypted imports an ncryptsec.
func (a *App) ImportEncrypted(ncryptsec, password, label string) (nsigner.KeyInfo, error) {
	a.Touch()
	return a.vault.ImportEncrypted(ncryptsec, password, label)
}

// ImportMnemonic derives and imports a key from a BIP-39 mnemonic.
func (a *App) ImportMnemonic(mnemonic, passphrase string, account uint32, label string) (nsigner.KeyInfo, error) {
	a.Touch()
	return a.vault.ImportMnemonic(mnemonic, passphrase, account, label)
}

// GenerateMnemonic returns a fresh 24-word mnemonic for ImportMnemonic.
func (a *App) GenerateMnemonic() (string, error) {
	return nostr.NewMnemonic()
}

// ExportEncrypted exports a key as ncryptsec.
func (a *App) ExportEncrypted(keyID, password string, logN uint8) (string, error) {
	a.Touch()
	return a.vault.ExportEncrypted(keyID, password, logN)
}

// ExportSecret exports a key as nsec.
func (a *App) ExportSecret(keyID string) (string, error) {
	a.Touch()
	return a.vault.ExportSecret(keyID)
}

// DeleteKey removes a key.
func (a *App) DeleteKey(keyID string) error {
	a.Touch()
	return a.vault.DeleteKey(keyID)
}

// SetActiveKey changes the active key.
func (a *App) SetActiveKey(keyID string) error {
	a.Touch()
	return a.vault.SetActive(keyID)
}

// Grants and approvals

// Grant creates or replaces a grant.
func (a *App) Grant(ctx context.Context, g *permission.Grant) error {
	a.Touch()
	return a.perms.Grant(ctx, g)
}

// Revoke removes a grant.
func (a *App) Revoke(ctx context.Context, appID string) error {
	a.Touch()
	return a.perms.Revoke(ctx, appID)
}

// Grants lists every grant.
func (a *App) Grants(ctx context.Context) ([]*permission.Grant, error) {
	return a.perms.List(ctx)
}

// GetGrant returns one grant.
func (a *App) GetGrant(ctx context.Context, appID string) (*permission.Grant, error) {
	return a.perms.Get(ctx, appID)
}

// PendingApprovals lists requests waiting for the user.
func (a *App) PendingApprovals() []approval.Request {
	return a.approvals.Pending()
}

// ResolveApproval records the user's decision.
func (a *App) ResolveApproval(id string, approved bool) error {
	a.Touch()
	return a.approvals.Resolve(id, approved)
}
