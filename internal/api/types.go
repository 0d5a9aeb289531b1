package api

import (
	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/app"
)

// UnlockRequest unlocks the vault. The first unlock sets the passphrase.
type UnlockRequest struct {
	Passphrase string `json:"passphrase" validate:"required"`
}

// ChangePassphraseRequest re-encrypts the vault.
type ChangePassphraseRequest struct {
	OldPassphrase string `json:"old_passphrase" validate:"required"`
	NewPassphrase string `json:"new_passphrase" validate:"required,nefield=OldPassphrase"`
}

// CreateKeyRequest generates a key.
type CreateKeyRequest struct {
	Label string `json:"label" validate:"omitempty,max=64"`
}

// ImportKeyRequest imports an nsec or 64-char hex secret.
type ImportKeyRequest struct {
	Secret string `json:"secret" validate:"required"`
	Label  string `json:"label" validate:"omitempty,max=64"`
}

// ImportEncryptedRequest imports a NIP-49 ncryptsec.
type ImportEncryptedRequest struct {
	Ncryptsec string `json:"ncryptsec" validate:"required,startswith=ncryptsec1"`
	Password  string `json:"password" validate:"required"`
	Label     string `json:"label" validate:"omitempty,max=64"`
}

// ImportMnemonicRequest derives a NIP-06 key.
type ImportMnemonicRequest struct {
	Mnemonic   string `json:"mnemonic" validate:"required"`
	Passphrase string `json:"passphrase"`
	Account    uint32 `json:"account"`
	Label      string `json:"label" validate:"omitempty,max=64"`
}

// ExportKeyRequest selects the export format.
type ExportKeyRequest struct {
	Format   string `json:"format" validate:"required,oneof=nsec ncryptsec"`
	Password string `json:"password" validate:"required_if=Format ncryptsec"`
	LogN     uint8  `json:"log_n" validate:"omitempty,min=16,max=22"`
}

// ExportKeyResponse carries exported key material.
type ExportKeyResponse struct {
	KeyID   string `json:"key_id"`
	Format  string `json:"format"`
	Secret  string `json:"secret"`
	Warning string `json:"warning"`
}

// MnemonicResponse is a freshly generated mnemonic.
type MnemonicResponse struct {
	Mnemonic string `json:"mnemonic"`
}

// KeysResponse lists keys.
type KeysResponse struct {
	Keys  []nsigner.KeyInfo `json:"keys"`
	Count int               `json:"count"`
}

// GrantRequest is the body of PUT /v1/grants/:app_id.
type GrantRequest struct {
	Name              string `json:"name" validate:"max=128"`
	AllowedEventKinds []int  `json:"allowed_event_kinds" validate:"omitempty,dive,min=0,max=65535"`
	Nip04Allowed      bool   `json:"nip04_allowed"`
	Nip44Allowed      bool   `json:"nip44_allowed"`
	AutoApprove       bool   `json:"auto_approve"`
}

// BunkerResponse reports the remote-signing session.
type BunkerResponse = app.BunkerStatus

// StatusResponse is a generic acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response. Error is the stable nsigner
// error code.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
