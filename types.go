// Package nsigner holds the shared vocabulary of the nsigner signing
// authority: operations, permission decisions, approval resolutions and
// bunker states, together with the error kinds every component reports.
package nsigner

import (
	"fmt"
	"time"
)

// Defaults shared across components.
const (
	DefaultRateWindow       = time.Minute
	DefaultMaxAutoApprovals = 10
	DefaultApprovalTimeout  = 60 * time.Second
	DefaultStoreVersion     = 1

	// BunkerAppPrefix namespaces remote counterparties in the grant table.
	BunkerAppPrefix = "bunker:"
)

// Operation names a signer capability a caller may request.
type Operation string

// Operations
const (
	OpGetPublicKey    Operation = "get_public_key"
	OpSignEvent       Operation = "sign_event"
	OpNip04Encrypt    Operation = "nip04_encrypt"
	OpNip04Decrypt    Operation = "nip04_decrypt"
	OpNip44Encrypt    Operation = "nip44_encrypt"
	OpNip44Decrypt    Operation = "nip44_decrypt"
	OpDecryptZapEvent Operation = "decrypt_zap_event"
)

// Operations lists every known operation.
var Operations = []Operation{
	OpGetPublicKey,
	OpSignEvent,
	OpNip04Encrypt,
	OpNip04Decrypt,
	OpNip44Encrypt,
	OpNip44Decrypt,
	OpDecryptZapEvent,
}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// UsesNip04 reports whether the operation is governed by the NIP-04 flag.
func (o Operation) UsesNip04() bool {
	return o == OpNip04Encrypt || o == OpNip04Decrypt || o == OpDecryptZapEvent
}

// UsesNip44 reports whether the operation is governed by the NIP-44 flag.
func (o Operation) UsesNip44() bool {
	return o == OpNip44Encrypt || o == OpNip44Decrypt
}

// Decision is the outcome of a permission check.
type Decision int

const (
	Allowed Decision = iota
	RequiresApproval
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RequiresApproval:
		return "requires_approval"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Resolution is the state of a pending approval.
type Resolution int

const (
	Pending Resolution = iota
	Approved
	Rejected
	Expired
)

func (r Resolution) String() string {
	switch r {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "denied"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// Terminal reports whether the resolution can no longer change.
func (r Resolution) Terminal() bool {
	return r != Pending
}

// MarshalText implements encoding.TextMarshaler.
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Resolution) UnmarshalText(text []byte) error {
	for _, v := range []Resolution{Pending, Approved, Rejected, Expired} {
		if v.String() == string(text) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown resolution %q", text)
}

// BunkerState is the lifecycle state of the remote-signing session.
type BunkerState int

const (
	BunkerStopped BunkerState = iota
	BunkerStarting
	BunkerListening
	BunkerPaired
)

func (s BunkerState) String() string {
	switch s {
	case BunkerStopped:
		return "stopped"
	case BunkerStarting:
		return "starting"
	case BunkerListening:
		return "listening"
	case BunkerPaired:
		return "paired"
	default:
		return fmt.Sprintf("bunker_state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BunkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BunkerState) UnmarshalText(text []byte) error {
	for _, v := range []BunkerState{BunkerStopped, BunkerStarting, BunkerListening, BunkerPaired} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown bunker state %q", text)
}

// KeyInfo is the public view of a vault key. It never carries private
// material.
type KeyInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	PublicKey string    `json:"public_key"`
	Npub      string    `json:"npub"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
