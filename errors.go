package nsigner

import (
	"errors"
	"fmt"
)

// Sentinel errors - Vault
var (
	ErrSignerLocked     = errors.New("nsigner: signer is locked")
	ErrWrongPassphrase  = errors.New("nsigner: wrong passphrase")
	ErrKeyNotFound      = errors.New("nsigner: key not found")
	ErrKeyExists        = errors.New("nsigner: key already exists")
	ErrNoActiveKey      = errors.New("nsigner: no active key")
	ErrInvalidKeyFormat = errors.New("nsigner: invalid key format")
)

// Sentinel errors - Authorization
var (
	ErrPermissionDenied  = errors.New("nsigner: permission denied")
	ErrRequestTimedOut   = errors.New("nsigner: request timed out")
	ErrAlreadyResolved   = errors.New("nsigner: approval already resolved")
	ErrApprovalNotFound  = errors.New("nsigner: approval not found")
	ErrMalformedRequest  = errors.New("nsigner: malformed request")
	ErrUnknownOperation  = errors.New("nsigner: unknown operation")
	ErrInvalidGrant      = errors.New("nsigner: invalid grant")
	ErrGrantNotFound     = errors.New("nsigner: grant not found")
	ErrPermissionBackend = errors.New("nsigner: permission backend unavailable")
)

// Sentinel errors - Operations
var (
	ErrCryptoError      = errors.New("nsigner: crypto operation failed")
	ErrRelayUnavailable = errors.New("nsigner: no relay reachable")
	ErrBunkerRunning    = errors.New("nsigner: bunker already running")
	ErrBunkerNotRunning = errors.New("nsigner: bunker not running")
	ErrStorePersist     = errors.New("nsigner: failed to persist")
	ErrStoreCorrupted   = errors.New("nsigner: store corrupted")
)

// Error codes exposed over IPC, the control API and bunker responses.
const (
	CodeSignerLocked     = "signer_locked"
	CodeKeyNotFound      = "key_not_found"
	CodePermissionDenied = "permission_denied"
	CodeRequestTimedOut  = "request_timed_out"
	CodeInvalidKeyFormat = "invalid_key_format"
	CodeWrongPassphrase  = "wrong_passphrase"
	CodeCryptoError      = "crypto_error"
	CodeMalformedRequest = "malformed_request"
	CodeRelayUnavailable = "relay_unavailable"
	CodeAlreadyResolved  = "already_resolved"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInternal         = "internal_error"
)

var codeTable = []struct {
	err  error
	code string
}{
	{ErrSignerLocked, CodeSignerLocked},
	{ErrKeyNotFound, CodeKeyNotFound},
	{ErrNoActiveKey, CodeKeyNotFound},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrRequestTimedOut, CodeRequestTimedOut},
	{ErrInvalidKeyFormat, CodeInvalidKeyFormat},
	{ErrWrongPassphrase, CodeWrongPassphrase},
	{ErrCryptoError, CodeCryptoError},
	{ErrMalformedRequest, CodeMalformedRequest},
	{ErrUnknownOperation, CodeMalformedRequest},
	{ErrInvalidGrant, CodeMalformedRequest},
	{ErrRelayUnavailable, CodeRelayUnavailable},
	{ErrAlreadyResolved, CodeAlreadyResolved},
	{ErrApprovalNotFound, CodeNotFound},
	{ErrGrantNotFound, CodeNotFound},
	{ErrKeyExists, CodeConflict},
	{ErrBunkerRunning, CodeConflict},
	{ErrBunkerNotRunning, CodeConflict},
}

// Code maps an error to its stable wire code. Unknown errors map to
// CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeMalformedRequest
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// KeyError wraps an error with key context.
type KeyError struct {
	KeyID string
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	return fmt.Sprintf("%s key %q: %v", e.Op, e.KeyID, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *KeyError) Unwrap() error {
	return e.Err
}

// WrapKeyError wraps an error with key operation context.
// Returns nil if the provided error is nil.
func WrapKeyError(op, keyID string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyError{
		KeyID: keyID,
		Op:    op,
		Err:   err,
	}
}

// ValidationError represents an invalid request field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Is reports ValidationError as a malformed request.
func (e *ValidationError) Is(target error) bool {
	return target == ErrMalformedRequest
}

// NewValidationError creates a new ValidationError with the given field and message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ErrorForCode returns the sentinel behind a wire code so clients can use
// errors.Is on remote failures. Unknown codes return nil.
func ErrorForCode(code string) error {
	for _, entry := range codeTable {
		if entry.code == code {
			return entry.err
		}
	}
	return nil
}
