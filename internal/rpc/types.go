// Package rpc serves the local IPC boundary as JSON-RPC 2.0 over HTTP.
package rpc

import (
	"encoding/json"

	"github.com/Bidon15/nsigner"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// MarshalJSON emits result on success even when it is an empty value, such
// as an empty decrypted plaintext.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		type alias Response
		return json.Marshal(alias(r))
	}
	return json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		Result  interface{} `json:"result"`
		ID      interface{} `json:"id"`
	}{r.JSONRPC, r.Result, r.ID})
}

// Error represents a JSON-RPC 2.0 error. Application errors carry the
// nsigner error code in Data.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so clients can return it directly.
func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Application-specific error codes (from -32000 to -32099)
const (
	ErrCodeSignerLocked     = -32001
	ErrCodePermissionDenied = -32002
	ErrCodeRequestTimedOut  = -32003
	ErrCodeKeyNotFound      = -32004
	ErrCodeCryptoError      = -32005
	ErrCodeInvalidKeyFormat = -32006
	ErrCodeRelayUnavailable = -32007
	ErrCodeConflict         = -32008
)

var appCodes = map[string]int{
	nsigner.CodeSignerLocked:     ErrCodeSignerLocked,
	nsigner.CodePermissionDenied: ErrCodePermissionDenied,
	nsigner.CodeRequestTimedOut:  ErrCodeRequestTimedOut,
	nsigner.CodeKeyNotFound:      ErrCodeKeyNotFound,
	nsigner.CodeCryptoError:      ErrCodeCryptoError,
	nsigner.CodeInvalidKeyFormat: ErrCodeInvalidKeyFormat,
	nsigner.CodeMalformedRequest: ErrCodeInvalidParams,
	nsigner.CodeRelayUnavailable: ErrCodeRelayUnavailable,
	nsigner.CodeConflict:         ErrCodeConflict,
}

// NewError creates an error without data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData creates an error carrying data.
func NewErrorWithData(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// FromError converts a signer error into a JSON-RPC error. Data holds the
// stable nsigner code so clients never parse messages.
func FromError(err error) *Error {
	code := nsigner.Code(err)
	rpcCode, ok := appCodes[code]
	if !ok {
		rpcCode = ErrCodeInternal
	}
	return NewErrorWithData(rpcCode, err.Error(), code)
}

func ErrParseError(message string) *Error {
	return NewError(ErrCodeParse, message)
}

func ErrInvalidRequest(message string) *Error {
	return NewError(ErrCodeInvalidRequest, message)
}

func ErrMethodNotFound(method string) *Error {
	return NewErrorWithData(ErrCodeMethodNotFound, "method not found", method)
}

func ErrInvalidParams(message string) *Error {
	return NewErrorWithData(ErrCodeInvalidParams, message, nsigner.CodeMalformedRequest)
}

func ErrInternal(message string) *Error {
	return NewError(ErrCodeInternal, message)
}
