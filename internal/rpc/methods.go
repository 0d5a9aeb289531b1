package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Bidon15/nsigner"
)

// Backend is the signer boundary the IPC methods call into. *app.App
// implements it.
type Backend interface {
	GetPublicKey(keyID string) (nsigner.KeyInfo, error)
	ListKeys() []nsigner.KeyInfo
	SignEvent(ctx context.Context, eventJSON, keyID, appID string) (string, error)
	Nip04Encrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error)
	Nip04Decrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error)
	Nip44Encrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error)
	Nip44Decrypt(ctx context.Context, text, pubkey, keyID, appID string) (string, error)
	DecryptZapEvent(ctx context.Context, eventJSON, appID string) (string, error)
	StartBunker(ctx context.Context) (string, error)
	GetBunkerURI() (string, error)
	StopBunker() error
	GetBunkerState() nsigner.BunkerState
	IsUnlocked() bool
}

// KeyParams select a key; an empty id means the active key.
type KeyParams struct {
	KeyID string `json:"key_id,omitempty"`
}

// SignEventParams are the sign_event parameters. Event may be the unsigned
// event object or that object serialized as a string.
type SignEventParams struct {
	Event json.RawMessage `json:"event"`
	KeyID string          `json:"key_id,omitempty"`
	AppID string          `json:"app_id"`
}

// CipherParams are the parameters of the four encrypt/decrypt methods.
type CipherParams struct {
	Text   string `json:"text"`
	Pubkey string `json:"pubkey"`
	KeyID  string `json:"key_id,omitempty"`
	AppID  string `json:"app_id"`
}

// ZapParams are the decrypt_zap_event parameters.
type ZapParams struct {
	Event json.RawMessage `json:"event"`
	AppID string          `json:"app_id"`
}

// BunkerResult reports the remote-signing session.
type BunkerResult struct {
	State nsigner.BunkerState `json:"state"`
	URI   string              `json:"uri,omitempty"`
}

// ReadyResult is returned by is_ready.
type ReadyResult struct {
	Ready bool `json:"ready"`
}

type methods struct {
	backend Backend
	version string
}

func decodeParams(params json.RawMessage, v interface{}) *Error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ErrInvalidParams(fmt.Sprintf("failed to parse params: %v", err))
	}
	return nil
}

// eventText accepts an event as a JSON object or a JSON string holding one.
func eventText(raw json.RawMessage) (string, *Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrInvalidParams("event is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidParams(fmt.Sprintf("invalid event: %v", err))
		}
		return s, nil
	}
	return string(raw), nil
}

func (m *methods) getPublicKey(_ context.Context, params json.RawMessage) (interface{}, *Error) {
	var p KeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	info, err := m.backend.GetPublicKey(p.KeyID)
	if err != nil {
		return nil, FromError(err)
	}
	return info, nil
}

func (m *methods) listKeys(context.Context, json.RawMessage) (interface{}, *Error) {
	return m.backend.ListKeys(), nil
}

func (m *methods) signEvent(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var p SignEventParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	event, rpcErr := eventText(p.Event)
	if rpcErr != nil {
		return nil, rpcErr
	}
	signed, err := m.backend.SignEvent(ctx, event, p.KeyID, p.AppID)
	if err != nil {
		return nil, FromError(err)
	}
	return json.RawMessage(signed), nil
}

type cipherFunc func(ctx context.Context, text, pubkey, keyID, appID string) (string, error)

func (m *methods) cipher(fn cipherFunc) MethodHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		var p CipherParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		out, err := fn(ctx, p.Text, p.Pubkey, p.KeyID, p.AppID)
		if err != nil {
			return nil, FromError(err)
		}
		return out, nil
	}
}

func (m *methods) decryptZapEvent(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var p ZapParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	event, rpcErr := eventText(p.Event)
	if rpcErr != nil {
		return nil, rpcErr
	}
	out, err := m.backend.DecryptZapEvent(ctx, event, p.AppID)
	if err != nil {
		return nil, FromError(err)
	}
	return out, nil
}

func (m *methods) startBunker(ctx context.Context, _ json.RawMessage) (interface{}, *Error) {
	uri, err := m.backend.StartBunker(ctx)
	if err != nil {
		return nil, FromError(err)
	}
	return BunkerResult{State: m.backend.GetBunkerState(), URI: uri}, nil
}

func (m *methods) getBunkerURI(context.Context, json.RawMessage) (interface{}, *Error) {
	uri, err := m.backend.GetBunkerURI()
	if err != nil {
		return nil, FromError(err)
	}
	return uri, nil
}

func (m *methods) stopBunker(context.Context, json.RawMessage) (interface{}, *Error) {
	if err := m.backend.StopBunker(); err != nil {
		return nil, FromError(err)
	}
	return BunkerResult{State: m.backend.GetBunkerState()}, nil
}

func (m *methods) getBunkerState(context.Context, json.RawMessage) (interface{}, *Error) {
	return BunkerResult{State: m.backend.GetBunkerState()}, nil
}

func (m *methods) getVersion(context.Context, json.RawMessage) (interface{}, *Error) {
	return m.version, nil
}

func (m *methods) isReady(context.Context, json.RawMessage) (interface{}, *Error) {
	return ReadyResult{Ready: m.backend.IsUnlocked()}, nil
}
