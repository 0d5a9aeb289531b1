package bunker

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/nostr"
)

// Method is a remote-signing request method.
type Method string

// Methods
const (
	MethodConnect      Method = "connect"
	MethodGetPublicKey Method = "get_public_key"
	MethodSignEvent    Method = "sign_event"
	MethodNip04Encrypt Method = "nip04_encrypt"
	MethodNip04Decrypt Method = "nip04_decrypt"
	MethodNip44Encrypt Method = "nip44_encrypt"
	MethodNip44Decrypt Method = "nip44_decrypt"
	MethodPing         Method = "ping"
)

var methodOps = map[Method]nsigner.Operation{
	MethodGetPublicKey: nsigner.OpGetPublicKey,
	MethodSignEvent:    nsigner.OpSignEvent,
	MethodNip04Encrypt: nsigner.OpNip04Encrypt,
	MethodNip04Decrypt: nsigner.OpNip04Decrypt,
	MethodNip44Encrypt: nsigner.OpNip44Encrypt,
	MethodNip44Decrypt: nsigner.OpNip44Decrypt,
}

func (m Method) known() bool {
	_, ok := methodOps[m]
	return ok || m == MethodConnect || m == MethodPing
}

// request is the decrypted content of an inbound message.
type request struct {
	ID     string   `json:"id"`
	Method Method   `json:"method"`
	Params []string `json:"params"`
}

// response is the plaintext of an outbound message.
type response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func parseRequest(plaintext string) (*request, error) {
	var req request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrMalformedRequest, err)
	}
	if req.ID == "" || req.Method == "" {
		return nil, fmt.Errorf("%w: id and method are required", nsigner.ErrMalformedRequest)
	}
	return &req, nil
}

func (r *request) param(i int) string {
	if i < len(r.Params) {
		return r.Params[i]
	}
	return ""
}

// scheme is the envelope encryption a counterparty used.
type scheme int

const (
	schemeNip44 scheme = iota
	schemeNip04
)

func detectScheme(content string) scheme {
	if nostr.IsNip04Payload(content) {
		return schemeNip04
	}
	return schemeNip44
}

func (s scheme) decrypt(shared []byte, content string) (string, error) {
	if s == schemeNip04 {
		return nostr.Nip04Decrypt(shared, content)
	}
	return nostr.Nip44Decrypt(nostr.Nip44ConversationKey(shared), content)
}

func (s scheme) encrypt(shared []byte, plaintext string) (string, error) {
	if s == schemeNip04 {
		return nostr.Nip04Encrypt(shared, plaintext)
	}
	return nostr.Nip44Encrypt(nostr.Nip44ConversationKey(shared), plaintext)
}

// buildURI returns bunker://<pubkey>?relay=...&secret=...
func buildURI(pubHex string, relays []string, secret string) string {
	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	if secret != "" {
		q.Set("secret", secret)
	}
	u := url.URL{Scheme: "bunker", Host: pubHex, RawQuery: q.Encode()}
	return u.String()
}
