package nostr

import (
	"fmt"

	"github.com/Bidon15/nsigner"
)

// ZapRequest returns the zap request carried by e: e itself for kind 9734,
// or the request embedded in the description tag of a kind 9735 receipt.
func ZapRequest(e *Event) (*Event, error) {
	switch e.Kind {
	case KindZapRequest:
		return e, nil
	case KindZapReceipt:
		desc := e.Tags.Value("description")
		if desc == "" {
			return nil, fmt.Errorf("%w: zap receipt has no description", nsigner.ErrMalformedRequest)
		}
		req, err := ParseEvent([]byte(desc))
		if err != nil {
			return nil, err
		}
		if req.Kind != KindZapRequest {
			return nil, fmt.Errorf("%w: description is kind %d", nsigner.ErrMalformedRequest, req.Kind)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("%w: kind %d is not a zap", nsigner.ErrMalformedRequest, e.Kind)
	}
}

// ZapCounterparty picks the key a private zap was encrypted against. It is
// the author of the request unless that is self, then the recipient p tag.
func ZapCounterparty(req *Event, self string) (string, error) {
	if req.PubKey != "" && req.PubKey != self {
		return req.PubKey, nil
	}
	if p := req.Tags.Value("p"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("%w: zap request has no counterparty", nsigner.ErrMalformedRequest)
}
