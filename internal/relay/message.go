// Package relay speaks the NIP-01 client protocol to a set of relays.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Bidon15/nsigner/internal/nostr"
)

// Filter selects events in a REQ.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Incoming is an event delivered on a subscription.
type Incoming struct {
	Relay string
	SubID string
	Event *nostr.Event
}

func encodeEvent(e *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", e})
}

func encodeReq(subID string, f Filter) ([]byte, error) {
	return json.Marshal([]any{"REQ", subID, f})
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}

// frame is a decoded relay to client message.
type frame struct {
	label   string
	subID   string
	event   *nostr.Event
	eventID string
	ok      bool
	message string
}

func decodeFrame(data []byte) (frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return frame{}, fmt.Errorf("relay: bad frame: %w", err)
	}
	if len(raw) == 0 {
		return frame{}, fmt.Errorf("relay: empty frame")
	}
	var f frame
	if err := json.Unmarshal(raw[0], &f.label); err != nil {
		return frame{}, fmt.Errorf("relay: bad frame label: %w", err)
	}

	str := func(i int, dst *string) error {
		if len(raw) <= i {
			return fmt.Errorf("relay: %s frame too short", f.label)
		}
		return json.Unmarshal(raw[i], dst)
	}

	switch f.label {
	case "EVENT":
		if err := str(1, &f.subID); err != nil {
			return frame{}, err
		}
		if len(raw) < 3 {
			return frame{}, fmt.Errorf("relay: EVENT frame too short")
		}
		var e nostr.Event
		if err := json.Unmarshal(raw[2], &e); err != nil {
			return frame{}, fmt.Errorf("relay: bad event: %w", err)
		}
		f.event = &e
	case "OK":
		if err := str(1, &f.eventID); err != nil {
			return frame{}, err
		}
		if len(raw) < 3 {
			return frame{}, fmt.Errorf("relay: OK frame too short")
		}
		if err := json.Unmarshal(raw[2], &f.ok); err != nil {
			return frame{}, fmt.Errorf("relay: bad OK status: %w", err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &f.message)
		}
	case "EOSE":
		if err := str(1, &f.subID); err != nil {
			return frame{}, err
		}
	case "CLOSED":
		if err := str(1, &f.subID); err != nil {
			return frame{}, err
		}
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &f.message)
		}
	case "NOTICE":
		if err := str(1, &f.message); err != nil {
			return frame{}, err
		}
	case "AUTH":
	default:
		return frame{}, fmt.Errorf("relay: unknown frame %q", f.label)
	}
	return f, nil
}
