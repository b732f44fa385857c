// Package protocol defines the WebSocket frames exchanged between clients and
// the gateway, the envelope the gateway forwards to the engine, and the
// closed set of commands the engine understands. Every frame is JSON with a
// "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/anonchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify     = "identify"
	TypeSearch       = "search"
	TypeCancelSearch = "cancel_search"
	TypeEndChat      = "end_chat"
	TypeMessage      = "message"
	TypeSecretInvite = "secret_invite"
	TypeSecretEnd    = "secret_end"
	TypeReport       = "report"
	TypeRate         = "rate"
	TypeRematch      = "rematch"
	TypeAction       = "action"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeIdentified  = "identified"
	TypeDeliver     = "deliver"
	TypeErase       = "erase"
	TypeRateLimited = "rate_limited"
	TypeBanned      = "banned"
	TypeError       = "error"
	TypePong        = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// IdentifyMsg binds the connection to a user. It is handled by the gateway
// and never forwarded. The user is taken from Token; UserID, when sent,
// must agree with it.
type IdentifyMsg struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
}

type searchMsg struct {
	Mode string `json:"mode"`
}

type messageMsg struct {
	Message chat.Payload `json:"message"`
}

type secretInviteMsg struct {
	TTLSeconds      int `json:"ttl_seconds"`
	DurationMinutes int `json:"duration_minutes"`
}

type reportMsg struct {
	Reason string `json:"reason"`
}

type rateMsg struct {
	Value int `json:"value"`
}

type actionMsg struct {
	Data string `json:"data"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// IdentifiedMsg confirms an identify frame.
type IdentifiedMsg struct {
	UserID string `json:"user_id"`
}

// DeliverMsg carries one outbound message. MessageID is assigned by the
// gateway and is the handle later used by an erase frame.
type DeliverMsg struct {
	MessageID string        `json:"message_id"`
	Message   chat.Outbound `json:"message"`
}

// EraseMsg asks the client to delete a previously delivered message.
type EraseMsg struct {
	MessageID string `json:"message_id"`
}

// RateLimitedMsg is sent when the gateway rejects a frame for rate reasons.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// BannedMsg is sent when a banned user tries to act.
type BannedMsg struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the gateway to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the response to a client ping.
type PongMsg struct{}

// NewServerMessage encodes payload with the "type" key injected.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
