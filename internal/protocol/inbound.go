package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound is what the gateway publishes to the engine for every command a
// user issues. Frame is the client frame exactly as received; it has already
// passed ParseCommand at the gateway and is parsed again by the engine.
type Inbound struct {
	UserID     string          `json:"user_id"`
	Frame      json.RawMessage `json:"frame,omitempty"`
	Disconnect bool            `json:"disconnect,omitempty"`
}

// Command decodes the carried frame.
func (in Inbound) Command() (Command, error) {
	if in.Disconnect {
		return Disconnect{}, nil
	}
	return ParseCommand(in.Frame)
}

// FrameType returns the "type" field of a client frame.
func FrameType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// ParseIdentify decodes an identify frame.
func ParseIdentify(data []byte) (IdentifyMsg, error) {
	var m IdentifyMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("protocol: failed to decode identify: %w", err)
	}
	if m.Token == "" {
		return m, fmt.Errorf("protocol: missing identity token")
	}
	if len(m.UserID) > 64 {
		return m, fmt.Errorf("protocol: invalid user id")
	}
	return m, nil
}
