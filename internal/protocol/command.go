package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/matching"
)

// Report reasons accepted from clients.
var reportReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"scam":       true,
	"other":      true,
}

// ErrUnknownType is returned for frames whose type is not a client command.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Command is one decoded user command. The set of implementations is closed:
// every type below is handled by the engine and nothing else satisfies the
// interface.
type Command interface {
	command()
}

type (
	Search struct {
		Mode string
	}
	CancelSearch struct{}
	EndChat      struct{}
	Message      struct {
		Payload chat.Payload
	}
	SecretInvite struct {
		TTLSeconds      int
		DurationMinutes int
	}
	SecretEnd struct{}
	Report    struct {
		Reason string
	}
	Rate struct {
		Value int // +1 or -1
	}
	Rematch struct{}

	// Disconnect is produced by the gateway when a user's last connection
	// closes. Clients cannot send it.
	Disconnect struct{}
)

func (Search) command()       {}
func (CancelSearch) command() {}
func (EndChat) command()      {}
func (Message) command()      {}
func (SecretInvite) command() {}
func (SecretEnd) command()    {}
func (Report) command()       {}
func (Rate) command()         {}
func (Rematch) command()      {}
func (Action) command()       {}
func (Disconnect) command()   {}

// Name returns a short label for logs and metrics.
func Name(c Command) string {
	switch c := c.(type) {
	case Search:
		return TypeSearch
	case CancelSearch:
		return TypeCancelSearch
	case EndChat:
		return TypeEndChat
	case Message:
		return TypeMessage
	case SecretInvite:
		return TypeSecretInvite
	case SecretEnd:
		return TypeSecretEnd
	case Report:
		return TypeReport
	case Rate:
		return TypeRate
	case Rematch:
		return TypeRematch
	case Action:
		return "action:" + string(c.Verb)
	case Disconnect:
		return "disconnect"
	}
	return "unknown"
}

// ParseCommand decodes a client frame into a Command. Frames handled by the
// gateway itself (identify, ping) are reported as ErrUnknownType.
func ParseCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeSearch:
		var m searchMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		mode := strings.ToLower(strings.TrimSpace(m.Mode))
		if mode == "" {
			mode = matching.ModeRandom
		}
		if mode != matching.ModeRandom && mode != matching.ModeFiltered {
			return nil, fmt.Errorf("protocol: invalid search mode %q", m.Mode)
		}
		return Search{Mode: mode}, nil

	case TypeCancelSearch:
		return CancelSearch{}, nil
	case TypeEndChat:
		return EndChat{}, nil
	case TypeSecretEnd:
		return SecretEnd{}, nil
	case TypeRematch:
		return Rematch{}, nil

	case TypeMessage:
		var m messageMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		if m.Message.Kind == "" {
			m.Message.Kind = chat.KindText
		}
		if err := chat.Validate(m.Message); err != nil {
			return nil, fmt.Errorf("protocol: invalid message: %w", err)
		}
		return Message{Payload: m.Message}, nil

	case TypeSecretInvite:
		var m secretInviteMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		return SecretInvite{TTLSeconds: m.TTLSeconds, DurationMinutes: m.DurationMinutes}, nil

	case TypeReport:
		var m reportMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		reason := strings.ToLower(strings.TrimSpace(m.Reason))
		if reason == "" {
			reason = "other"
		}
		if !reportReasons[reason] {
			return nil, fmt.Errorf("protocol: invalid report reason %q", m.Reason)
		}
		return Report{Reason: reason}, nil

	case TypeRate:
		var m rateMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		if m.Value != 1 && m.Value != -1 {
			return nil, fmt.Errorf("protocol: rating must be +1 or -1, got %d", m.Value)
		}
		return Rate{Value: m.Value}, nil

	case TypeAction:
		var m actionMsg
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		return ParseAction(m.Data)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decode(env Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Raw, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return nil
}
