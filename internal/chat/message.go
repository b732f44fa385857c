// Package chat holds the message types shared by the relay, the dispatcher
// and the transports, plus the per-pair transcript ring used for reports.
package chat

// Kind is the content type of a message.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"

	// KindNotice is a system message from the service itself. Clients cannot
	// send it.
	KindNotice Kind = "notice"
)

// IsMedia reports whether k is one of the non-text user payload kinds.
func (k Kind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVideo, KindVoice, KindDocument:
		return true
	}
	return false
}

// Valid reports whether k may be sent by a user.
func (k Kind) Valid() bool {
	return k == KindText || k.IsMedia()
}

// Payload is a user message as received from a client.
type Payload struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"` // body or media caption
	MediaRef  string `json:"media_ref,omitempty"`
	Forwarded bool   `json:"forwarded,omitempty"`
	Quoted    bool   `json:"quoted,omitempty"`
}

// Button is an inline action attached to an outbound message. Action is the
// encoded protocol action returned by the client when pressed.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Outbound is a message delivered to a user.
type Outbound struct {
	Kind     Kind     `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MediaRef string   `json:"media_ref,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`

	// Protected asks the client to disable forwarding and saving.
	Protected bool `json:"protected,omitempty"`
}

// Notice builds a plain system notice.
func Notice(text string, buttons ...Button) Outbound {
	return Outbound{Kind: KindNotice, Text: text, Buttons: buttons}
}

// FromPayload converts a relayed user payload into its outbound form.
func FromPayload(p Payload, protected bool) Outbound {
	return Outbound{
		Kind:      p.Kind,
		Text:      p.Text,
		MediaRef:  p.MediaRef,
		Protected: protected,
	}
}
