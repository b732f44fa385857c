package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxMediaRef     = 512
	MaxMessageID    = 64
)

// ErrEmpty is returned for a message with neither text nor media.
var ErrEmpty = errors.New("message is empty")

// Validate checks that a payload meets content requirements before it is
// relayed.
func Validate(p Payload) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("unsupported message kind %q", p.Kind)
	}
	if p.Kind == KindText && len(p.Text) == 0 {
		return ErrEmpty
	}
	if p.Kind.IsMedia() {
		if p.MediaRef == "" {
			return fmt.Errorf("%s message has no media reference", p.Kind)
		}
		if len(p.MediaRef) > MaxMediaRef {
			return fmt.Errorf("media reference exceeds %d bytes", MaxMediaRef)
		}
	}
	if len(p.Text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(p.Text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(p.Text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// validID requires the client message ID the sender's copy is erased by.
func validID(id string) error {
	if id == "" {
		return errors.New("message has no id")
	}
	if len(id) > MaxMessageID {
		return fmt.Errorf("message id exceeds %d bytes", MaxMessageID)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("message id contains %q", r)
		}
	}
	return nil
}
