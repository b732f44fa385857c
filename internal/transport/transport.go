// Package transport is the outbound edge of the engine. Only the dispatcher
// talks to a Transport; every error it returns falls in one of three
// classes: throttled, transient or permanent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/anonchat/internal/chat"
)

// ErrUnreachable is the permanent failure: the recipient is gone or has
// blocked delivery. It is never retried.
var ErrUnreachable = errors.New("transport: recipient unreachable")

// ThrottledError asks the caller to wait RetryAfter before trying again.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("transport: throttled, retry after %s", e.RetryAfter)
}

// Transport delivers messages to users and deletes them again.
type Transport interface {
	// Send delivers msg and returns the transport's message ID.
	Send(ctx context.Context, userID string, msg chat.Outbound) (string, error)
	Delete(ctx context.Context, userID, messageID string) error
}

// Class buckets a transport error for the retry policy.
type Class int

const (
	OK Class = iota
	Throttled
	Transient
	Permanent
)

func (c Class) String() string {
	switch c {
	case OK:
		return "ok"
	case Throttled:
		return "throttled"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps err to its class and, for throttling, the signalled delay.
// Anything unrecognised is transient.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return OK, 0
	}
	var te *ThrottledError
	if errors.As(err, &te) {
		return Throttled, te.RetryAfter
	}
	if errors.Is(err, ErrUnreachable) {
		return Permanent, 0
	}
	return Transient, 0
}
