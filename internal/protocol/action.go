package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/anonchat/internal/matching"
)

// MaxActionBytes bounds encoded button data.
const MaxActionBytes = 64

const maxActionArg = 40

// ErrInvalidAction is returned for button data that is oversized, carries an
// unknown verb or a malformed argument.
var ErrInvalidAction = errors.New("protocol: invalid action")

// Verb names what a button does.
type Verb string

const (
	VerbSecretAccept   Verb = "secret_accept"
	VerbSecretDecline  Verb = "secret_decline"
	VerbMediaSend      Verb = "media_send"   // sender confirms a gated media message
	VerbMediaCancel    Verb = "media_cancel" // sender withdraws it
	VerbMediaView      Verb = "media_view"   // recipient agrees to receive it
	VerbMediaReject    Verb = "media_reject" // recipient refuses it
	VerbRematch        Verb = "rematch"
	VerbRematchDecline Verb = "rematch_decline"
	VerbSearch         Verb = "search"
)

type argRule int

const (
	argNone argRule = iota
	argID
	argMode
)

var verbs = map[Verb]argRule{
	VerbSecretAccept:   argNone,
	VerbSecretDecline:  argNone,
	VerbMediaSend:      argID,
	VerbMediaCancel:    argID,
	VerbMediaView:      argID,
	VerbMediaReject:    argID,
	VerbRematch:        argNone,
	VerbRematchDecline: argNone,
	VerbSearch:         argMode,
}

// Action is a decoded button press.
type Action struct {
	Verb Verb
	Arg  string
}

// String encodes the action as button data.
func (a Action) String() string {
	if a.Arg == "" {
		return string(a.Verb)
	}
	return string(a.Verb) + ":" + a.Arg
}

// NewAction builds an action, validating it the same way ParseAction does.
// It panics on invalid input, so it is only used with engine-generated
// arguments.
func NewAction(v Verb, arg string) Action {
	a := Action{Verb: v, Arg: arg}
	if _, err := ParseAction(a.String()); err != nil {
		panic(err)
	}
	return a
}

// ParseAction decodes button data of the form "verb" or "verb:arg".
func ParseAction(data string) (Action, error) {
	if data == "" || len(data) > MaxActionBytes {
		return Action{}, fmt.Errorf("%w: length %d", ErrInvalidAction, len(data))
	}

	verb, arg, _ := strings.Cut(data, ":")
	rule, ok := verbs[Verb(verb)]
	if !ok {
		return Action{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidAction, verb)
	}

	switch rule {
	case argNone:
		if arg != "" {
			return Action{}, fmt.Errorf("%w: %s takes no argument", ErrInvalidAction, verb)
		}
	case argID:
		if !validID(arg) {
			return Action{}, fmt.Errorf("%w: bad id for %s", ErrInvalidAction, verb)
		}
	case argMode:
		if arg != matching.ModeRandom && arg != matching.ModeFiltered {
			return Action{}, fmt.Errorf("%w: bad mode %q", ErrInvalidAction, arg)
		}
	}
	return Action{Verb: Verb(verb), Arg: arg}, nil
}

func validID(s string) bool {
	if s == "" || len(s) > maxActionArg {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
