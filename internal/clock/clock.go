// Package clock abstracts time so that timer-driven logic (invite expiry,
// secret session auto-end, message erasure, dispatcher backoff) can be driven
// deterministically in tests.
//
// Production code receives Real(), a clockwork real clock. Tests receive
// Fake(t0) and move time with Advance; unlike clockwork's fake, it runs
// AfterFunc callbacks synchronously inside Advance in deadline order.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package used by the engine.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the wall clock.
func Real() Clock {
	return Wrap(clockwork.NewRealClock())
}

// Wrap adapts a clockwork clock.
func Wrap(c clockwork.Clock) Clock {
	return workClock{c}
}

type workClock struct{ c clockwork.Clock }

func (w workClock) Now() time.Time { return w.c.Now() }

func (w workClock) After(d time.Duration) <-chan time.Time { return w.c.After(d) }

func (w workClock) AfterFunc(d time.Duration, f func()) Timer {
	return w.c.AfterFunc(d, f)
}
