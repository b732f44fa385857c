// Package scheduler owns every delayed callback in the engine: invite
// expiry, secret session auto-end and reminder, pending media approval
// timeout, per-message erasure and "what next?" prompt de-duplication.
//
// Timers are keyed by string. Scheduling a key that is already pending
// replaces the old timer. Cancel is first-class: a callback whose timer was
// cancelled or replaced never runs, even if the underlying clock already
// fired it.
package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/whisper/anonchat/internal/clock"
)

// Scheduler is a keyed set of cancellable one-shot timers.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	timers  map[string]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	gen   uint64
	timer clock.Timer
}

// New creates a Scheduler driven by c.
func New(c clock.Clock) *Scheduler {
	return &Scheduler{
		clock:  c,
		timers: make(map[string]*entry),
	}
}

// Schedule runs fn after d under key, replacing any timer already pending
// under the same key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.timers[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.gen++
	e := &entry{gen: s.gen}
	s.timers[key] = e
	gen := s.gen
	s.mu.Unlock()

	// Created outside the lock: a non-positive d may run the callback
	// synchronously, and the callback takes s.mu.
	t := s.clock.AfterFunc(d, func() { s.fire(key, gen, fn) })

	s.mu.Lock()
	if cur, ok := s.timers[key]; ok && cur == e {
		e.timer = t
	} else {
		t.Stop()
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	fn()
}

// Cancel stops the timer under key. It reports whether a pending timer was
// removed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// CancelPrefix stops every timer whose key starts with prefix and returns how
// many were removed.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.timers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(s.timers, key)
		if e.timer != nil {
			e.timer.Stop()
		}
		n++
	}
	return n
}

// Pending reports whether a timer is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, e := range s.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.timers, key)
	}
}
