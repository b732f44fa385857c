// Package matching implements the waiting queue and the matcher.
//
// Matching runs synchronously inside Enqueue, under the queue lock, so a
// user is never observable as both queued and paired: the winning pair is
// removed from the queue and inserted into the pair registry in the same
// critical section. Lock order is queue then registry.
package matching

import (
	"fmt"
	"sync"
	"time"

	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/pairing"
	"github.com/whisper/anonchat/internal/policy"
)

// Search modes.
const (
	ModeRandom   = "random"
	ModeFiltered = "filtered"
)

// Status is the outcome of an Enqueue call.
type Status int

const (
	Queued Status = iota
	AlreadyQueued
	AlreadyPaired
	Matched
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case AlreadyQueued:
		return "already_queued"
	case AlreadyPaired:
		return "already_paired"
	case Matched:
		return "matched"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Config tunes the matcher.
type Config struct {
	StickyTTL time.Duration `yaml:"sticky_ttl"` // lifetime of a rematch intent
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{StickyTTL: 10 * time.Minute}
}

// Candidate is a user asking to be matched, with the profile and premium
// state resolved before the queue lock is taken.
type Candidate struct {
	UserID  string
	Mode    string
	Profile policy.Profile
	Premium bool
}

// Entry is a waiting user.
type Entry struct {
	Candidate
	EnqueuedAt time.Time
}

// Result describes what Enqueue did.
type Result struct {
	Status  Status
	Partner string
	Sticky  bool          // paired through a mutual rematch intent
	Waited  time.Duration // how long the partner had been waiting
}

// Matchmaker owns the queue and the rematch intents.
type Matchmaker struct {
	clock clock.Clock
	cfg   Config
	pairs *pairing.Registry

	mu      sync.Mutex
	queue   []*Entry
	index   map[string]*Entry
	intents map[string]intent
}

// NewMatchmaker creates an empty matchmaker that pairs into pairs.
func NewMatchmaker(c clock.Clock, cfg Config, pairs *pairing.Registry) *Matchmaker {
	if cfg.StickyTTL <= 0 {
		cfg.StickyTTL = DefaultConfig().StickyTTL
	}
	return &Matchmaker{
		clock:   c,
		cfg:     cfg,
		pairs:   pairs,
		index:   make(map[string]*Entry),
		intents: make(map[string]intent),
	}
}

// Enqueue adds c to the queue and tries to match it immediately. It is
// idempotent: a user already waiting or already paired is acknowledged
// without changes.
func (m *Matchmaker) Enqueue(c Candidate) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pairs.InChat(c.UserID) {
		return Result{Status: AlreadyPaired}, nil
	}
	if _, ok := m.index[c.UserID]; ok {
		return Result{Status: AlreadyQueued}, nil
	}
	now := m.clock.Now()

	// A mutual rematch intent wins over every filter.
	if target, ok := m.mutualTarget(c.UserID, now); ok {
		if e, queued := m.index[target]; queued {
			return m.pairLocked(c.UserID, e, now, true)
		}
		// The target is not back yet; wait reserved for them.
		m.push(&Entry{Candidate: c, EnqueuedAt: now})
		return Result{Status: Queued}, nil
	}

	n := len(m.queue)
	for i := 0; i < n; i++ {
		cand := m.queue[0]
		m.queue = m.queue[1:]

		if !m.reservedLocked(cand.UserID, now) && Compatible(c, cand.Candidate) {
			res, err := m.pairLocked(c.UserID, cand, now, false)
			if err != nil {
				m.queue = append(m.queue, cand)
			}
			return res, err
		}
		m.queue = append(m.queue, cand)
	}

	m.push(&Entry{Candidate: c, EnqueuedAt: now})
	return Result{Status: Queued}, nil
}

// pairLocked pairs userID with the waiting entry e and drops e from the
// queue. Caller holds m.mu.
func (m *Matchmaker) pairLocked(userID string, e *Entry, now time.Time, sticky bool) (Result, error) {
	if err := m.pairs.Pair(userID, e.UserID); err != nil {
		return Result{}, fmt.Errorf("matching: pair %s with %s: %w", userID, e.UserID, err)
	}
	m.removeLocked(e.UserID)
	delete(m.intents, userID)
	delete(m.intents, e.UserID)
	return Result{
		Status:  Matched,
		Partner: e.UserID,
		Sticky:  sticky,
		Waited:  now.Sub(e.EnqueuedAt),
	}, nil
}

func (m *Matchmaker) push(e *Entry) {
	m.queue = append(m.queue, e)
	m.index[e.UserID] = e
}

// removeLocked drops userID from the queue. Caller holds m.mu.
func (m *Matchmaker) removeLocked(userID string) bool {
	_, ok := m.index[userID]
	delete(m.index, userID)
	for i, e := range m.queue {
		if e.UserID == userID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return ok
}

// Cancel removes a waiting user. It reports whether the user was queued.
func (m *Matchmaker) Cancel(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(userID)
}

// Queued reports whether userID is waiting.
func (m *Matchmaker) Queued(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[userID]
	return ok
}

// Len returns the number of waiting users.
func (m *Matchmaker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Waiting returns the IDs of waiting users in queue order.
func (m *Matchmaker) Waiting() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.queue))
	for i, e := range m.queue {
		ids[i] = e.UserID
	}
	return ids
}
