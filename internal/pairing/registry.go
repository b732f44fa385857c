// Package pairing tracks who is chatting with whom.
//
// A pair is symmetric: PartnerOf(a) == b exactly when PartnerOf(b) == a.
// A user belongs to at most one pair. When a pair ends, each side remembers
// the other as its last partner for a grace period so post-chat reports,
// ratings and rematch requests can still find them.
package pairing

import (
	"errors"
	"sync"
	"time"

	"github.com/whisper/anonchat/internal/clock"
)

// DefaultGrace is how long a last-partner association survives.
const DefaultGrace = 15 * time.Minute

var (
	ErrSelfPair      = errors.New("pairing: cannot pair a user with themselves")
	ErrAlreadyPaired = errors.New("pairing: user already paired")
)

// Registry is the in-memory pair map.
type Registry struct {
	clock clock.Clock
	grace time.Duration

	mu       sync.Mutex
	partners map[string]string
	since    map[string]time.Time
	last     map[string]lastPartner
}

type lastPartner struct {
	userID string
	until  time.Time
}

// NewRegistry creates an empty registry. A non-positive grace uses
// DefaultGrace.
func NewRegistry(c clock.Clock, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		clock:    c,
		grace:    grace,
		partners: make(map[string]string),
		since:    make(map[string]time.Time),
		last:     make(map[string]lastPartner),
	}
}

// Pair links a and b. Both must be unpaired.
func (r *Registry) Pair(a, b string) error {
	if a == b {
		return ErrSelfPair
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partners[a]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := r.partners[b]; ok {
		return ErrAlreadyPaired
	}
	now := r.clock.Now()
	r.partners[a] = b
	r.partners[b] = a
	r.since[a] = now
	r.since[b] = now
	return nil
}

// PartnerOf returns the current partner of userID.
func (r *Registry) PartnerOf(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partners[userID]
	return p, ok
}

// InChat reports whether userID is paired.
func (r *Registry) InChat(userID string) bool {
	_, ok := r.PartnerOf(userID)
	return ok
}

// Since returns when userID's current pair was created.
func (r *Registry) Since(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.since[userID]
	return t, ok
}

// End dissolves the pair containing userID and records the last-partner
// association in both directions. It returns the former partner, or false if
// userID was not paired. Calling End again is a no-op.
func (r *Registry) End(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	partner, ok := r.partners[userID]
	if !ok {
		return "", false
	}
	delete(r.partners, userID)
	delete(r.partners, partner)
	delete(r.since, userID)
	delete(r.since, partner)

	until := r.clock.Now().Add(r.grace)
	r.last[userID] = lastPartner{userID: partner, until: until}
	r.last[partner] = lastPartner{userID: userID, until: until}
	return partner, true
}

// LastPartner returns the user's previous partner if the grace period has
// not elapsed.
func (r *Registry) LastPartner(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lp, ok := r.last[userID]
	if !ok {
		return "", false
	}
	if !r.clock.Now().Before(lp.until) {
		delete(r.last, userID)
		return "", false
	}
	return lp.userID, true
}

// PruneLast removes expired last-partner associations and returns how many
// were removed.
func (r *Registry) PruneLast() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for uid, lp := range r.last {
		if !now.Before(lp.until) {
			delete(r.last, uid)
			n++
		}
	}
	return n
}

// Len returns the number of active pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partners) / 2
}
