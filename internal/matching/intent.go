package matching

import "time"

// intent is a one-way rematch request from one user to a former partner.
type intent struct {
	target  string
	expires time.Time
}

// Intend records that from wants to be rematched with to, replacing any
// earlier intent of from. It reports whether the intent is now mutual.
func (m *Matchmaker) Intend(from, to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.intents[from] = intent{target: to, expires: now.Add(m.cfg.StickyTTL)}
	_, mutual := m.mutualTarget(from, now)
	return mutual
}

// HasIntent reports whether from holds a live intent towards to.
func (m *Matchmaker) HasIntent(from, to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[from]
	return ok && in.target == to && m.clock.Now().Before(in.expires)
}

// Withdraw drops from's intent towards to, if any. It is used when to
// declines the rematch. It reports whether an intent was removed.
func (m *Matchmaker) Withdraw(from, to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[from]
	if !ok || in.target != to {
		return false
	}
	delete(m.intents, from)
	return true
}

// PruneIntents drops expired intents and returns how many were removed.
func (m *Matchmaker) PruneIntents() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for from, in := range m.intents {
		if !now.Before(in.expires) {
			delete(m.intents, from)
			n++
		}
	}
	return n
}

// mutualTarget returns the user that userID and that user both hold live
// intents towards each other. Caller holds m.mu.
func (m *Matchmaker) mutualTarget(userID string, now time.Time) (string, bool) {
	mine, ok := m.intents[userID]
	if !ok || !now.Before(mine.expires) {
		return "", false
	}
	theirs, ok := m.intents[mine.target]
	if !ok || theirs.target != userID || !now.Before(theirs.expires) {
		return "", false
	}
	return mine.target, true
}

// reservedLocked reports whether a waiting user is held for a mutual rematch
// and must not be taken by a generic match. Caller holds m.mu.
func (m *Matchmaker) reservedLocked(userID string, now time.Time) bool {
	_, ok := m.mutualTarget(userID, now)
	return ok
}
