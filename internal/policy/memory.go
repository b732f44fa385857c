package policy

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/anonchat/internal/clock"
)

// Rating is one recorded rating.
type Rating struct {
	RaterID string
	RatedID string
	Value   int
}

// Memory is an in-process Gateway. Unknown users get an empty profile.
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	profiles map[string]Profile
	premium  map[string]bool
	bans     map[string]memBan
	ratings  []Rating
	reports  []Report
	reported map[string]time.Time // reporter+"\x00"+reported -> last report
}

type memBan struct {
	until  time.Time
	reason string
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty Memory gateway.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:    c,
		profiles: make(map[string]Profile),
		premium:  make(map[string]bool),
		bans:     make(map[string]memBan),
		reported: make(map[string]time.Time),
	}
}

// SetProfile stores p under p.UserID.
func (m *Memory) SetProfile(p Profile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

// SetPremium toggles a user's premium flag.
func (m *Memory) SetPremium(userID string, on bool) {
	m.mu.Lock()
	m.premium[userID] = on
	m.mu.Unlock()
}

func (m *Memory) GetProfile(_ context.Context, userID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return Profile{UserID: userID}, nil
	}
	return p, nil
}

func (m *Memory) HasActivePremium(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.premium[userID], nil
}

func (m *Memory) IsBanned(_ context.Context, userID string) (BanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bans[userID]
	if !ok {
		return BanStatus{}, nil
	}
	remaining := b.until.Sub(m.clock.Now())
	if remaining <= 0 {
		delete(m.bans, userID)
		return BanStatus{}, nil
	}
	return BanStatus{Banned: true, Remaining: remaining, Reason: b.reason}, nil
}

func (m *Memory) Ban(_ context.Context, userID string, d time.Duration, reason string) error {
	m.mu.Lock()
	m.bans[userID] = memBan{until: m.clock.Now().Add(d), reason: reason}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordRating(_ context.Context, raterID, ratedID string, value int) error {
	m.mu.Lock()
	m.ratings = append(m.ratings, Rating{RaterID: raterID, RatedID: ratedID, Value: value})
	m.mu.Unlock()
	return nil
}

// RecordReport stores r. A second report by the same reporter against the
// same user within ReportWindow returns ErrDuplicateReport.
func (m *Memory) RecordReport(_ context.Context, r Report) error {
	key := r.ReporterID + "\x00" + r.ReportedID
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.reported[key]; ok && now.Sub(at) < ReportWindow {
		return ErrDuplicateReport
	}
	m.reported[key] = now
	m.reports = append(m.reports, r)
	return nil
}

// Ratings returns a copy of the recorded ratings.
func (m *Memory) Ratings() []Rating {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rating(nil), m.ratings...)
}

// Reports returns a copy of the recorded reports.
func (m *Memory) Reports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Report(nil), m.reports...)
}
