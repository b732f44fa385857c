// Package secret manages secret sessions: time-boxed upgrades of a pair in
// which every message self-destructs after a per-message TTL and media needs
// explicit consent before it is forwarded.
//
// Lifecycle: Invited -> Accepted | Declined, Accepted -> Active -> Ended.
// A session ends when its duration elapses, when either side ends it, or
// when the pair ends. Ending a session never ends the pair.
//
// Manager only holds state and timers. Notifying users is left to the Hooks,
// which run outside the manager's lock.
package secret

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/scheduler"
)

var (
	ErrInvalidTTL      = errors.New("secret: message ttl out of range")
	ErrInvalidDuration = errors.New("secret: duration out of range")
	ErrAlreadyActive   = errors.New("secret: session already active")
	ErrInvitePending   = errors.New("secret: invite already pending")
	ErrNoInvite        = errors.New("secret: no pending invite")
	ErrStaleInvite     = errors.New("secret: invite no longer valid")
	ErrNotActive       = errors.New("secret: no active session")
)

// Config bounds and times secret sessions.
type Config struct {
	InviteTTL        time.Duration `yaml:"invite_ttl"`
	MediaApprovalTTL time.Duration `yaml:"media_approval_ttl"`
	MinMessageTTL    time.Duration `yaml:"min_message_ttl"`
	MaxMessageTTL    time.Duration `yaml:"max_message_ttl"`
	MinDuration      time.Duration `yaml:"min_duration"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	ReminderLead     time.Duration `yaml:"reminder_lead"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InviteTTL:        2 * time.Minute,
		MediaApprovalTTL: 2 * time.Minute,
		MinMessageTTL:    5 * time.Second,
		MaxMessageTTL:    time.Hour,
		MinDuration:      time.Minute,
		MaxDuration:      120 * time.Minute,
		ReminderLead:     time.Minute,
	}
}

// Invite is a pending secret-mode proposal.
type Invite struct {
	Inviter   string
	Invitee   string
	TTL       time.Duration
	Duration  time.Duration
	ExpiresAt time.Time
}

// Session is an active secret session, shared by both participants.
type Session struct {
	ID        string
	A, B      string
	Inviter   string
	TTL       time.Duration // per-message self-destruct delay
	StartedAt time.Time
	ExpiresAt time.Time
}

// Other returns the participant that is not userID.
func (s Session) Other(userID string) string {
	if s.A == userID {
		return s.B
	}
	return s.A
}

// Hooks receive timer-driven transitions.
type Hooks struct {
	InviteExpired func(Invite)
	Expired       func(Session)
	Reminder      func(Session, time.Duration)
	MediaExpired  func(PendingMedia)
}

// Manager owns invites, active sessions and pending media.
type Manager struct {
	clock  clock.Clock
	timers *scheduler.Scheduler
	cfg    Config
	hooks  Hooks

	mu       sync.Mutex
	invites  map[string]Invite   // invitee -> invite
	sessions map[string]*Session // participant -> session
	media    map[string]*PendingMedia
}

// NewManager creates a Manager. Zero Config fields take their defaults.
func NewManager(c clock.Clock, timers *scheduler.Scheduler, cfg Config, hooks Hooks) *Manager {
	def := DefaultConfig()
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = def.InviteTTL
	}
	if cfg.MediaApprovalTTL <= 0 {
		cfg.MediaApprovalTTL = def.MediaApprovalTTL
	}
	if cfg.MinMessageTTL <= 0 {
		cfg.MinMessageTTL = def.MinMessageTTL
	}
	if cfg.MaxMessageTTL <= 0 {
		cfg.MaxMessageTTL = def.MaxMessageTTL
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = def.ReminderLead
	}
	return &Manager{
		clock:    c,
		timers:   timers,
		cfg:      cfg,
		hooks:    hooks,
		invites:  make(map[string]Invite),
		sessions: make(map[string]*Session),
		media:    make(map[string]*PendingMedia),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func inviteKey(invitee string) string { return "invite:" + invitee }
func expiryKey(id string) string      { return "secret:" + id }
func reminderKey(id string) string    { return "secret-remind:" + id }

// Invite records a proposal from inviter to partner. Premium and pairing
// checks are the caller's job.
func (m *Manager) Invite(inviter, partner string, ttl, duration time.Duration) (Invite, error) {
	if ttl < m.cfg.MinMessageTTL || ttl > m.cfg.MaxMessageTTL {
		return Invite{}, ErrInvalidTTL
	}
	if duration < m.cfg.MinDuration || duration > m.cfg.MaxDuration {
		return Invite{}, ErrInvalidDuration
	}

	m.mu.Lock()
	if _, ok := m.sessions[inviter]; ok {
		m.mu.Unlock()
		return Invite{}, ErrAlreadyActive
	}
	if _, ok := m.invites[partner]; ok {
		m.mu.Unlock()
		return Invite{}, ErrInvitePending
	}
	inv := Invite{
		Inviter:   inviter,
		Invitee:   partner,
		TTL:       ttl,
		Duration:  duration,
		ExpiresAt: m.clock.Now().Add(m.cfg.InviteTTL),
	}
	m.invites[partner] = inv
	m.mu.Unlock()

	m.timers.Schedule(inviteKey(partner), m.cfg.InviteTTL, func() { m.expireInvite(inv) })
	return inv, nil
}

func (m *Manager) expireInvite(inv Invite) {
	m.mu.Lock()
	cur, ok := m.invites[inv.Invitee]
	if !ok || cur != inv {
		m.mu.Unlock()
		return
	}
	delete(m.invites, inv.Invitee)
	m.mu.Unlock()

	if m.hooks.InviteExpired != nil {
		m.hooks.InviteExpired(inv)
	}
}

// Accept turns the invite addressed to acceptor into an active session. The
// invite is only honoured if acceptor is still paired with the inviter.
func (m *Manager) Accept(acceptor, currentPartner string) (Session, error) {
	m.mu.Lock()
	inv, ok := m.invites[acceptor]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNoInvite
	}
	delete(m.invites, acceptor)
	if inv.Inviter != currentPartner {
		m.mu.Unlock()
		m.timers.Cancel(inviteKey(acceptor))
		return Session{}, ErrStaleInvite
	}
	if _, busy := m.sessions[acceptor]; busy {
		m.mu.Unlock()
		m.timers.Cancel(inviteKey(acceptor))
		return Session{}, ErrAlreadyActive
	}
	if _, busy := m.sessions[inv.Inviter]; busy {
		m.mu.Unlock()
		m.timers.Cancel(inviteKey(acceptor))
		return Session{}, ErrAlreadyActive
	}

	now := m.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		A:         inv.Inviter,
		B:         acceptor,
		Inviter:   inv.Inviter,
		TTL:       inv.TTL,
		StartedAt: now,
		ExpiresAt: now.Add(inv.Duration),
	}
	m.sessions[s.A] = s
	m.sessions[s.B] = s
	out := *s
	m.mu.Unlock()

	m.timers.Cancel(inviteKey(acceptor))
	m.timers.Schedule(expiryKey(out.ID), inv.Duration, func() { m.expire(out.ID, out.A) })
	if lead := m.cfg.ReminderLead; inv.Duration > 2*lead {
		m.timers.Schedule(reminderKey(out.ID), inv.Duration-lead, func() { m.remind(out.ID, out.A) })
	}
	return out, nil
}

// Decline drops the invite addressed to invitee.
func (m *Manager) Decline(invitee string) (Invite, error) {
	m.mu.Lock()
	inv, ok := m.invites[invitee]
	if ok {
		delete(m.invites, invitee)
	}
	m.mu.Unlock()

	if !ok {
		return Invite{}, ErrNoInvite
	}
	m.timers.Cancel(inviteKey(invitee))
	return inv, nil
}

// PendingInvite returns the invite addressed to invitee, if any.
func (m *Manager) PendingInvite(invitee string) (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[invitee]
	return inv, ok
}

// ClearInvites drops every invite sent to or by userID.
func (m *Manager) ClearInvites(userID string) {
	var keys []string
	m.mu.Lock()
	for invitee, inv := range m.invites {
		if invitee == userID || inv.Inviter == userID {
			delete(m.invites, invitee)
			keys = append(keys, inviteKey(invitee))
		}
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.timers.Cancel(k)
	}
}

// Active returns userID's active session.
func (m *Manager) Active(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) / 2
}

// End tears down userID's session immediately and cancels its timers and
// pending media. It reports false if there was no session, so concurrent
// callers (manual end, pair end, auto-end) see exactly one success.
func (m *Manager) End(userID string) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}
	mediaKeys := m.removeLocked(s)
	out := *s
	m.mu.Unlock()

	m.timers.Cancel(expiryKey(out.ID))
	m.timers.Cancel(reminderKey(out.ID))
	for _, k := range mediaKeys {
		m.timers.Cancel(k)
	}
	return out, true
}

// removeLocked drops s and its pending media, returning the media timer keys
// to cancel. Caller holds m.mu.
func (m *Manager) removeLocked(s *Session) []string {
	delete(m.sessions, s.A)
	delete(m.sessions, s.B)
	var keys []string
	for key, pm := range m.media {
		if pm.SessionID == s.ID {
			delete(m.media, key)
			keys = append(keys, mediaTimerKey(key))
		}
	}
	return keys
}

// expire is the auto-end timer. It re-validates that both participants still
// share the same session before tearing it down.
func (m *Manager) expire(id, participant string) {
	m.mu.Lock()
	s, ok := m.sessions[participant]
	if !ok || s.ID != id || m.sessions[s.Other(participant)] != s {
		m.mu.Unlock()
		return
	}
	mediaKeys := m.removeLocked(s)
	out := *s
	m.mu.Unlock()

	m.timers.Cancel(reminderKey(id))
	for _, k := range mediaKeys {
		m.timers.Cancel(k)
	}
	if m.hooks.Expired != nil {
		m.hooks.Expired(out)
	}
}

func (m *Manager) remind(id, participant string) {
	m.mu.Lock()
	s, ok := m.sessions[participant]
	if !ok || s.ID != id {
		m.mu.Unlock()
		return
	}
	out := *s
	m.mu.Unlock()

	if m.hooks.Reminder != nil {
		m.hooks.Reminder(out, out.ExpiresAt.Sub(m.clock.Now()))
	}
}
