package secret

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/anonchat/internal/chat"
)

var (
	ErrNoMedia   = errors.New("secret: no pending media")
	ErrWrongStep = errors.New("secret: media approval out of order")
)

// MediaStage is where a pending media message sits in the consent flow.
type MediaStage int

const (
	// AwaitSender: the sender has been told screenshots cannot be blocked
	// and must confirm.
	AwaitSender MediaStage = iota
	// AwaitRecipient: the recipient must agree to view it.
	AwaitRecipient
)

// PendingMedia is a non-text secret-mode message held until both parties
// consent. Token identifies it in button data.
type PendingMedia struct {
	Token     string
	SessionID string
	Sender    string
	Recipient string
	Payload   chat.Payload
	TTL       time.Duration
	Stage     MediaStage
}

func mediaKey(sender, token string) string { return sender + ":" + token }
func mediaTimerKey(key string) string      { return "media:" + key }

// HoldMedia intercepts a media payload sent during sender's active session.
func (m *Manager) HoldMedia(sender string, p chat.Payload) (PendingMedia, error) {
	m.mu.Lock()
	s, ok := m.sessions[sender]
	if !ok {
		m.mu.Unlock()
		return PendingMedia{}, ErrNotActive
	}
	pm := &PendingMedia{
		Token:     shortToken(),
		SessionID: s.ID,
		Sender:    sender,
		Recipient: s.Other(sender),
		Payload:   p,
		TTL:       s.TTL,
		Stage:     AwaitSender,
	}
	key := mediaKey(sender, pm.Token)
	m.media[key] = pm
	out := *pm
	m.mu.Unlock()

	m.scheduleMediaTimeout(key, out.Token)
	return out, nil
}

// ConfirmMedia records the sender's consent and moves the media to the
// recipient step. The approval timeout restarts.
func (m *Manager) ConfirmMedia(sender, token string) (PendingMedia, error) {
	key := mediaKey(sender, token)

	m.mu.Lock()
	pm, ok := m.media[key]
	if !ok {
		m.mu.Unlock()
		return PendingMedia{}, ErrNoMedia
	}
	if pm.Stage != AwaitSender {
		m.mu.Unlock()
		return PendingMedia{}, ErrWrongStep
	}
	pm.Stage = AwaitRecipient
	out := *pm
	m.mu.Unlock()

	m.scheduleMediaTimeout(key, token)
	return out, nil
}

// CancelMedia lets the sender withdraw pending media at either step.
func (m *Manager) CancelMedia(sender, token string) (PendingMedia, error) {
	return m.takeMedia(mediaKey(sender, token), func(pm *PendingMedia) error { return nil })
}

// ViewMedia records the recipient's consent and releases the media for
// forwarding. sender is the recipient's current partner.
func (m *Manager) ViewMedia(recipient, sender, token string) (PendingMedia, error) {
	return m.takeMedia(mediaKey(sender, token), func(pm *PendingMedia) error {
		if pm.Recipient != recipient {
			return ErrNoMedia
		}
		if pm.Stage != AwaitRecipient {
			return ErrWrongStep
		}
		return nil
	})
}

// RejectMedia destroys the media at the recipient's request.
func (m *Manager) RejectMedia(recipient, sender, token string) (PendingMedia, error) {
	return m.takeMedia(mediaKey(sender, token), func(pm *PendingMedia) error {
		if pm.Recipient != recipient || pm.Stage != AwaitRecipient {
			return ErrNoMedia
		}
		return nil
	})
}

func (m *Manager) takeMedia(key string, check func(*PendingMedia) error) (PendingMedia, error) {
	m.mu.Lock()
	pm, ok := m.media[key]
	if !ok {
		m.mu.Unlock()
		return PendingMedia{}, ErrNoMedia
	}
	if err := check(pm); err != nil {
		m.mu.Unlock()
		return PendingMedia{}, err
	}
	delete(m.media, key)
	out := *pm
	m.mu.Unlock()

	m.timers.Cancel(mediaTimerKey(key))
	return out, nil
}

// PendingMediaCount returns how many media messages await consent.
func (m *Manager) PendingMediaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.media)
}

func (m *Manager) scheduleMediaTimeout(key, token string) {
	m.timers.Schedule(mediaTimerKey(key), m.cfg.MediaApprovalTTL, func() {
		m.mu.Lock()
		pm, ok := m.media[key]
		if !ok || pm.Token != token {
			m.mu.Unlock()
			return
		}
		delete(m.media, key)
		out := *pm
		m.mu.Unlock()

		if m.hooks.MediaExpired != nil {
			m.hooks.MediaExpired(out)
		}
	})
}

func shortToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
