package secret

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/scheduler"
)

type recorder struct {
	mu       sync.Mutex
	expired  []Session
	invites  []Invite
	reminded []time.Duration
	media    []PendingMedia
}

func newTestManager() (*Manager, *clock.FakeClock, *recorder) {
	c := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	hooks := Hooks{
		InviteExpired: func(inv Invite) {
			rec.mu.Lock()
			rec.invites = append(rec.invites, inv)
			rec.mu.Unlock()
		},
		Expired: func(s Session) {
			rec.mu.Lock()
			rec.expired = append(rec.expired, s)
			rec.mu.Unlock()
		},
		Reminder: func(_ Session, left time.Duration) {
			rec.mu.Lock()
			rec.reminded = append(rec.reminded, left)
			rec.mu.Unlock()
		},
		MediaExpired: func(pm PendingMedia) {
			rec.mu.Lock()
			rec.media = append(rec.media, pm)
			rec.mu.Unlock()
		},
	}
	return NewManager(c, scheduler.New(c), DefaultConfig(), hooks), c, rec
}

func startSession(t *testing.T, m *Manager, ttl, dur time.Duration) Session {
	t.Helper()
	if _, err := m.Invite("a", "b", ttl, dur); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	s, err := m.Accept("b", "a")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return s
}

func TestInvite_Bounds(t *testing.T) {
	m, _, _ := newTestManager()
	tests := []struct {
		ttl, dur time.Duration
		want     error
	}{
		{4 * time.Second, 10 * time.Minute, ErrInvalidTTL},
		{3601 * time.Second, 10 * time.Minute, ErrInvalidTTL},
		{30 * time.Second, 30 * time.Second, ErrInvalidDuration},
		{30 * time.Second, 121 * time.Minute, ErrInvalidDuration},
		{5 * time.Second, time.Minute, nil},
	}
	for _, tt := range tests {
		_, err := m.Invite("a", "b", tt.ttl, tt.dur)
		if !errors.Is(err, tt.want) {
			t.Errorf("Invite(ttl=%s, dur=%s) error = %v, want %v", tt.ttl, tt.dur, err, tt.want)
		}
	}
}

func TestInvite_SecondInviteRejected(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); !errors.Is(err, ErrInvitePending) {
		t.Errorf("duplicate invite error = %v", err)
	}
}

func TestAccept_CreatesMirroredSession(t *testing.T) {
	m, c, _ := newTestManager()
	s := startSession(t, m, 30*time.Second, 10*time.Minute)

	if s.Inviter != "a" || s.Other("a") != "b" || s.Other("b") != "a" {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.ExpiresAt.Equal(c.Now().Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", s.ExpiresAt)
	}
	sa, okA := m.Active("a")
	sb, okB := m.Active("b")
	if !okA || !okB || sa.ID != sb.ID || sa.ID != s.ID {
		t.Fatal("both sides must see the same session")
	}
}

func TestAccept_StaleWhenPartnerChanged(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Accept("b", "c"); !errors.Is(err, ErrStaleInvite) {
		t.Fatalf("Accept with new partner error = %v, want ErrStaleInvite", err)
	}
	if _, err := m.Accept("b", "a"); !errors.Is(err, ErrNoInvite) {
		t.Errorf("stale invite must be consumed, got %v", err)
	}
}

func TestInvite_Expires(t *testing.T) {
	m, c, rec := newTestManager()
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	c.Advance(DefaultConfig().InviteTTL)

	if _, err := m.Accept("b", "a"); !errors.Is(err, ErrNoInvite) {
		t.Errorf("expired invite accepted: %v", err)
	}
	if len(rec.invites) != 1 {
		t.Errorf("InviteExpired fired %d times, want 1", len(rec.invites))
	}
}

func TestDecline(t *testing.T) {
	m, c, rec := newTestManager()
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	inv, err := m.Decline("b")
	if err != nil || inv.Inviter != "a" {
		t.Fatalf("Decline = %+v, %v", inv, err)
	}
	c.Advance(time.Hour)
	if len(rec.invites) != 0 {
		t.Error("declined invite must not fire an expiry")
	}
	if _, err := m.Decline("b"); !errors.Is(err, ErrNoInvite) {
		t.Errorf("second Decline error = %v", err)
	}
}

func TestAutoEnd_SingleNotice(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	c.Advance(10 * time.Minute)
	if len(rec.expired) != 1 {
		t.Fatalf("Expired fired %d times, want 1", len(rec.expired))
	}
	if _, ok := m.Active("a"); ok {
		t.Error("session should be gone")
	}
	if _, ok := m.End("a"); ok {
		t.Error("End after auto-end must report nothing")
	}
	c.Advance(time.Hour)
	if len(rec.expired) != 1 {
		t.Errorf("Expired fired again: %d", len(rec.expired))
	}
}

func TestManualEnd_CancelsAutoEnd(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	c.Advance(5 * time.Minute)
	if _, ok := m.End("b"); !ok {
		t.Fatal("End should succeed")
	}
	if _, ok := m.End("a"); ok {
		t.Error("second End from the other side must be a no-op")
	}
	c.Advance(time.Hour)
	if len(rec.expired) != 0 {
		t.Errorf("auto-end fired after manual end: %d", len(rec.expired))
	}
}

func TestManualEndRacingExpiry(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	var wg sync.WaitGroup
	var manual int
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Advance(10 * time.Minute)
	}()
	go func() {
		defer wg.Done()
		if _, ok := m.End("a"); ok {
			manual = 1
		}
	}()
	wg.Wait()

	rec.mu.Lock()
	auto := len(rec.expired)
	rec.mu.Unlock()
	if manual+auto != 1 {
		t.Fatalf("manual=%d auto=%d, exactly one teardown expected", manual, auto)
	}
}

func TestReminder(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	c.Advance(9 * time.Minute)
	if len(rec.reminded) != 1 || rec.reminded[0] != time.Minute {
		t.Fatalf("reminders = %v, want [1m]", rec.reminded)
	}
}

func TestReminder_SkippedForShortSessions(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 2*time.Minute)

	c.Advance(2 * time.Minute)
	if len(rec.reminded) != 0 {
		t.Errorf("short session got reminders: %v", rec.reminded)
	}
	if len(rec.expired) != 1 {
		t.Errorf("short session should still expire")
	}
}

func TestClearInvites(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.Invite("a", "b", 30*time.Second, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	m.ClearInvites("a")
	if _, ok := m.PendingInvite("b"); ok {
		t.Error("invite from a should be cleared")
	}
}

// ---------------------------------------------------------------------------
// Media consent
// ---------------------------------------------------------------------------

func photo() chat.Payload {
	return chat.Payload{ID: "m1", Kind: chat.KindPhoto, MediaRef: "file-1"}
}

func TestMedia_FullApproval(t *testing.T) {
	m, _, _ := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	pm, err := m.HoldMedia("a", photo())
	if err != nil {
		t.Fatalf("HoldMedia: %v", err)
	}
	if pm.Recipient != "b" || pm.TTL != 30*time.Second || pm.Stage != AwaitSender {
		t.Fatalf("unexpected pending media %+v", pm)
	}
	if _, err := m.ViewMedia("b", "a", pm.Token); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("recipient view before sender confirm error = %v", err)
	}
	if _, err := m.ConfirmMedia("a", pm.Token); err != nil {
		t.Fatalf("ConfirmMedia: %v", err)
	}
	got, err := m.ViewMedia("b", "a", pm.Token)
	if err != nil {
		t.Fatalf("ViewMedia: %v", err)
	}
	if got.Payload.MediaRef != "file-1" {
		t.Errorf("released payload %+v", got.Payload)
	}
	if m.PendingMediaCount() != 0 {
		t.Error("approved media must be removed")
	}
}

func TestMedia_RecipientDeclineDestroys(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	pm, _ := m.HoldMedia("a", photo())
	if _, err := m.ConfirmMedia("a", pm.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RejectMedia("b", "a", pm.Token); err != nil {
		t.Fatalf("RejectMedia: %v", err)
	}
	if _, err := m.ViewMedia("b", "a", pm.Token); !errors.Is(err, ErrNoMedia) {
		t.Errorf("view after reject error = %v", err)
	}
	c.Advance(time.Hour)
	if len(rec.media) != 0 {
		t.Error("rejected media must not time out later")
	}
}

func TestMedia_SenderCancel(t *testing.T) {
	m, _, _ := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	pm, _ := m.HoldMedia("a", photo())
	if _, err := m.CancelMedia("a", pm.Token); err != nil {
		t.Fatalf("CancelMedia: %v", err)
	}
	if _, err := m.ConfirmMedia("a", pm.Token); !errors.Is(err, ErrNoMedia) {
		t.Errorf("confirm after cancel error = %v", err)
	}
}

func TestMedia_Timeout(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	pm, _ := m.HoldMedia("a", photo())
	c.Advance(DefaultConfig().MediaApprovalTTL)
	if len(rec.media) != 1 || rec.media[0].Token != pm.Token {
		t.Fatalf("MediaExpired = %+v", rec.media)
	}
	if _, err := m.ConfirmMedia("a", pm.Token); !errors.Is(err, ErrNoMedia) {
		t.Errorf("confirm after timeout error = %v", err)
	}
}

func TestMedia_DroppedWhenSessionEnds(t *testing.T) {
	m, c, rec := newTestManager()
	startSession(t, m, 30*time.Second, 10*time.Minute)

	m.HoldMedia("a", photo())
	m.End("a")
	if m.PendingMediaCount() != 0 {
		t.Error("ending the session must drop pending media")
	}
	c.Advance(time.Hour)
	if len(rec.media) != 0 {
		t.Error("dropped media must not fire a timeout")
	}
}

func TestMedia_RequiresSession(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.HoldMedia("a", photo()); !errors.Is(err, ErrNotActive) {
		t.Errorf("HoldMedia without session error = %v", err)
	}
}
