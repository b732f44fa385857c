package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/secret"
)

func (e *Engine) secretInvite(ctx context.Context, userID string, c protocol.SecretInvite) {
	partner, ok := e.pairs.PartnerOf(userID)
	if !ok {
		e.notify(ctx, userID, textNotInChat)
		return
	}
	premium, err := e.policy.HasActivePremium(ctx, userID)
	if err != nil {
		log.Printf("[engine] premium lookup for %s failed: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}
	if !premium {
		e.notify(ctx, userID, textSecretPremium)
		return
	}

	ttl := time.Duration(c.TTLSeconds) * time.Second
	duration := time.Duration(c.DurationMinutes) * time.Minute
	inv, err := e.secrets.Invite(userID, partner, ttl, duration)
	switch {
	case errors.Is(err, secret.ErrInvalidTTL):
		e.notify(ctx, userID, textSecretBadTTL)
		return
	case errors.Is(err, secret.ErrInvalidDuration):
		e.notify(ctx, userID, textSecretBadDuration)
		return
	case errors.Is(err, secret.ErrAlreadyActive):
		e.notify(ctx, userID, textSecretAlreadyActive)
		return
	case errors.Is(err, secret.ErrInvitePending):
		e.notify(ctx, userID, textSecretInvitePending)
		return
	case err != nil:
		log.Printf("[engine] secret invite by %s: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}

	e.notify(ctx, userID, textSecretInviteSent)
	e.notify(ctx, partner, textSecretInvite(inv.TTL, inv.Duration),
		button(labelAccept, protocol.VerbSecretAccept, ""),
		button(labelDecline, protocol.VerbSecretDecline, ""),
	)
}

func (e *Engine) secretAccept(ctx context.Context, userID string) {
	partner, _ := e.pairs.PartnerOf(userID)
	sess, err := e.secrets.Accept(userID, partner)
	switch {
	case errors.Is(err, secret.ErrAlreadyActive):
		e.notify(ctx, userID, textSecretAlreadyActive)
		return
	case err != nil:
		e.notify(ctx, userID, textStaleAction)
		return
	}

	e.updateGauges()
	log.Printf("[engine] secret session %s started (ttl=%s, until=%s)", sess.ID, sess.TTL, sess.ExpiresAt.Format(time.RFC3339))
	text := textSecretStarted(sess.TTL, sess.ExpiresAt.Sub(sess.StartedAt))
	e.notify(ctx, sess.A, text)
	e.notify(ctx, sess.B, text)
}

func (e *Engine) secretDecline(ctx context.Context, userID string) {
	inv, err := e.secrets.Decline(userID)
	if err != nil {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	e.notify(ctx, userID, textSecretDeclinedSelf)
	e.notify(ctx, inv.Inviter, textSecretDeclined)
}

func (e *Engine) secretEnd(ctx context.Context, userID string) {
	sess, ok := e.secrets.End(userID)
	if !ok {
		e.notify(ctx, userID, textSecretNotActive)
		return
	}
	e.updateGauges()
	e.notify(ctx, sess.A, textSecretEnded)
	e.notify(ctx, sess.B, textSecretEnded)
}

// ---------------------------------------------------------------------------
// Media consent
// ---------------------------------------------------------------------------

func (e *Engine) mediaSend(ctx context.Context, userID, token string) {
	pm, err := e.secrets.ConfirmMedia(userID, token)
	if err != nil {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	e.relay.OfferMedia(ctx, pm)
	e.notify(ctx, userID, textMediaAwaiting)
}

func (e *Engine) mediaCancel(ctx context.Context, userID, token string) {
	if _, err := e.secrets.CancelMedia(userID, token); err != nil {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	e.notify(ctx, userID, textMediaCancelled)
}

func (e *Engine) mediaView(ctx context.Context, userID, token string) {
	sender, ok := e.pairs.PartnerOf(userID)
	if !ok {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	pm, err := e.secrets.ViewMedia(userID, sender, token)
	if err != nil || !e.relay.DeliverMedia(ctx, pm) {
		e.notify(ctx, userID, textStaleAction)
	}
}

func (e *Engine) mediaReject(ctx context.Context, userID, token string) {
	sender, ok := e.pairs.PartnerOf(userID)
	if !ok {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	pm, err := e.secrets.RejectMedia(userID, sender, token)
	if err != nil {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	e.notify(ctx, userID, textMediaRejected)
	e.notify(ctx, pm.Sender, textMediaDeclined)
}

// ---------------------------------------------------------------------------
// Secret hooks, called from timers
// ---------------------------------------------------------------------------

func (e *Engine) onInviteExpired(inv secret.Invite) {
	e.notify(context.Background(), inv.Inviter, textSecretInviteExpired)
}

func (e *Engine) onSecretExpired(sess secret.Session) {
	ctx := context.Background()
	e.updateGauges()
	log.Printf("[engine] secret session %s expired", sess.ID)
	e.notify(ctx, sess.A, textSecretExpired)
	e.notify(ctx, sess.B, textSecretExpired)
}

func (e *Engine) onSecretReminder(sess secret.Session, left time.Duration) {
	ctx := context.Background()
	e.notify(ctx, sess.A, textSecretReminder(left))
	e.notify(ctx, sess.B, textSecretReminder(left))
}

func (e *Engine) onMediaExpired(pm secret.PendingMedia) {
	e.notify(context.Background(), pm.Sender, textMediaExpired)
}
