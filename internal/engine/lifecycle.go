package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/policy"
)

// EndPair dissolves userID's pair. It ends any secret session, drops
// pending invites and menus, keeps the transcript for the last-partner
// grace window and optionally tells the partner. It returns the former
// partner; a second call is a no-op.
func (e *Engine) EndPair(ctx context.Context, userID string, notifyPartner bool) (string, bool) {
	partner, ok := e.pairs.End(userID)
	if !ok {
		return "", false
	}
	if sess, ok := e.secrets.End(userID); ok {
		log.Printf("[engine] secret session %s ended with its pair", sess.ID)
	}
	e.secrets.ClearInvites(userID)
	e.secrets.ClearInvites(partner)
	e.timers.Cancel(menuKey(userID))
	e.timers.Cancel(menuKey(partner))

	key := chat.PairKey(userID, partner)
	e.timers.Schedule(transcriptKey(key), e.cfg.LastPartnerGrace, func() {
		e.transcripts.Drop(key)
	})
	e.updateGauges()
	log.Printf("[engine] pair %s/%s ended by %s", userID, partner, userID)

	if notifyPartner {
		e.notify(ctx, partner, textPartnerLeft)
		e.showMenu(ctx, partner)
	}
	return partner, true
}

func (e *Engine) endChat(ctx context.Context, userID string) {
	if _, ok := e.EndPair(ctx, userID, true); !ok {
		if e.queue.Cancel(userID) {
			e.updateGauges()
			e.notify(ctx, userID, textSearchCancelled)
			return
		}
		e.notify(ctx, userID, textNotInChat)
		return
	}
	e.notify(ctx, userID, textChatEnded)
	e.showMenu(ctx, userID)
}

// disconnect runs when the user's last connection closed.
func (e *Engine) disconnect(ctx context.Context, userID string) {
	if e.queue.Cancel(userID) {
		e.updateGauges()
	}
	e.EndPair(ctx, userID, true)
	e.secrets.ClearInvites(userID)
}

// unreachable is the dispatcher's permanent-failure hook.
func (e *Engine) unreachable(userID string) {
	log.Printf("[engine] %s is unreachable, tearing down", userID)
	e.disconnect(context.Background(), userID)
}

// kick removes a freshly banned user from the queue and their chat.
func (e *Engine) kick(userID string) {
	ctx := context.Background()
	if e.queue.Cancel(userID) {
		e.updateGauges()
	}
	e.EndPair(ctx, userID, true)
}

// AutoBanned tells userID about a ban issued outside the relay and removes
// them from the shard.
func (e *Engine) AutoBanned(userID string, d time.Duration) {
	e.notify(context.Background(), userID, textAutoBanned(d))
	e.kick(userID)
}

// counterpart is the current partner of userID, or the last partner within
// the grace window.
func (e *Engine) counterpart(userID string) (partner string, current bool, ok bool) {
	if p, ok := e.pairs.PartnerOf(userID); ok {
		return p, true, true
	}
	p, ok := e.pairs.LastPartner(userID)
	return p, false, ok
}

// report files an abuse report against the current or last partner. It does
// not end the chat. Secret chats are reported without a transcript.
func (e *Engine) report(ctx context.Context, userID, reason string) {
	target, current, ok := e.counterpart(userID)
	if !ok {
		e.notify(ctx, userID, textNothingToReport)
		return
	}
	if !e.reports.mark(userID, target, e.clock.Now()) {
		e.notify(ctx, userID, textAlreadyReported)
		return
	}
	secretMode := false
	if current {
		if sess, ok := e.secrets.Active(userID); ok && sess.Other(userID) == target {
			secretMode = true
		}
	}

	r := policy.Report{
		ReporterID: userID,
		ReportedID: target,
		Reason:     reason,
		Secret:     secretMode,
	}
	if !secretMode {
		r.Transcript = e.transcripts.Snapshot(chat.PairKey(userID, target))
	}
	if err := e.policy.RecordReport(ctx, r); err != nil {
		if errors.Is(err, policy.ErrDuplicateReport) {
			e.notify(ctx, userID, textAlreadyReported)
			return
		}
		e.reports.unmark(userID, target)
		log.Printf("[engine] report by %s failed: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}
	log.Printf("[engine] %s reported %s reason=%s secret=%v", userID, target, reason, secretMode)
	e.notify(ctx, userID, textReported)
}

func (e *Engine) rate(ctx context.Context, userID string, value int) {
	target, _, ok := e.counterpart(userID)
	if !ok {
		e.notify(ctx, userID, textNothingToRate)
		return
	}
	if err := e.policy.RecordRating(ctx, userID, target, value); err != nil {
		log.Printf("[engine] rating by %s failed: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}
	e.notify(ctx, userID, textRated)
}
