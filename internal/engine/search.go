package engine

import (
	"context"
	"errors"
	"log"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/matching"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/policy"
	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/stats"
)

func menuKey(userID string) string        { return "menu:" + userID }
func transcriptKey(pairKey string) string { return "transcript:" + pairKey }

// banned reports whether userID may not start a chat and tells them so.
// Lookup failures let the user through.
func (e *Engine) banned(ctx context.Context, userID string) bool {
	st, err := e.policy.IsBanned(ctx, userID)
	if err != nil {
		log.Printf("[engine] ban lookup for %s failed: %v", userID, err)
		return false
	}
	if st.Banned {
		e.notify(ctx, userID, textBanned(st.Remaining))
		return true
	}
	return false
}

// candidate resolves the profile and premium state of userID before any
// queue lock is taken.
func (e *Engine) candidate(ctx context.Context, userID, mode string) (matching.Candidate, error) {
	c := matching.Candidate{UserID: userID, Mode: mode}
	prof, err := e.policy.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, policy.ErrNotFound):
		prof = policy.Profile{UserID: userID}
	case err != nil:
		return c, err
	}
	c.Profile = prof

	if prof.HasAgeWindow() {
		premium, err := e.policy.HasActivePremium(ctx, userID)
		if err != nil {
			// Without premium the age window is simply not applied.
			log.Printf("[engine] premium lookup for %s failed: %v", userID, err)
		}
		c.Premium = premium
	}
	return c, nil
}

func (e *Engine) search(ctx context.Context, userID, mode string) {
	if mode == "" {
		mode = matching.ModeRandom
	}
	if e.banned(ctx, userID) {
		return
	}
	c, err := e.candidate(ctx, userID, mode)
	if err != nil {
		log.Printf("[engine] profile lookup for %s failed: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}

	res, err := e.queue.Enqueue(c)
	if err != nil {
		log.Printf("[engine] enqueue %s: %v", userID, err)
		e.notify(ctx, userID, textGenericFailure)
		return
	}
	e.timers.Cancel(menuKey(userID))

	switch res.Status {
	case matching.Queued:
		e.updateGauges()
		e.notify(ctx, userID, textSearching)
	case matching.AlreadyQueued:
		e.notify(ctx, userID, textStillSearching)
	case matching.AlreadyPaired:
		e.notify(ctx, userID, textAlreadyChatting)
	case matching.Matched:
		e.matched(ctx, userID, res)
	}
}

// matched runs after the matchmaker has paired userID with res.Partner.
// A failed introduction never undoes the pair.
func (e *Engine) matched(ctx context.Context, userID string, res matching.Result) {
	partner := res.Partner
	e.timers.Cancel(menuKey(userID))
	e.timers.Cancel(menuKey(partner))
	e.timers.Cancel(transcriptKey(chat.PairKey(userID, partner)))
	e.transcripts.Drop(chat.PairKey(userID, partner))

	metrics.MatchWait.Observe(res.Waited.Seconds())
	e.updateGauges()
	log.Printf("[engine] matched %s with %s (sticky=%v, waited=%s)", userID, partner, res.Sticky, res.Waited)

	intro := textMatched
	if res.Sticky {
		intro = textRematched
	}
	e.notify(ctx, partner, intro)
	e.notify(ctx, userID, intro)

	e.stats.Dialog(ctx, stats.DialogEvent{
		A:      partner,
		B:      userID,
		Sticky: res.Sticky,
		WaitMs: res.Waited.Milliseconds(),
		At:     e.clock.Now().UnixMilli(),
	})
}

func (e *Engine) cancelSearch(ctx context.Context, userID string) {
	if !e.queue.Cancel(userID) {
		e.notify(ctx, userID, textNotSearching)
		return
	}
	e.updateGauges()
	e.notify(ctx, userID, textSearchCancelled)
}

// showMenu offers the next steps after a chat ends, at most once per
// MenuDedupe per user.
func (e *Engine) showMenu(ctx context.Context, userID string) {
	key := menuKey(userID)
	if e.timers.Pending(key) {
		return
	}
	e.timers.Schedule(key, e.cfg.MenuDedupe, func() {})
	e.notify(ctx, userID, textMenu,
		button(labelSearch, protocol.VerbSearch, matching.ModeRandom),
		button(labelSearchFiltered, protocol.VerbSearch, matching.ModeFiltered),
		button(labelRematch, protocol.VerbRematch, ""),
	)
}

// ---------------------------------------------------------------------------
// Sticky rematch
// ---------------------------------------------------------------------------

// rematch records userID's wish to chat again with their last partner. When
// the wish is mutual both are routed into the queue, where the matchmaker
// pairs them ahead of everyone else.
func (e *Engine) rematch(ctx context.Context, userID string) {
	if e.pairs.InChat(userID) {
		e.notify(ctx, userID, textAlreadyChatting)
		return
	}
	target, ok := e.pairs.LastPartner(userID)
	if !ok {
		e.notify(ctx, userID, textRematchNoPartner)
		return
	}
	if e.banned(ctx, userID) {
		return
	}

	if !e.queue.Intend(userID, target) {
		e.notify(ctx, userID, textRematchRequested)
		e.notify(ctx, target, textRematchOffer,
			button(labelAccept, protocol.VerbRematch, ""),
			button(labelDecline, protocol.VerbRematchDecline, ""),
		)
		return
	}

	// Mutual: queue userID, held for target, then bring target in if they
	// are idle.
	e.search(ctx, userID, matching.ModeRandom)
	if !e.queue.Queued(userID) {
		return
	}
	if e.pairs.InChat(target) {
		e.notify(ctx, userID, textRematchWaiting)
		return
	}
	if !e.queue.Queued(target) {
		e.search(ctx, target, matching.ModeRandom)
	}
}

func (e *Engine) rematchDecline(ctx context.Context, userID string) {
	requester, ok := e.pairs.LastPartner(userID)
	if !ok || !e.queue.Withdraw(requester, userID) {
		e.notify(ctx, userID, textStaleAction)
		return
	}
	e.notify(ctx, requester, textRematchDeclined)
}
