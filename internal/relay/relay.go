// Package relay gates and forwards user messages between paired users:
// secret-mode restrictions, forwarding opt-in, premium media, moderation with
// a strike ladder, and self-destruct scheduling.
package relay

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/moderation"
	"github.com/whisper/anonchat/internal/pairing"
	"github.com/whisper/anonchat/internal/policy"
	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/scheduler"
	"github.com/whisper/anonchat/internal/secret"
	"github.com/whisper/anonchat/internal/stats"
)

// Sender is the dispatcher as the relay sees it.
type Sender interface {
	Send(ctx context.Context, userID string, msg chat.Outbound) (string, error)
	Erase(ctx context.Context, userID, messageID string)
}

// Outcome is what happened to one relayed payload.
type Outcome int

const (
	Dropped   Outcome = iota // sender has no partner
	Delivered                // forwarded to the partner
	Held                     // waiting for media consent
	Rejected                 // refused by secret-mode or forwarding rules
	Upsell                   // media without premium
	Blocked                  // moderation block
	Failed                   // dispatch did not deliver
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Delivered:
		return "delivered"
	case Held:
		return "held"
	case Rejected:
		return "rejected"
	case Upsell:
		return "upsell"
	case Blocked:
		return "blocked"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps are the collaborators of a Relay.
type Deps struct {
	Clock       clock.Clock
	Pairs       *pairing.Registry
	Secrets     *secret.Manager
	Policy      policy.Gateway
	Classifier  moderation.Classifier
	Strikes     moderation.Strikes
	Sender      Sender
	Timers      *scheduler.Scheduler
	Transcripts *chat.Transcripts
	Stats       stats.Recorder
	StrikeCfg   moderation.StrikeConfig

	// OnBan ends the banned user's chat. It runs after the ban is stored.
	OnBan func(userID string)
}

// Relay forwards messages between partners.
type Relay struct {
	d Deps

	eraseSeq atomic.Uint64
}

// New creates a Relay.
func New(d Deps) *Relay {
	def := moderation.DefaultStrikeConfig()
	if d.StrikeCfg.Threshold <= 0 {
		d.StrikeCfg.Threshold = def.Threshold
	}
	if d.StrikeCfg.BanDuration <= 0 {
		d.StrikeCfg.BanDuration = def.BanDuration
	}
	if d.Stats == nil {
		d.Stats = stats.Discard{}
	}
	return &Relay{d: d}
}

// Relay runs one payload from sender through the pipeline.
func (r *Relay) Relay(ctx context.Context, sender string, p chat.Payload) Outcome {
	out := r.relay(ctx, sender, p)
	metrics.MessagesTotal.WithLabelValues(out.String()).Inc()
	return out
}

func (r *Relay) relay(ctx context.Context, sender string, p chat.Payload) Outcome {
	partner, ok := r.d.Pairs.PartnerOf(sender)
	if !ok {
		return Dropped
	}

	sess, secretMode := r.d.Secrets.Active(sender)
	if secretMode && sess.Other(sender) != partner {
		secretMode = false
	}

	if secretMode && (p.Forwarded || p.Quoted) {
		r.notify(ctx, sender, chat.Notice(textSecretNoForward))
		return Rejected
	}
	if !secretMode && p.Forwarded {
		prof, err := r.d.Policy.GetProfile(ctx, sender)
		if err != nil && !errors.Is(err, policy.ErrNotFound) {
			log.Printf("[relay] profile lookup for %s failed: %v", sender, err)
			r.notify(ctx, sender, chat.Notice(textTryAgain))
			return Rejected
		}
		if !prof.AllowForward {
			r.notify(ctx, sender, chat.Notice(textForwardDisabled))
			return Rejected
		}
	}

	if p.Kind.IsMedia() {
		premium, err := r.d.Policy.HasActivePremium(ctx, sender)
		if err != nil {
			log.Printf("[relay] premium lookup for %s failed: %v", sender, err)
			r.notify(ctx, sender, chat.Notice(textTryAgain))
			return Rejected
		}
		if !premium {
			r.notify(ctx, sender, chat.Notice(textMediaPremium))
			return Upsell
		}
	}

	var caution string
	if p.Text != "" {
		verdict, err := r.d.Classifier.Classify(ctx, sender, p.Text)
		switch {
		case err != nil:
			// No verdict: deliver unscreened.
			metrics.ModerationTotal.WithLabelValues("error").Inc()
			log.Printf("[relay] moderation unavailable for %s: %v", sender, err)
		case verdict.Action == moderation.Block:
			metrics.ModerationTotal.WithLabelValues(verdict.Action.String()).Inc()
			log.Printf("[relay] blocked message from %s reason=%s", sender, verdict.Reason)
			r.strike(ctx, sender)
			return Blocked
		case verdict.Action == moderation.SoftWarn:
			metrics.ModerationTotal.WithLabelValues(verdict.Action.String()).Inc()
			caution = textCaution(verdict.Note)
		default:
			metrics.ModerationTotal.WithLabelValues(verdict.Action.String()).Inc()
		}
	}

	if secretMode && p.Kind.IsMedia() {
		return r.hold(ctx, sender, p)
	}

	if !r.deliver(ctx, sender, partner, p, sess, secretMode) {
		return Failed
	}
	if caution != "" {
		r.notify(ctx, sender, chat.Notice(caution))
	}
	return Delivered
}

// deliver sends p to partner and handles the per-mode bookkeeping.
func (r *Relay) deliver(ctx context.Context, sender, partner string, p chat.Payload, sess secret.Session, secretMode bool) bool {
	id, err := r.d.Sender.Send(ctx, partner, chat.FromPayload(p, secretMode))
	if err != nil {
		log.Printf("[relay] delivery %s -> %s failed: %v", sender, partner, err)
		return false
	}

	now := r.d.Clock.Now()
	if secretMode {
		r.scheduleErase(partner, id, sess.TTL)
		r.scheduleErase(sender, p.ID, sess.TTL)
	} else {
		text := p.Text
		if p.Kind.IsMedia() {
			text = "[" + string(p.Kind) + "] " + text
		}
		r.d.Transcripts.Add(chat.PairKey(sender, partner), chat.Line{From: sender, Text: text, Ts: now.UnixMilli()})
	}

	r.d.Stats.Message(ctx, stats.MessageEvent{
		Sender: sender,
		Kind:   string(p.Kind),
		Secret: secretMode,
		At:     now.UnixMilli(),
	})
	return true
}

func (r *Relay) hold(ctx context.Context, sender string, p chat.Payload) Outcome {
	pm, err := r.d.Secrets.HoldMedia(sender, p)
	if err != nil {
		// The session ended between the check and the hold.
		r.notify(ctx, sender, chat.Notice(textTryAgain))
		return Rejected
	}
	r.notify(ctx, sender, chat.Notice(textMediaDisclaimer,
		chat.Button{Label: labelSend, Action: protocol.NewAction(protocol.VerbMediaSend, pm.Token).String()},
		chat.Button{Label: labelCancel, Action: protocol.NewAction(protocol.VerbMediaCancel, pm.Token).String()},
	))
	return Held
}

// OfferMedia asks the recipient to approve media the sender has confirmed.
func (r *Relay) OfferMedia(ctx context.Context, pm secret.PendingMedia) {
	r.notify(ctx, pm.Recipient, chat.Notice(textMediaOffer,
		chat.Button{Label: labelView, Action: protocol.NewAction(protocol.VerbMediaView, pm.Token).String()},
		chat.Button{Label: labelReject, Action: protocol.NewAction(protocol.VerbMediaReject, pm.Token).String()},
	))
}

// DeliverMedia forwards approved media as protected content and schedules
// both copies for erasure. It reports false when the pair or session is gone.
func (r *Relay) DeliverMedia(ctx context.Context, pm secret.PendingMedia) bool {
	partner, ok := r.d.Pairs.PartnerOf(pm.Sender)
	if !ok || partner != pm.Recipient {
		return false
	}
	sess, ok := r.d.Secrets.Active(pm.Sender)
	if !ok || sess.ID != pm.SessionID {
		return false
	}
	ok = r.deliver(ctx, pm.Sender, pm.Recipient, pm.Payload, sess, true)
	if ok {
		metrics.MessagesTotal.WithLabelValues(Delivered.String()).Inc()
	}
	return ok
}

// eraseKey is unique per scheduled erase, so a client reusing a message ID
// cannot replace the timer of an earlier copy.
func (r *Relay) eraseKey(userID string) string {
	return "erase:" + userID + ":" + strconv.FormatUint(r.eraseSeq.Add(1), 10)
}

// scheduleErase deletes one delivered copy after ttl. Best effort.
func (r *Relay) scheduleErase(userID, messageID string, ttl time.Duration) {
	if messageID == "" {
		log.Printf("[relay] no message id to erase for %s", userID)
		return
	}
	r.d.Timers.Schedule(r.eraseKey(userID), ttl, func() {
		r.d.Sender.Erase(context.Background(), userID, messageID)
	})
}

// strike counts a violation and escalates to a ban at the threshold. A
// failing strike store keeps the block but skips escalation.
func (r *Relay) strike(ctx context.Context, userID string) {
	cfg := r.d.StrikeCfg
	n, err := r.d.Strikes.Add(ctx, userID)
	if err != nil {
		log.Printf("[relay] strike store failed for %s: %v", userID, err)
		r.notify(ctx, userID, chat.Notice(textBlockedNoCount))
		return
	}
	if n < cfg.Threshold {
		r.notify(ctx, userID, chat.Notice(textBlockedWarning(cfg.Threshold-n)))
		return
	}

	if err := r.d.Policy.Ban(ctx, userID, cfg.BanDuration, strikeReasonModerate); err != nil {
		log.Printf("[relay] ban %s failed: %v", userID, err)
		r.notify(ctx, userID, chat.Notice(textBlockedNoCount))
		return
	}
	if err := r.d.Strikes.Reset(ctx, userID); err != nil {
		log.Printf("[relay] strike reset for %s failed: %v", userID, err)
	}
	metrics.BansTotal.WithLabelValues("strikes").Inc()
	log.Printf("[relay] %s banned for %s after %d strikes", userID, cfg.BanDuration, n)

	r.notify(ctx, userID, chat.Notice(textBanned(cfg.BanDuration)))
	if r.d.OnBan != nil {
		r.d.OnBan(userID)
	}
}

func (r *Relay) notify(ctx context.Context, userID string, msg chat.Outbound) {
	if _, err := r.d.Sender.Send(ctx, userID, msg); err != nil {
		log.Printf("[relay] notice to %s not delivered: %v", userID, err)
	}
}
