// Package engine wires the matchmaker, pair registry, secret sessions, relay
// and dispatcher into one command handler per shard.
//
// Every inbound command goes through Handle, which recovers panics so one
// bad command never takes the shard down. Timer callbacks (secret expiry,
// media approval timeouts, menus) enter the engine through the secret hooks
// and the scheduler, never while a structural lock is held.
package engine

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/dispatch"
	"github.com/whisper/anonchat/internal/matching"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/moderation"
	"github.com/whisper/anonchat/internal/pairing"
	"github.com/whisper/anonchat/internal/policy"
	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/ratelimit"
	"github.com/whisper/anonchat/internal/relay"
	"github.com/whisper/anonchat/internal/scheduler"
	"github.com/whisper/anonchat/internal/secret"
	"github.com/whisper/anonchat/internal/stats"
	"github.com/whisper/anonchat/internal/transport"
)

// Config tunes one engine instance.
type Config struct {
	Matching         matching.Config         `yaml:"matching"`
	LastPartnerGrace time.Duration           `yaml:"last_partner_grace"`
	ReportWindow     time.Duration           `yaml:"report_window"`
	MenuDedupe       time.Duration           `yaml:"menu_dedupe"`
	CleanupInterval  time.Duration           `yaml:"cleanup_interval"`
	BucketIdle       time.Duration           `yaml:"bucket_idle"`
	Workers          int                     `yaml:"workers"`
	LaneDepth        int                     `yaml:"lane_depth"`
	CommandTimeout   time.Duration           `yaml:"command_timeout"`
	Secret           secret.Config           `yaml:"secret"`
	Strikes          moderation.StrikeConfig `yaml:"strikes"`
	Dispatch         dispatch.Config         `yaml:"dispatch"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Matching:         matching.DefaultConfig(),
		LastPartnerGrace: pairing.DefaultGrace,
		ReportWindow:     policy.ReportWindow,
		MenuDedupe:       30 * time.Second,
		CleanupInterval:  30 * time.Second,
		BucketIdle:       10 * time.Minute,
		Workers:          64,
		LaneDepth:        256,
		CommandTimeout:   10 * time.Second,
		Secret:           secret.DefaultConfig(),
		Strikes:          moderation.DefaultStrikeConfig(),
		Dispatch:         dispatch.DefaultConfig(),
	}
}

// Presence reports which users still hold a live connection.
type Presence interface {
	Live(ctx context.Context, userIDs []string) ([]bool, error)
}

// Deps are the external collaborators of an Engine. Stats and Presence are
// optional.
type Deps struct {
	Clock      clock.Clock
	Policy     policy.Gateway
	Classifier moderation.Classifier
	Strikes    moderation.Strikes
	Transport  transport.Transport
	Stats      stats.Recorder
	Presence   Presence
}

// Engine owns the in-memory state of one shard.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	policy   policy.Gateway
	stats    stats.Recorder
	presence Presence

	timers      *scheduler.Scheduler
	pairs       *pairing.Registry
	queue       *matching.Matchmaker
	secrets     *secret.Manager
	buckets     *ratelimit.Buckets
	dispatch    *dispatch.Dispatcher
	relay       *relay.Relay
	transcripts *chat.Transcripts
	reports     *reportLog

	laneMu sync.RWMutex
	lanes  []chan protocol.Inbound
	closed bool
	laneWG sync.WaitGroup
}

// New builds an Engine and its components.
func New(cfg Config, d Deps) *Engine {
	def := DefaultConfig()
	if cfg.LastPartnerGrace <= 0 {
		cfg.LastPartnerGrace = def.LastPartnerGrace
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = def.ReportWindow
	}
	if cfg.MenuDedupe <= 0 {
		cfg.MenuDedupe = def.MenuDedupe
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.BucketIdle <= 0 {
		cfg.BucketIdle = def.BucketIdle
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = def.LaneDepth
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Stats == nil {
		d.Stats = stats.Discard{}
	}

	e := &Engine{
		cfg:         cfg,
		clock:       d.Clock,
		policy:      d.Policy,
		stats:       d.Stats,
		presence:    d.Presence,
		timers:      scheduler.New(d.Clock),
		transcripts: chat.NewTranscripts(),
		reports:     newReportLog(cfg.ReportWindow),
	}
	e.pairs = pairing.NewRegistry(d.Clock, cfg.LastPartnerGrace)
	e.queue = matching.NewMatchmaker(d.Clock, cfg.Matching, e.pairs)
	e.secrets = secret.NewManager(d.Clock, e.timers, cfg.Secret, secret.Hooks{
		InviteExpired: e.onInviteExpired,
		Expired:       e.onSecretExpired,
		Reminder:      e.onSecretReminder,
		MediaExpired:  e.onMediaExpired,
	})
	e.buckets = ratelimit.NewBuckets(d.Clock, cfg.Dispatch.Buckets)
	e.dispatch = dispatch.New(d.Transport, e.buckets, d.Clock, cfg.Dispatch)
	e.dispatch.OnUnreachable(e.unreachable)
	e.relay = relay.New(relay.Deps{
		Clock:       d.Clock,
		Pairs:       e.pairs,
		Secrets:     e.secrets,
		Policy:      d.Policy,
		Classifier:  d.Classifier,
		Strikes:     d.Strikes,
		Sender:      e.dispatch,
		Timers:      e.timers,
		Transcripts: e.transcripts,
		Stats:       d.Stats,
		StrikeCfg:   cfg.Strikes,
		OnBan:       e.kick,
	})
	return e
}

// Handle runs one command for userID. Panics are recovered, logged and
// answered with a generic failure notice.
func (e *Engine) Handle(ctx context.Context, userID string, cmd protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			log.Printf("[engine] panic in %s for %s: %v\n%s", protocol.Name(cmd), userID, r, debug.Stack())
			e.notify(ctx, userID, textGenericFailure)
		}
	}()

	switch c := cmd.(type) {
	case protocol.Search:
		e.search(ctx, userID, c.Mode)
	case protocol.CancelSearch:
		e.cancelSearch(ctx, userID)
	case protocol.EndChat:
		e.endChat(ctx, userID)
	case protocol.Message:
		e.relay.Relay(ctx, userID, c.Payload)
	case protocol.SecretInvite:
		e.secretInvite(ctx, userID, c)
	case protocol.SecretEnd:
		e.secretEnd(ctx, userID)
	case protocol.Report:
		e.report(ctx, userID, c.Reason)
	case protocol.Rate:
		e.rate(ctx, userID, c.Value)
	case protocol.Rematch:
		e.rematch(ctx, userID)
	case protocol.Action:
		e.action(ctx, userID, c)
	case protocol.Disconnect:
		e.disconnect(ctx, userID)
	default:
		log.Printf("[engine] unhandled command %T from %s", cmd, userID)
	}
}

// HandleInbound decodes a gateway envelope and handles it. Invalid button
// data is answered with the stale-action notice; other malformed frames are
// dropped.
func (e *Engine) HandleInbound(ctx context.Context, in protocol.Inbound) {
	if in.UserID == "" {
		return
	}
	cmd, err := in.Command()
	if errors.Is(err, protocol.ErrInvalidAction) {
		e.notify(ctx, in.UserID, textStaleAction)
		return
	}
	if err != nil {
		log.Printf("[engine] dropping frame from %s: %v", in.UserID, err)
		return
	}
	e.Handle(ctx, in.UserID, cmd)
}

func (e *Engine) action(ctx context.Context, userID string, a protocol.Action) {
	switch a.Verb {
	case protocol.VerbSecretAccept:
		e.secretAccept(ctx, userID)
	case protocol.VerbSecretDecline:
		e.secretDecline(ctx, userID)
	case protocol.VerbMediaSend:
		e.mediaSend(ctx, userID, a.Arg)
	case protocol.VerbMediaCancel:
		e.mediaCancel(ctx, userID, a.Arg)
	case protocol.VerbMediaView:
		e.mediaView(ctx, userID, a.Arg)
	case protocol.VerbMediaReject:
		e.mediaReject(ctx, userID, a.Arg)
	case protocol.VerbRematch:
		e.rematch(ctx, userID)
	case protocol.VerbRematchDecline:
		e.rematchDecline(ctx, userID)
	case protocol.VerbSearch:
		e.search(ctx, userID, a.Arg)
	default:
		e.notify(ctx, userID, textStaleAction)
	}
}

// Stop drains the lanes and cancels every pending timer.
func (e *Engine) Stop() {
	e.closeLanes()
	e.timers.Stop()
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

func (e *Engine) send(ctx context.Context, userID string, msg chat.Outbound) {
	if _, err := e.dispatch.Send(ctx, userID, msg); err != nil && !errors.Is(err, dispatch.ErrDropped) {
		log.Printf("[engine] send to %s: %v", userID, err)
	}
}

func (e *Engine) notify(ctx context.Context, userID, text string, buttons ...chat.Button) {
	e.send(ctx, userID, chat.Notice(text, buttons...))
}

func button(label string, v protocol.Verb, arg string) chat.Button {
	return chat.Button{Label: label, Action: protocol.NewAction(v, arg).String()}
}

func (e *Engine) updateGauges() {
	metrics.QueueSize.Set(float64(e.queue.Len()))
	metrics.ActivePairs.Set(float64(e.pairs.Len()))
	metrics.SecretSessions.Set(float64(e.secrets.Len()))
}

// Snapshot is a point-in-time view of the engine's state sizes.
type Snapshot struct {
	Queued       int `json:"queued"`
	Pairs        int `json:"pairs"`
	Secret       int `json:"secret_sessions"`
	PendingMedia int `json:"pending_media"`
	Timers       int `json:"timers"`
	Buckets      int `json:"buckets"`
	Transcripts  int `json:"transcripts"`
}

// Snapshot returns the current state sizes.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Queued:       e.queue.Len(),
		Pairs:        e.pairs.Len(),
		Secret:       e.secrets.Len(),
		PendingMedia: e.secrets.PendingMediaCount(),
		Timers:       e.timers.Len(),
		Buckets:      e.buckets.Len(),
		Transcripts:  e.transcripts.Len(),
	}
}

// UserState is what the engine knows about one user.
type UserState struct {
	Queued bool `json:"queued"`
	InChat bool `json:"in_chat"`
	Secret bool `json:"secret"`
}

// User returns userID's state without revealing the partner.
func (e *Engine) User(userID string) UserState {
	_, secretMode := e.secrets.Active(userID)
	return UserState{
		Queued: e.queue.Queued(userID),
		InChat: e.pairs.InChat(userID),
		Secret: secretMode,
	}
}
