package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/ratelimit"
)

const frameTimeout = 3 * time.Second

// handleFrame routes one client data frame. Ping and identify are answered
// by the gateway; every other frame must come from an identified
// connection, passes ParseCommand and the command limits, and is forwarded
// to the engine owning the user's shard.
func (s *Server) handleFrame(c *Conn, data []byte) {
	msgType, err := protocol.FrameType(data)
	if err != nil {
		log.Printf("[gateway] parse error conn=%s: %v", c.ID, err)
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	switch msgType {
	case protocol.TypePing:
		s.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	case protocol.TypeIdentify:
		s.identify(c, data)
		return
	}

	uid := c.UserID()
	if uid == "" {
		s.sendError(c, "not_identified", "identify first")
		return
	}

	cmd, err := protocol.ParseCommand(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		s.sendError(c, "unsupported_type", "unsupported message type")
		return
	case errors.Is(err, protocol.ErrInvalidAction):
		// Stale or forged buttons are answered by the engine.
	case err != nil:
		s.sendError(c, "invalid_command", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if !s.admit(ctx, c, uid, ratelimit.RuleCommand) {
		return
	}
	if isSearch(cmd) && !s.admit(ctx, c, uid, ratelimit.RuleSearch) {
		return
	}

	s.forward(c, protocol.Inbound{UserID: uid, Frame: data})
}

// identify binds c to a user. A previous connection of the same user on
// this gateway is superseded; one on another gateway notices at its next
// heartbeat.
func (s *Server) identify(c *Conn, data []byte) {
	if c.UserID() != "" {
		s.sendError(c, "already_identified", "connection is already identified")
		return
	}
	m, err := protocol.ParseIdentify(data)
	if err != nil {
		s.sendError(c, "invalid_identify", err.Error())
		return
	}
	uid, err := s.identity.Verify(m.Token)
	if err != nil {
		log.Printf("[gateway] conn %s: rejected identity token: %v", c.ID, err)
		metrics.IdentifyRejected.Inc()
		s.sendError(c, "unauthorized", "invalid identity token")
		return
	}
	if m.UserID != "" && m.UserID != uid {
		log.Printf("[gateway] conn %s: token for %s presented as %s", c.ID, uid, m.UserID)
		metrics.IdentifyRejected.Inc()
		s.sendError(c, "unauthorized", "token does not match user_id")
		return
	}

	if old := s.conns.bind(c, uid); old != nil {
		log.Printf("[gateway] user %s reconnected, superseding conn %s", uid, old.ID)
		s.supersede(old)
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := s.sessions.Create(ctx, uid, c.ID); err != nil {
		log.Printf("[gateway] create session for %s: %v", uid, err)
	}

	if err := s.bus.ServeDeliveries(uid, func(req []byte) []byte {
		return s.deliver(uid, req)
	}); err != nil {
		log.Printf("[gateway] serve deliveries for %s: %v", uid, err)
		s.sendError(c, "unavailable", "try again later")
		s.removeConn(c)
		return
	}

	s.send(c, protocol.TypeIdentified, protocol.IdentifiedMsg{UserID: uid})
	log.Printf("[gateway] conn %s identified as %s", c.ID, uid)
}

// admit counts one request against rule and tells the client when it was
// refused. Limiter errors fail open.
func (s *Server) admit(ctx context.Context, c *Conn, uid string, rule ratelimit.Rule) bool {
	if s.limits == nil {
		return true
	}
	ok, err := s.limits.Allow(ctx, uid, rule)
	if err != nil {
		log.Printf("[gateway] rate limit check for %s: %v", uid, err)
	}
	if ok {
		return true
	}
	retry := s.limits.RetryAfter(ctx, uid, rule)
	s.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retrySeconds(retry)})
	return false
}

func (s *Server) forward(c *Conn, in protocol.Inbound) {
	data, err := json.Marshal(in)
	if err != nil {
		log.Printf("[gateway] marshal inbound for %s: %v", in.UserID, err)
		return
	}
	if err := s.bus.PublishCommand(s.router.Shard(in.UserID), data); err != nil {
		log.Printf("[gateway] publish command for %s: %v", in.UserID, err)
		if c != nil {
			s.sendError(c, "unavailable", "try again later")
		}
	}
}

func (s *Server) publishDisconnect(uid string) {
	s.forward(nil, protocol.Inbound{UserID: uid, Disconnect: true})
}

func isSearch(cmd protocol.Command) bool {
	switch cmd := cmd.(type) {
	case protocol.Search:
		return true
	case protocol.Action:
		return cmd.Verb == protocol.VerbSearch
	}
	return false
}

// send writes a server frame. Failures are logged; the read path or the
// heartbeat removes broken connections.
func (s *Server) send(c *Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s for conn %s: %v", msgType, c.ID, err)
		return
	}
	if err := c.WriteMessage(data, s.cfg.WriteTimeout); err != nil {
		log.Printf("[gateway] send %s to conn %s: %v", msgType, c.ID, err)
	}
}

func (s *Server) sendError(c *Conn, code, message string) {
	s.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
