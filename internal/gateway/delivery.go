package gateway

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/whisper/anonchat/internal/protocol"
	"github.com/whisper/anonchat/internal/transport"
)

// deliver answers one engine delivery request for userID. The reply tells
// the engine's dispatcher whether to retry later (throttled) or give up on
// the user (gone).
func (s *Server) deliver(userID string, data []byte) []byte {
	var req transport.DeliveryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeReply(transport.DeliveryReply{Error: "malformed request"})
	}
	if problem := checkDelivery(req); problem != "" {
		return encodeReply(transport.DeliveryReply{Error: problem})
	}

	c := s.conns.user(userID)
	if c == nil {
		return encodeReply(transport.DeliveryReply{Code: transport.CodeGone})
	}

	var (
		frame []byte
		err   error
		reply transport.DeliveryReply
	)
	if req.Op == transport.OpSend {
		if wait, ok := c.admit(s.clock.Now()); !ok {
			return encodeReply(transport.DeliveryReply{
				Code:         transport.CodeThrottled,
				RetryAfterMs: wait.Milliseconds(),
			})
		}
		reply.MessageID = uuid.NewString()
		frame, err = protocol.NewServerMessage(protocol.TypeDeliver, protocol.DeliverMsg{
			MessageID: reply.MessageID,
			Message:   *req.Message,
		})
	} else {
		frame, err = protocol.NewServerMessage(protocol.TypeErase, protocol.EraseMsg{MessageID: req.MessageID})
	}
	if err != nil {
		return encodeReply(transport.DeliveryReply{Error: err.Error()})
	}

	if err := c.WriteMessage(frame, s.cfg.WriteTimeout); err != nil {
		log.Printf("[gateway] deliver to %s failed: %v", userID, err)
		// Removal unsubscribes this very handler, so leave the callback first.
		go s.removeConn(c)
		return encodeReply(transport.DeliveryReply{Code: transport.CodeGone})
	}
	return encodeReply(reply)
}

// checkDelivery rejects requests the engine should never send, whether or
// not the user is still connected here.
func checkDelivery(req transport.DeliveryRequest) string {
	switch req.Op {
	case transport.OpSend:
		if req.Message == nil {
			return "missing message"
		}
	case transport.OpErase:
		if req.MessageID == "" {
			return "missing message_id"
		}
	default:
		return "unknown op " + req.Op
	}
	return ""
}

func encodeReply(r transport.DeliveryReply) []byte {
	data, _ := json.Marshal(r)
	return data
}
