package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/messaging"
)

// Delivery ops carried on deliver.<user_id>.
const (
	OpSend  = "send"
	OpErase = "erase"
)

// Reply codes set by the gateway.
const (
	CodeThrottled = "throttled"
	CodeGone      = "gone"
)

// DeliveryRequest is the engine -> gateway request body.
type DeliveryRequest struct {
	Op        string         `json:"op"`
	Message   *chat.Outbound `json:"message,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}

// DeliveryReply is the gateway's answer.
type DeliveryReply struct {
	MessageID    string `json:"message_id,omitempty"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Requester is the request/reply half of messaging.NATSClient.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATS delivers through the gateway holding the user's connection. No
// responder on deliver.<user_id> means the user is not connected anywhere.
type NATS struct {
	bus     Requester
	timeout time.Duration
}

// NewNATS creates a NATS transport with a per-request timeout.
func NewNATS(bus Requester, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATS{bus: bus, timeout: timeout}
}

func (n *NATS) Send(ctx context.Context, userID string, msg chat.Outbound) (string, error) {
	reply, err := n.do(ctx, userID, DeliveryRequest{Op: OpSend, Message: &msg})
	if err != nil {
		return "", err
	}
	return reply.MessageID, nil
}

func (n *NATS) Delete(ctx context.Context, userID, messageID string) error {
	_, err := n.do(ctx, userID, DeliveryRequest{Op: OpErase, MessageID: messageID})
	return err
}

func (n *NATS) do(ctx context.Context, userID string, req DeliveryRequest) (DeliveryReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return DeliveryReply{}, fmt.Errorf("transport: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	raw, err := n.bus.Request(ctx, messaging.DeliverSubject(userID), data)
	if errors.Is(err, messaging.ErrNoResponders) {
		return DeliveryReply{}, ErrUnreachable
	}
	if err != nil {
		return DeliveryReply{}, fmt.Errorf("transport: %s: %w", req.Op, err)
	}

	var reply DeliveryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return DeliveryReply{}, fmt.Errorf("transport: decode reply: %w", err)
	}
	switch reply.Code {
	case "":
	case CodeThrottled:
		return reply, &ThrottledError{RetryAfter: time.Duration(reply.RetryAfterMs) * time.Millisecond}
	case CodeGone:
		return reply, ErrUnreachable
	default:
		return reply, fmt.Errorf("transport: gateway code %q", reply.Code)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("transport: gateway: %s", reply.Error)
	}
	return reply, nil
}
