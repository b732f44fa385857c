// Package client is a WebSocket load test client for the anonchat gateway.
// It dials with gobwas/ws (the library the gateway uses), identifies as a
// user and surfaces the engine's deliveries on a channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify     = "identify"
	TypeSearch       = "search"
	TypeCancelSearch = "cancel_search"
	TypeEndChat      = "end_chat"
	TypeMessage      = "message"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeIdentified  = "identified"
	TypeDeliver     = "deliver"
	TypeErase       = "erase"
	TypeRateLimited = "rate_limited"
	TypeBanned      = "banned"
	TypeError       = "error"
	TypePong        = "pong"
)

// KindNotice marks system messages from the service.
const KindNotice = "notice"

// ErrClosed is returned when the connection ends while waiting.
var ErrClosed = errors.New("client: connection closed")

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	IdentifyLatency  time.Duration
	MessagesReceived int64
	MessagesSent     int64
	RateLimited      int64
	Dropped          int64
	Errors           int64
}

// Delivery is one message the engine delivered to this user.
type Delivery struct {
	MessageID string
	Kind      string
	Text      string
	Received  time.Time
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is a single simulated user connection.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex

	connectLatency  time.Duration
	identifyLatency atomic.Int64
	received        atomic.Int64
	sent            atomic.Int64
	rateLimited     atomic.Int64
	dropped         atomic.Int64
	errors          atomic.Int64

	identified chan string
	failures   chan string
	deliveries chan Delivery

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at url and starts reading frames in the
// background. Call Identify before anything else.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		connectLatency: time.Since(start),
		identified:     make(chan string, 1),
		failures:       make(chan string, 1),
		deliveries:     make(chan Delivery, 256),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Identify binds the connection to userID, generating a random one when
// empty, with a token from signer and waits for the gateway to confirm.
func (c *Client) Identify(ctx context.Context, userID string, signer *Signer) error {
	if userID == "" {
		userID = "loadtest-" + uuid.NewString()
	}
	token, err := signer.Sign(userID)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := c.Send(map[string]string{"type": TypeIdentify, "token": token, "user_id": userID}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case code := <-c.failures:
		return fmt.Errorf("identify rejected: %s", code)
	case uid := <-c.identified:
		c.userID = uid
		c.identifyLatency.Store(int64(time.Since(start)))
		return nil
	}
}

// UserID returns the identity confirmed by the gateway.
func (c *Client) UserID() string {
	return c.userID
}

// Search joins the random queue.
func (c *Client) Search() error {
	return c.Send(map[string]string{"type": TypeSearch, "mode": "random"})
}

// SendText sends a text message to the current partner.
func (c *Client) SendText(text string) error {
	return c.Send(map[string]interface{}{
		"type": TypeMessage,
		"message": map[string]string{
			"id":   uuid.NewString(),
			"kind": "text",
			"text": text,
		},
	})
}

// EndChat leaves the current chat.
func (c *Client) EndChat() error {
	return c.Send(map[string]string{"type": TypeEndChat})
}

// Send writes one JSON frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Deliveries returns the channel of messages delivered to this user. When
// it is full further deliveries are dropped and counted.
func (c *Client) Deliveries() <-chan Delivery {
	return c.deliveries
}

// WaitNotice blocks until a notice containing substr arrives. Other
// deliveries received meanwhile are discarded.
func (c *Client) WaitNotice(ctx context.Context, substr string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case d := <-c.deliveries:
			if d.Kind == KindNotice && strings.Contains(d.Text, substr) {
				return nil
			}
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		IdentifyLatency:  time.Duration(c.identifyLatency.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		RateLimited:      c.rateLimited.Load(),
		Dropped:          c.dropped.Load(),
		Errors:           c.errors.Load(),
	}
}

// readLoop reads server frames until the connection closes.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us; not an error.
			default:
				c.errors.Add(1)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var frame struct {
		Type      string `json:"type"`
		UserID    string `json:"user_id"`
		Code      string `json:"code"`
		MessageID string `json:"message_id"`
		Message   struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.errors.Add(1)
		return
	}

	switch frame.Type {
	case TypeIdentified:
		select {
		case c.identified <- frame.UserID:
		default:
		}
	case TypeDeliver:
		c.received.Add(1)
		d := Delivery{
			MessageID: frame.MessageID,
			Kind:      frame.Message.Kind,
			Text:      frame.Message.Text,
			Received:  time.Now(),
		}
		select {
		case c.deliveries <- d:
		default:
			c.dropped.Add(1)
		}
	case TypeRateLimited:
		c.rateLimited.Add(1)
	case TypeError:
		c.errors.Add(1)
		select {
		case c.failures <- frame.Code:
		default:
		}
	case TypeBanned:
		c.errors.Add(1)
	}
}
