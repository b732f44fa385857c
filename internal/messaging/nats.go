// Package messaging wraps the NATS connection shared by the gateway, engine
// and moderator services. Commands flow gateway -> engine on a per-shard
// subject; deliveries and moderation checks are request/reply.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used across services.
const (
	SubjectEngineCmd  = "engine.cmd" // + .<shard>
	SubjectDeliver    = "deliver"    // + .<user_id>
	SubjectModeration = "moderation.check"

	moderatorQueue = "moderators"
)

// ErrNoResponders means nobody is subscribed to the request subject.
var ErrNoResponders = errors.New("messaging: no responders")

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"` // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "anonchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// subscribe registers handler under key so it can be removed later.
func (c *NATSClient) subscribe(key, subject, queue string, handler nats.MsgHandler) error {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// Request sends data to subject and waits for one reply until ctx is done.
// A missing responder is reported as ErrNoResponders.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoResponders
	}
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// CommandSubject is the engine command subject for shard.
func CommandSubject(shard int) string {
	return SubjectEngineCmd + "." + strconv.Itoa(shard)
}

// DeliverSubject is the delivery subject for a connected user.
func DeliverSubject(userID string) string {
	return SubjectDeliver + "." + userID
}

// PublishCommand forwards a client command to the engine owning shard.
func (c *NATSClient) PublishCommand(shard int, data []byte) error {
	return c.Publish(CommandSubject(shard), data)
}

// SubscribeCommands delivers every command for shard to handler. Exactly one
// engine owns a shard, so there is no queue group.
func (c *NATSClient) SubscribeCommands(shard int, handler func(data []byte)) error {
	subject := CommandSubject(shard)
	return c.subscribe(subject, subject, "", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// ServeDeliveries answers delivery requests for userID while the user is
// connected to this gateway.
func (c *NATSClient) ServeDeliveries(userID string, handler func(data []byte) []byte) error {
	subject := DeliverSubject(userID)
	return c.subscribe("deliver:"+userID, subject, "", func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			log.Printf("[nats] respond %s: %v", subject, err)
		}
	})
}

// StopDeliveries removes the delivery subscription for userID.
func (c *NATSClient) StopDeliveries(userID string) error {
	return c.unsubscribe("deliver:" + userID)
}

// RequestDelivery asks the gateway holding userID to deliver data.
func (c *NATSClient) RequestDelivery(ctx context.Context, userID string, data []byte) ([]byte, error) {
	return c.Request(ctx, DeliverSubject(userID), data)
}

// ServeModeration answers moderation.check requests. Moderators share a
// queue group so each request is screened once.
func (c *NATSClient) ServeModeration(handler func(data []byte) []byte) error {
	return c.subscribe(SubjectModeration, SubjectModeration, moderatorQueue, func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			log.Printf("[nats] respond %s: %v", SubjectModeration, err)
		}
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
