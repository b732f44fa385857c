// Package dispatch wraps every outbound send in the token buckets and a
// bounded retry policy. Chat messages are time-sensitive: when no token is
// available the send is dropped rather than queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/ratelimit"
	"github.com/whisper/anonchat/internal/transport"
)

// ErrDropped means the message was not delivered and will not be retried.
var ErrDropped = errors.New("dispatch: dropped")

// Config holds the retry policy and bucket sizes.
type Config struct {
	MaxThrottleRetries  int                    `yaml:"max_throttle_retries"`
	MaxTransientRetries int                    `yaml:"max_transient_retries"`
	BaseBackoff         time.Duration          `yaml:"base_backoff"`
	MaxBackoff          time.Duration          `yaml:"max_backoff"`
	BackoffJitter       float64                `yaml:"backoff_jitter"` // randomization factor of transient waits, 0..1
	MaxJitter           time.Duration          `yaml:"max_jitter"`     // added to throttle waits
	Buckets             ratelimit.BucketConfig `yaml:"buckets"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxThrottleRetries:  3,
		MaxTransientRetries: 3,
		BaseBackoff:         200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		BackoffJitter:       0.5,
		MaxJitter:           250 * time.Millisecond,
		Buckets:             ratelimit.DefaultBucketConfig(),
	}
}

// Dispatcher is the only component that calls the Transport.
type Dispatcher struct {
	transport transport.Transport
	buckets   *ratelimit.Buckets
	clock     clock.Clock
	cfg       Config

	mu            sync.RWMutex
	onUnreachable func(userID string)
}

// New creates a Dispatcher. Zero BackoffJitter and MaxJitter disable jitter.
func New(t transport.Transport, buckets *ratelimit.Buckets, c clock.Clock, cfg Config) *Dispatcher {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	cfg.BackoffJitter = min(max(cfg.BackoffJitter, 0), 1)
	return &Dispatcher{transport: t, buckets: buckets, clock: c, cfg: cfg}
}

// OnUnreachable registers the callback run when a recipient is permanently
// unreachable.
func (d *Dispatcher) OnUnreachable(fn func(userID string)) {
	d.mu.Lock()
	d.onUnreachable = fn
	d.mu.Unlock()
}

// Send delivers msg to userID and returns the transport message ID. Every
// attempt consumes a token. Errors wrap ErrDropped or transport.ErrUnreachable,
// or are the context's error.
func (d *Dispatcher) Send(ctx context.Context, userID string, msg chat.Outbound) (string, error) {
	throttles := 0
	retry := d.transientBackOff()
	for {
		if !d.buckets.Allow(userID) {
			metrics.DispatchTotal.WithLabelValues("rate_limited").Inc()
			return "", fmt.Errorf("%w: no token for %s", ErrDropped, userID)
		}

		start := d.clock.Now()
		id, err := d.transport.Send(ctx, userID, msg)
		metrics.SendLatency.Observe(d.clock.Now().Sub(start).Seconds())

		class, retryAfter := transport.Classify(err)
		var wait time.Duration
		switch class {
		case transport.OK:
			metrics.DispatchTotal.WithLabelValues("ok").Inc()
			return id, nil

		case transport.Throttled:
			metrics.DispatchTotal.WithLabelValues("throttled").Inc()
			throttles++
			if throttles > d.cfg.MaxThrottleRetries {
				metrics.DispatchTotal.WithLabelValues("exhausted").Inc()
				return "", fmt.Errorf("%w: throttled %d times: %v", ErrDropped, throttles, err)
			}
			d.buckets.Throttle(userID, retryAfter)
			wait = retryAfter + d.jitter()

		case transport.Transient:
			metrics.DispatchTotal.WithLabelValues("transient").Inc()
			wait = retry.NextBackOff()
			if wait == backoff.Stop {
				metrics.DispatchTotal.WithLabelValues("exhausted").Inc()
				log.Printf("[dispatch] dropping message to %s after %d transient retries: %v", userID, d.cfg.MaxTransientRetries, err)
				return "", fmt.Errorf("%w: %v", ErrDropped, err)
			}

		case transport.Permanent:
			metrics.DispatchTotal.WithLabelValues("unreachable").Inc()
			log.Printf("[dispatch] %s unreachable", userID)
			d.mu.RLock()
			fn := d.onUnreachable
			d.mu.RUnlock()
			if fn != nil {
				fn(userID)
			}
			return "", fmt.Errorf("dispatch: send to %s: %w", userID, err)
		}

		if err := d.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// Erase deletes a delivered message. It is a single best-effort attempt
// that does not consume tokens.
func (d *Dispatcher) Erase(ctx context.Context, userID, messageID string) {
	if messageID == "" {
		return
	}
	if err := d.transport.Delete(ctx, userID, messageID); err != nil {
		log.Printf("[dispatch] erase for %s failed: %v", userID, err)
	}
}

// transientBackOff is the wait policy for one Send: doubling from
// BaseBackoff up to MaxBackoff, randomized by BackoffJitter, stopping after
// MaxTransientRetries.
func (d *Dispatcher) transientBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.cfg.BaseBackoff),
		backoff.WithMaxInterval(d.cfg.MaxBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(d.cfg.BackoffJitter),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(d.clock),
	)
	return backoff.WithMaxRetries(b, uint64(max(d.cfg.MaxTransientRetries, 0)))
}

func (d *Dispatcher) jitter() time.Duration {
	if d.cfg.MaxJitter <= 0 {
		return 0
	}
	return rand.N(d.cfg.MaxJitter)
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
