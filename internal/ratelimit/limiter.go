// Package ratelimit has two limiters. Limiter is a Redis fixed window
// shared by all gateways for inbound admission (connections, commands and
// searches). Buckets holds the in-process token buckets the dispatcher
// consumes for every outbound send.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a window policy: key prefix, limit and window length.
type Rule struct {
	Key    string        `yaml:"-"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

var (
	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}

	// RuleCommand allows 20 commands per 10 seconds per user.
	RuleCommand = Rule{Key: "rl:cmd:", Limit: 20, Window: 10 * time.Second}

	// RuleSearch allows 10 searches per minute per user.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: time.Minute}
)

// windowScript counts one hit and makes sure the window expires, in a
// single round trip. A key left without a TTL would never reset.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter is a fixed-window counter in Redis shared by every gateway.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier under rule. Redis errors fail open
// so an outage does not lock users out; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	n, err := l.hit(ctx, rule.Key+identifier, rule.Window)
	if err != nil {
		log.Printf("[ratelimit] window check %s%s failed, allowing: %v", rule.Key, identifier, err)
		return true, err
	}
	return n <= int64(rule.Limit), nil
}

func (l *Limiter) hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := windowScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: hit %s: %w", key, err)
	}
	return n, nil
}

// RetryAfter returns how long until identifier's window under rule resets.
// Without an open window, or when Redis fails, it returns the full window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
