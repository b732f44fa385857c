package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/whisper/anonchat/internal/clock"
)

// BucketConfig sizes the outbound token buckets. Rates are tokens per second.
type BucketConfig struct {
	GlobalRate  float64 `yaml:"global_rate"`
	GlobalBurst int     `yaml:"global_burst"`
	UserRate    float64 `yaml:"user_rate"`
	UserBurst   int     `yaml:"user_burst"`
}

// DefaultBucketConfig returns limits in line with common chat platforms:
// 30 sends per second overall, one per second per recipient with a small
// burst for notice + message pairs.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		GlobalRate:  30,
		GlobalBurst: 30,
		UserRate:    1,
		UserBurst:   3,
	}
}

type userBucket struct {
	lim         *rate.Limiter
	pausedUntil time.Time
	lastUsed    time.Time
}

// Buckets holds one global and one per-recipient token bucket for outbound
// sends. Refill is continuous and measured on the injected clock.
type Buckets struct {
	cfg   BucketConfig
	clock clock.Clock

	mu     sync.Mutex
	global *rate.Limiter
	users  map[string]*userBucket
}

// NewBuckets creates Buckets. Zero config fields take their defaults.
func NewBuckets(c clock.Clock, cfg BucketConfig) *Buckets {
	def := DefaultBucketConfig()
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = def.GlobalRate
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = def.GlobalBurst
	}
	if cfg.UserRate <= 0 {
		cfg.UserRate = def.UserRate
	}
	if cfg.UserBurst <= 0 {
		cfg.UserBurst = def.UserBurst
	}
	return &Buckets{
		cfg:    cfg,
		clock:  c,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		users:  make(map[string]*userBucket),
	}
}

// Allow takes one token from the global bucket and one from userID's bucket,
// or neither.
func (b *Buckets) Allow(userID string) bool {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ub := b.userLocked(userID)
	ub.lastUsed = now
	if now.Before(ub.pausedUntil) {
		return false
	}

	// Both limiters are only touched under b.mu, so checking before taking
	// keeps the pair consistent.
	if ub.lim.TokensAt(now) < 1 || b.global.TokensAt(now) < 1 {
		return false
	}
	ub.lim.AllowN(now, 1)
	b.global.AllowN(now, 1)
	return true
}

// Throttle pauses userID's bucket for d after a throttling signal from the
// transport.
func (b *Buckets) Throttle(userID string, d time.Duration) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ub := b.userLocked(userID)
	if until := now.Add(d); until.After(ub.pausedUntil) {
		ub.pausedUntil = until
	}
	ub.lastUsed = now
}

// Cleanup drops per-user buckets unused for idle and returns how many were
// removed. Paused buckets are kept.
func (b *Buckets) Cleanup(idle time.Duration) int {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for uid, ub := range b.users {
		if now.Sub(ub.lastUsed) > idle && !now.Before(ub.pausedUntil) {
			delete(b.users, uid)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked per-user buckets.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users)
}

func (b *Buckets) userLocked(userID string) *userBucket {
	ub, ok := b.users[userID]
	if !ok {
		ub = &userBucket{lim: rate.NewLimiter(rate.Limit(b.cfg.UserRate), b.cfg.UserBurst)}
		b.users[userID] = ub
	}
	return ub
}
