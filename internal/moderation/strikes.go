package moderation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/anonchat/internal/clock"
)

// StrikeConfig controls the warning ladder.
type StrikeConfig struct {
	Threshold   int           `yaml:"strike_threshold"`
	Window      time.Duration `yaml:"strike_window"` // counter resets after this much quiet time
	BanDuration time.Duration `yaml:"ban_duration"`
}

// DefaultStrikeConfig returns production defaults: three strikes in a rolling
// day earn a 24 hour ban.
func DefaultStrikeConfig() StrikeConfig {
	return StrikeConfig{
		Threshold:   3,
		Window:      24 * time.Hour,
		BanDuration: 24 * time.Hour,
	}
}

// Strikes counts moderation violations per user.
type Strikes interface {
	// Add records one violation and returns the new count.
	Add(ctx context.Context, userID string) (int, error)
	Reset(ctx context.Context, userID string) error
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

const strikeKeyPrefix = "strikes:"

// RedisStrikes keeps the counter in Redis. Every violation refreshes the key
// expiry, so the window is measured from the last violation.
type RedisStrikes struct {
	client *redis.Client
	window time.Duration
}

// NewRedisStrikes creates a RedisStrikes backed by client.
func NewRedisStrikes(client *redis.Client, window time.Duration) *RedisStrikes {
	return &RedisStrikes{client: client, window: window}
}

func (s *RedisStrikes) Add(ctx context.Context, userID string) (int, error) {
	key := strikeKeyPrefix + userID

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("moderation: add strike: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStrikes) Reset(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, strikeKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("moderation: reset strikes: %w", err)
	}
	return nil
}

// Count returns the current strike count, 0 if none.
func (s *RedisStrikes) Count(ctx context.Context, userID string) (int, error) {
	v, err := s.client.Get(ctx, strikeKeyPrefix+userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("moderation: get strikes: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("moderation: parse strikes: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

type strikeRecord struct {
	count int
	last  time.Time
}

// MemoryStrikes is an in-process Strikes for tests and single-node runs.
type MemoryStrikes struct {
	clock  clock.Clock
	window time.Duration

	mu      sync.Mutex
	records map[string]strikeRecord
}

// NewMemoryStrikes creates a MemoryStrikes using c for the rolling window.
func NewMemoryStrikes(c clock.Clock, window time.Duration) *MemoryStrikes {
	return &MemoryStrikes{clock: c, window: window, records: make(map[string]strikeRecord)}
}

func (s *MemoryStrikes) Add(_ context.Context, userID string) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[userID]
	if !rec.last.IsZero() && now.Sub(rec.last) >= s.window {
		rec.count = 0
	}
	rec.count++
	rec.last = now
	s.records[userID] = rec
	return rec.count, nil
}

func (s *MemoryStrikes) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	return nil
}

// Count returns the current strike count.
func (s *MemoryStrikes) Count(userID string) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || now.Sub(rec.last) >= s.window {
		return 0
	}
	return rec.count
}
