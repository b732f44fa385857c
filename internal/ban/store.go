// Package ban provides user bans backed by Redis. Ban records are plain keys
// that expire with the ban:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   ban duration
//
// Reports against a user are kept as a set of distinct reporters in a fixed
// 24h window, so one reporter counts once. Reaching the threshold converts
// the reports into an offense, and offenses are punished with bans of
// escalating length.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for reporter sets.
	ReportsPrefix = "reports:"

	// OffensesPrefix is the Redis key prefix for offense counters.
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is the report counting window. The window starts with the
	// first report and does not slide.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long an offense counts toward escalation.
	OffensesTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of distinct reporters within ReportsTTL
	// that triggers an automatic ban.
	AutoBanThreshold = 3

	reasonReports = "multiple_reports"
)

// reportScript adds a reporter to the set and starts the window when the set
// has no expiry yet. It returns {added, distinct reporters}.
var reportScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {added, redis.call('SCARD', KEYS[1])}
`)

// ReportResult is the outcome of ReportAndCheck.
type ReportResult struct {
	Counted   bool // false when the reporter already reported in this window
	Reporters int
	Banned    bool
	Duration  time.Duration
}

// Status describes a user's ban.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned returns the ban status of userID. Redis errors are returned so
// callers can decide how to handle them.
func (s *Store) IsBanned(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: get: %w", err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists; report it with unknown remaining time rather than
		// letting the user through.
		return Status{Banned: true, Reason: reason}, nil
	}
	st := Status{Banned: true, Reason: reason}
	if ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban bans userID for duration. A longer existing ban is never shortened.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		return fmt.Errorf("ban: non-positive duration %s", duration)
	}
	key := BanPrefix + userID

	ttl, err := s.client.TTL(ctx, key).Result()
	if err == nil && ttl > duration {
		return nil
	}
	if err := s.client.Set(ctx, key, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Escalation
// ---------------------------------------------------------------------------

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// incrWindow increments key and starts its TTL on the first increment.
func (s *Store) incrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *Store) counter(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Offenses returns the number of offenses recorded for userID within
// OffensesTTL.
func (s *Store) Offenses(ctx context.Context, userID string) (int, error) {
	n, err := s.counter(ctx, OffensesPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("ban: offenses: %w", err)
	}
	return n, nil
}

// Reports returns the number of distinct reporters of userID in the current
// window.
func (s *Store) Reports(ctx context.Context, userID string) (int, error) {
	n, err := s.client.SCard(ctx, ReportsPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: reports: %w", err)
	}
	return int(n), nil
}

// Escalate records an offense for userID and bans with a duration that grows
// with the offense count:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, OffensesPrefix+userID, OffensesTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// ReportAndCheck records reporterID as a reporter of userID. A repeat report
// from the same reporter within ReportsTTL is not counted. When the distinct
// reporters reach AutoBanThreshold the set is cleared and the user is
// escalated.
func (s *Store) ReportAndCheck(ctx context.Context, userID, reporterID string) (ReportResult, error) {
	key := ReportsPrefix + userID
	vals, err := reportScript.Run(ctx, s.client, []string{key}, reporterID, ReportsTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return ReportResult{}, fmt.Errorf("ban: report: %w", err)
	}
	res := ReportResult{Counted: vals[0] == 1, Reporters: int(vals[1])}
	if !res.Counted || res.Reporters < AutoBanThreshold {
		return res, nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return res, fmt.Errorf("ban: report reset: %w", err)
	}
	res.Duration, err = s.Escalate(ctx, userID, reasonReports)
	if err != nil {
		return res, err
	}
	res.Banned = true
	return res, nil
}
