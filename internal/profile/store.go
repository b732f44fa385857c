// Package profile reads user profiles, matching preferences and premium
// status from PostgreSQL. The profile service owns the tables; the engine
// only reads them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper/anonchat/internal/policy"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        20,
		MaxConnIdleTime: 30 * time.Minute,
		MaxConnLifetime: time.Hour,
	}
}

// Store reads profiles through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string, pc PoolConfig) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile: parse config: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile: ping: %w", err)
	}
	return NewStore(pool), nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetProfile returns the profile of userID, or policy.ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (policy.Profile, error) {
	const query = `
		SELECT user_id, gender, age, verified,
		       preference, age_min, age_max, verified_only, allow_forward
		FROM profiles WHERE user_id = $1`

	p := policy.Profile{}
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Gender, &p.Age, &p.Verified,
		&p.Preference, &p.AgeMin, &p.AgeMax, &p.VerifiedOnly, &p.AllowForward,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Profile{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Profile{}, fmt.Errorf("profile: get %s: %w", userID, err)
	}
	return p, nil
}

// HasActivePremium reports whether userID has premium that has not lapsed.
// Users without a profile row are not premium.
func (s *Store) HasActivePremium(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT premium_until FROM profiles WHERE user_id = $1`

	var until *time.Time
	err := s.pool.QueryRow(ctx, query, userID).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("profile: premium %s: %w", userID, err)
	}
	return activePremium(until, s.now()), nil
}

func activePremium(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}

// Upsert writes a profile row. Used by tests and the seeding tool; the
// profile service is the normal writer.
func (s *Store) Upsert(ctx context.Context, p policy.Profile, premiumUntil *time.Time) error {
	const query = `
		INSERT INTO profiles (user_id, gender, age, verified, preference,
		                      age_min, age_max, verified_only, allow_forward, premium_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			gender = EXCLUDED.gender, age = EXCLUDED.age, verified = EXCLUDED.verified,
			preference = EXCLUDED.preference, age_min = EXCLUDED.age_min,
			age_max = EXCLUDED.age_max, verified_only = EXCLUDED.verified_only,
			allow_forward = EXCLUDED.allow_forward, premium_until = EXCLUDED.premium_until`

	_, err := s.pool.Exec(ctx, query,
		p.UserID, p.Gender, p.Age, p.Verified, p.Preference,
		p.AgeMin, p.AgeMax, p.VerifiedOnly, p.AllowForward, premiumUntil)
	if err != nil {
		return fmt.Errorf("profile: upsert %s: %w", p.UserID, err)
	}
	return nil
}
