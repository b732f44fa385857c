// Package report provides PostgreSQL-backed storage for abuse reports and
// partner ratings. A report captures who reported whom, whether the chat was
// secret, and the last few non-secret lines exchanged for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/whisper/anonchat/internal/chat"
)

var (
	ErrInvalidReason = errors.New("report: invalid reason")
	ErrInvalidRating = errors.New("report: rating must be +1 or -1")
)

// validReasons matches the CHECK constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"scam":       true,
	"other":      true,
}

// ValidReason reports whether reason is accepted by Create.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store manages reports and ratings in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a single abuse report to be persisted.
type Report struct {
	ID         string
	ReporterID string
	ReportedID string
	Reason     string
	Secret     bool
	Messages   []chat.Line
}

// Open connects to PostgreSQL through lib/pq and pings it.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. Messages are stored as JSONB; a secret
// report never carries messages.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("%w: %q", ErrInvalidReason, r.Reason)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	var messagesJSON []byte
	if len(r.Messages) > 0 && !r.Secret {
		var err error
		messagesJSON, err = json.Marshal(r.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (id, reporter_id, reported_id, reason, secret, messages)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ReporterID,
		r.ReportedID,
		r.Reason,
		r.Secret,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against reportedID within
// window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Ratings
// ---------------------------------------------------------------------------

// Rate stores a +1/-1 rating of ratedID by raterID.
func (s *Store) Rate(ctx context.Context, raterID, ratedID string, value int) error {
	if value != 1 && value != -1 {
		return ErrInvalidRating
	}
	const query = `INSERT INTO ratings (rater_id, rated_id, value) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, raterID, ratedID, value); err != nil {
		return fmt.Errorf("report: rate: %w", err)
	}
	return nil
}

// Score returns the sum of ratings received by userID.
func (s *Store) Score(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COALESCE(SUM(value), 0) FROM ratings WHERE rated_id = $1`
	var score int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&score); err != nil {
		return 0, fmt.Errorf("report: score: %w", err)
	}
	return score, nil
}
