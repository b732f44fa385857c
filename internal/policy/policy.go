// Package policy is the engine's view of everything it does not own: user
// profiles and preferences, premium status, bans, ratings and reports.
//
// Gateway is consumed by the matcher, the relay and the engine. The backend
// package implements it on the profile, ban and report stores; Memory backs
// it with maps for tests and local runs.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/anonchat/internal/chat"
)

// ReportWindow is how long one reporter's report of a user counts before the
// same reporter may report that user again.
const ReportWindow = 24 * time.Hour

var (
	// ErrNotFound is returned by GetProfile for an unknown user.
	ErrNotFound = errors.New("policy: not found")

	// ErrDuplicateReport is returned by RecordReport when the reporter
	// already reported the same user within the report window.
	ErrDuplicateReport = errors.New("policy: already reported")
)

// Profile is the read-only attribute and preference set of a user.
type Profile struct {
	UserID   string
	Gender   string // "" if undisclosed
	Age      int    // 0 if unknown
	Verified bool

	// Matching preferences.
	Preference   string // wanted partner gender, "" for any
	AgeMin       int    // 0 for no lower bound; premium only
	AgeMax       int    // 0 for no upper bound; premium only
	VerifiedOnly bool

	// AllowForward lets the user relay forwarded content outside secret mode.
	AllowForward bool
}

// HasAgeWindow reports whether the profile narrows partner age.
func (p Profile) HasAgeWindow() bool {
	return p.AgeMin > 0 || p.AgeMax > 0
}

// BanStatus describes an active ban.
type BanStatus struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Report is an abuse report filed by one user against another.
type Report struct {
	ReporterID string
	ReportedID string
	Reason     string
	Secret     bool        // the chat was in secret mode; Transcript is empty
	Transcript []chat.Line // last few lines for moderator review
}

// Gateway is the external policy service as the engine sees it.
type Gateway interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	HasActivePremium(ctx context.Context, userID string) (bool, error)
	IsBanned(ctx context.Context, userID string) (BanStatus, error)
	Ban(ctx context.Context, userID string, d time.Duration, reason string) error
	RecordRating(ctx context.Context, raterID, ratedID string, value int) error
	RecordReport(ctx context.Context, r Report) error
}
