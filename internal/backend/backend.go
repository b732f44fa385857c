// Package backend implements policy.Gateway on top of the profile store
// (pgx), the ban store (Redis) and the report store (lib/pq).
package backend

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/anonchat/internal/ban"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/policy"
	"github.com/whisper/anonchat/internal/report"
)

// Profiles is the read side of the profile store.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (policy.Profile, error)
	HasActivePremium(ctx context.Context, userID string) (bool, error)
}

// Bans is the ban store.
type Bans interface {
	IsBanned(ctx context.Context, userID string) (ban.Status, error)
	Ban(ctx context.Context, userID string, d time.Duration, reason string) error
	ReportAndCheck(ctx context.Context, userID, reporterID string) (ban.ReportResult, error)
}

// Reports persists reports and ratings.
type Reports interface {
	Create(ctx context.Context, r *report.Report) error
	Rate(ctx context.Context, raterID, ratedID string, value int) error
}

// Gateway composes the three stores.
type Gateway struct {
	profiles Profiles
	bans     Bans
	reports  Reports

	// OnAutoBan runs after reports push a user over the ban threshold.
	OnAutoBan func(userID string, d time.Duration)
}

var _ policy.Gateway = (*Gateway)(nil)

// New creates a Gateway.
func New(profiles Profiles, bans Bans, reports Reports) *Gateway {
	return &Gateway{profiles: profiles, bans: bans, reports: reports}
}

func (g *Gateway) GetProfile(ctx context.Context, userID string) (policy.Profile, error) {
	return g.profiles.GetProfile(ctx, userID)
}

func (g *Gateway) HasActivePremium(ctx context.Context, userID string) (bool, error) {
	return g.profiles.HasActivePremium(ctx, userID)
}

func (g *Gateway) IsBanned(ctx context.Context, userID string) (policy.BanStatus, error) {
	st, err := g.bans.IsBanned(ctx, userID)
	if err != nil {
		return policy.BanStatus{}, err
	}
	return policy.BanStatus{Banned: st.Banned, Remaining: st.Remaining, Reason: st.Reason}, nil
}

func (g *Gateway) Ban(ctx context.Context, userID string, d time.Duration, reason string) error {
	return g.bans.Ban(ctx, userID, d, reason)
}

func (g *Gateway) RecordRating(ctx context.Context, raterID, ratedID string, value int) error {
	return g.reports.Rate(ctx, raterID, ratedID, value)
}

// RecordReport counts r toward the reported user's auto-ban and persists it.
// A repeat report by the same reporter returns policy.ErrDuplicateReport and
// is not stored. A failing counter does not fail the report.
func (g *Gateway) RecordReport(ctx context.Context, r policy.Report) error {
	if !report.ValidReason(r.Reason) {
		return fmt.Errorf("backend: record report: %w: %q", report.ErrInvalidReason, r.Reason)
	}
	res, err := g.bans.ReportAndCheck(ctx, r.ReportedID, r.ReporterID)
	if err != nil {
		log.Printf("[backend] report counter for %s failed: %v", r.ReportedID, err)
	} else if !res.Counted {
		return policy.ErrDuplicateReport
	}

	rec := &report.Report{
		ReporterID: r.ReporterID,
		ReportedID: r.ReportedID,
		Reason:     r.Reason,
		Secret:     r.Secret,
		Messages:   r.Transcript,
	}
	if err := g.reports.Create(ctx, rec); err != nil {
		return fmt.Errorf("backend: record report: %w", err)
	}

	if res.Banned {
		metrics.BansTotal.WithLabelValues("reports").Inc()
		log.Printf("[backend] %s auto-banned for %s by %d reporters", r.ReportedID, res.Duration, res.Reporters)
		if g.OnAutoBan != nil {
			g.OnAutoBan(r.ReportedID, res.Duration)
		}
	}
	return nil
}
