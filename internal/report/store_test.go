package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/whisper/anonchat/internal/chat"
	"github.com/whisper/anonchat/internal/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	cleanup := func() {
		db.Exec(`DELETE FROM abuse_reports WHERE reported_id LIKE 'test_%'`)
		db.Exec(`DELETE FROM ratings WHERE rated_id LIKE 'test_%'`)
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		db.Close()
	})
	return NewStore(db)
}

func TestValidReason(t *testing.T) {
	for _, r := range []string{"harassment", "spam", "explicit", "other"} {
		if !ValidReason(r) {
			t.Errorf("%q should be valid", r)
		}
	}
	for _, r := range []string{"", "rude", "SPAM"} {
		if ValidReason(r) {
			t.Errorf("%q should be invalid", r)
		}
	}
}

func TestCreate_InvalidReason(t *testing.T) {
	s := NewStore(nil)
	err := s.Create(context.Background(), &Report{ReporterID: "a", ReportedID: "b", Reason: "rude"})
	if !errors.Is(err, ErrInvalidReason) {
		t.Errorf("error = %v, want ErrInvalidReason", err)
	}
}

func TestRate_InvalidValue(t *testing.T) {
	s := NewStore(nil)
	if err := s.Rate(context.Background(), "a", "b", 5); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("error = %v, want ErrInvalidRating", err)
	}
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Report{
		ReporterID: "test_reporter",
		ReportedID: "test_reported",
		Reason:     "harassment",
		Messages:   []chat.Line{{From: "test_reported", Text: "hey", Ts: 1}},
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Error("Create should assign an id")
	}
	if err := s.Create(ctx, &Report{ReporterID: "test_x", ReportedID: "test_reported", Reason: "spam", Secret: true}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountRecent(ctx, "test_reported", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountRecent = %d, want 2", n)
	}
}

func TestRateAndScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []int{1, 1, -1} {
		if err := s.Rate(ctx, "test_rater", "test_rated", v); err != nil {
			t.Fatal(err)
		}
	}
	score, err := s.Score(ctx, "test_rated")
	if err != nil {
		t.Fatal(err)
	}
	if score != 1 {
		t.Errorf("score = %d, want 1", score)
	}
}
