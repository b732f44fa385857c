package ban

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// all test ban, report and offense keys before returning. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	flush := func() {
		for _, prefix := range []string{BanPrefix, ReportsPrefix, OffensesPrefix} {
			iter := client.Scan(ctx, 0, prefix+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	flush()
	t.Cleanup(func() {
		flush()
		client.Close()
	})
	return NewStore(client)
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)

	st, err := store.IsBanned(context.Background(), "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Banned {
		t.Errorf("expected not banned, got %+v", st)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_ban_check"

	if err := store.Ban(ctx, uid, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	st, err := store.IsBanned(ctx, uid)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !st.Banned {
		t.Fatal("expected banned=true")
	}
	if st.Reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", st.Reason)
	}
	if st.Remaining <= 0 || st.Remaining > 30*time.Second {
		t.Errorf("expected remaining in (0,30s], got %v", st.Remaining)
	}
}

func TestBan_NeverShortens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_ban_keep"

	store.Ban(ctx, uid, time.Hour, "first")
	if err := store.Ban(ctx, uid, time.Minute, "second"); err != nil {
		t.Fatal(err)
	}
	st, _ := store.IsBanned(ctx, uid)
	if st.Reason != "first" || st.Remaining <= time.Minute {
		t.Errorf("shorter ban replaced longer one: %+v", st)
	}
}

func TestBan_RejectsNonPositive(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ban(context.Background(), "test_zero", 0, "x"); err == nil {
		t.Error("expected error for zero duration")
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_unban"

	if err := store.Ban(ctx, uid, time.Minute, "test"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if st, _ := store.IsBanned(ctx, uid); !st.Banned {
		t.Fatal("expected banned=true after Ban()")
	}

	if err := store.Unban(ctx, uid); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	st, err := store.IsBanned(ctx, uid)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if st.Banned {
		t.Error("expected not banned after Unban()")
	}
}

// ---------------------------------------------------------------------------
// Escalation tests
// ---------------------------------------------------------------------------

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		if got := escalationDuration(tc.count); got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestEscalate_Ladder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_escalate"

	for i, want := range []time.Duration{Ban15Min, Ban1Hour, Ban24Hour, Ban24Hour} {
		store.Unban(ctx, uid)
		got, err := store.Escalate(ctx, uid, "spam")
		if err != nil {
			t.Fatalf("offense %d: %v", i+1, err)
		}
		if got != want {
			t.Errorf("offense %d: duration %v, want %v", i+1, got, want)
		}
		st, _ := store.IsBanned(ctx, uid)
		if st.Remaining < want-10*time.Second || st.Remaining > want {
			t.Errorf("offense %d: remaining %v, want ~%v", i+1, st.Remaining, want)
		}
	}

	if n, _ := store.Offenses(ctx, uid); n != 4 {
		t.Errorf("offenses = %d, want 4", n)
	}
}

func TestReportAndCheck_BelowThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_below"

	for i := 1; i < AutoBanThreshold; i++ {
		res, err := store.ReportAndCheck(ctx, uid, fmt.Sprintf("reporter-%d", i))
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if !res.Counted || res.Reporters != i || res.Banned || res.Duration != 0 {
			t.Errorf("report %d: %+v", i, res)
		}
	}
	if st, _ := store.IsBanned(ctx, uid); st.Banned {
		t.Error("user should not be banned below the threshold")
	}
}

func TestReportAndCheck_RepeatReporterCountsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_repeat"

	for i := 0; i < AutoBanThreshold+2; i++ {
		res, err := store.ReportAndCheck(ctx, uid, "same-reporter")
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if res.Banned {
			t.Fatalf("report %d: one reporter banned the user", i)
		}
		if res.Counted != (i == 0) {
			t.Errorf("report %d: counted = %v", i, res.Counted)
		}
	}
	if n, _ := store.Reports(ctx, uid); n != 1 {
		t.Errorf("reporters = %d, want 1", n)
	}
	if st, _ := store.IsBanned(ctx, uid); st.Banned {
		t.Error("repeat reports must not ban")
	}
}

func TestReportAndCheck_EscalatesAndResets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_autoban"

	n := 0
	report := func() ReportResult {
		t.Helper()
		n++
		res, err := store.ReportAndCheck(ctx, uid, fmt.Sprintf("reporter-%d", n))
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	report()
	report()
	if res := report(); !res.Banned || res.Duration != Ban15Min {
		t.Fatalf("first auto-ban: %+v, want banned for 15m", res)
	}
	st, _ := store.IsBanned(ctx, uid)
	if st.Reason != reasonReports {
		t.Errorf("reason = %q", st.Reason)
	}
	if n, _ := store.Reports(ctx, uid); n != 0 {
		t.Errorf("reporters = %d after ban, want reset", n)
	}

	store.Unban(ctx, uid)
	report()
	report()
	if res := report(); res.Duration != Ban1Hour {
		t.Errorf("second auto-ban duration = %v, want 1h", res.Duration)
	}
}

func TestReportWindowTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_ttl"

	store.ReportAndCheck(ctx, uid, "r1")
	store.ReportAndCheck(ctx, uid, "r2")

	ttl, err := store.client.TTL(ctx, ReportsPrefix+uid).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl < ReportsTTL-10*time.Second || ttl > ReportsTTL {
		t.Errorf("expected TTL ~24h, got %v", ttl)
	}
}
