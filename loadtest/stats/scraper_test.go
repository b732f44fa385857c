package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const exposition = `# HELP anonchat_connections_total Current connections.
# TYPE anonchat_connections_total gauge
anonchat_connections_total 42
# HELP anonchat_messages_total Relayed messages.
# TYPE anonchat_messages_total counter
anonchat_messages_total{outcome="delivered"} 10
anonchat_messages_total{outcome="blocked"} 2
# HELP anonchat_match_wait_seconds Time spent queued.
# TYPE anonchat_match_wait_seconds histogram
anonchat_match_wait_seconds_bucket{le="1"} 3
anonchat_match_wait_seconds_bucket{le="+Inf"} 4
anonchat_match_wait_seconds_sum 6
anonchat_match_wait_seconds_count 4
`

func TestScraperFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, time.Second)
	snap, err := s.fetch()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := map[string]float64{
		"anonchat_connections_total":        42,
		"anonchat_messages_total":           12,
		"anonchat_match_wait_seconds_sum":   6,
		"anonchat_match_wait_seconds_count": 4,
	}
	for name, v := range want {
		if got := snap.values[name]; got != v {
			t.Errorf("%s = %v, want %v", name, got, v)
		}
	}
}

func TestScraperFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewScraper(srv.URL, time.Second).fetch(); err == nil {
		t.Error("fetch should fail on a non-200 response")
	}
}

func TestPeak(t *testing.T) {
	snaps := []snapshot{
		{values: map[string]float64{"q": 3}},
		{values: map[string]float64{"q": 9}},
		{values: map[string]float64{"q": 1}},
	}
	if got := peak(snaps, "q"); got != 9 {
		t.Errorf("peak = %v, want 9", got)
	}
}

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	s := summarize(samples)

	if s.n != 100 {
		t.Fatalf("n = %d, want 100", s.n)
	}
	if s.p50 != 51*time.Millisecond || s.p95 != 95*time.Millisecond || s.p99 != 99*time.Millisecond {
		t.Errorf("percentiles = %v/%v/%v, want 51ms/95ms/99ms", s.p50, s.p95, s.p99)
	}
	if s.max != 100*time.Millisecond {
		t.Errorf("max = %v, want 100ms", s.max)
	}
	if samples[0] != 100*time.Millisecond {
		t.Error("summarize must not reorder the caller's samples")
	}
	if summarize(nil).n != 0 {
		t.Error("empty series should summarize to zero")
	}
}
