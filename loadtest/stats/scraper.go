package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// gauges are summed across label sets and reported as initial, final,
// delta and peak.
var gauges = []struct{ name, label string }{
	{"anonchat_connections_total", "Connections"},
	{"anonchat_active_pairs", "Active Pairs"},
	{"anonchat_queue_size", "Queue Size"},
	{"anonchat_secret_sessions", "Secret Sessions"},
	{"anonchat_messages_total", "Messages Total"},
}

// histograms are reported as the average observation during the run.
var histograms = []struct{ name, label string }{
	{"anonchat_send_latency_seconds", "Send Latency"},
	{"anonchat_match_wait_seconds", "Match Wait"},
}

// snapshot is one scrape. Histograms are stored as name+"_sum" and
// name+"_count".
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls a Prometheus endpoint of the engine or gateway during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for url polling every interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once right away and then every interval until ctx ends or
// Stop is called. A last scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record()
				return
			case <-ticker.C:
				s.record()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// record keeps a successful scrape; failures are skipped because the
// server may not be up yet.
func (s *Scraper) record() {
	snap, err := s.fetch()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// fetch GETs the endpoint and decodes the exposition with expfmt.
func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("scrape %s: %s", s.url, resp.Status)
	}

	snap := snapshot{at: time.Now(), values: make(map[string]float64)}
	dec := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	for {
		var mf dto.MetricFamily
		err := dec.Decode(&mf)
		if errors.Is(err, io.EOF) {
			return snap, nil
		}
		if err != nil {
			return snapshot{}, err
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetHistogram() != nil:
				snap.values[mf.GetName()+"_sum"] += m.GetHistogram().GetSampleSum()
				snap.values[mf.GetName()+"_count"] += float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				snap.values[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				snap.values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetUntyped() != nil:
				snap.values[mf.GetName()] += m.GetUntyped().GetValue()
			}
		}
	}
}

// Report prints the server-side view of the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, g := range gauges {
		from, to := first.values[g.name], last.values[g.name]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, from, to, to-from, peak(snaps, g.name))
	}

	fmt.Println()
	for _, h := range histograms {
		sum := last.values[h.name+"_sum"] - first.values[h.name+"_sum"]
		count := last.values[h.name+"_count"] - first.values[h.name+"_count"]
		if count <= 0 {
			fmt.Printf("  %-16s avg: N/A  (no observations)\n", h.label)
			continue
		}
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", h.label, sum/count, count)
	}
}

// peak is the largest value of name across snaps.
func peak(snaps []snapshot, name string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[name])
	}
	return p
}
