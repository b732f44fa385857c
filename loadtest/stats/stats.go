// Package stats aggregates load test measurements from many clients, scrapes
// the server's Prometheus endpoint and prints a summary report with
// percentile distributions.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Latency series recorded by the scenarios, in report order.
const (
	seriesConnect = "Connect Latency"
	seriesMatch   = "Match Wait"
	seriesMessage = "Message Latency"
)

var seriesOrder = []string{seriesConnect, seriesMatch, seriesMessage}

// Collector is safe for concurrent use by every client goroutine.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	connections int
	errors      int
	rateLimited int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a scraper whose server-side summary is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) observe(series string, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddConnect records an identified connection and its dial latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.series[seriesConnect] = append(c.series[seriesConnect], d)
	c.mu.Unlock()
}

// AddMatchWait records the time between a search and the matched notice.
func (c *Collector) AddMatchWait(d time.Duration) { c.observe(seriesMatch, d) }

// AddMsgLatency records the send-to-deliver time of one stamped message.
func (c *Collector) AddMsgLatency(d time.Duration) { c.observe(seriesMessage, d) }

// AddRateLimited counts rate_limited frames received by a client.
func (c *Collector) AddRateLimited(n int) {
	c.mu.Lock()
	c.rateLimited += n
	c.mu.Unlock()
}

// AddError counts a failed dial, identify, search or send.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of identified connections so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of errors so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints totals, each latency series and the scraped server metrics.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if attempts := c.connections + c.errors; attempts > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}
	if c.rateLimited > 0 {
		fmt.Printf("Rate limited: %d\n", c.rateLimited)
	}

	for _, name := range seriesOrder {
		if s := summarize(c.series[name]); s.n > 0 {
			fmt.Printf("\n--- %s ---\n%s\n", name, s)
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// summary holds the percentiles of one latency series.
type summary struct {
	n                       int
	avg, p50, p95, p99, max time.Duration
}

func summarize(samples []time.Duration) summary {
	if len(samples) == 0 {
		return summary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	return summary{
		n:   n,
		avg: sum / time.Duration(n),
		p50: sorted[n/2],
		p95: sorted[rank(n, 0.95)],
		p99: sorted[rank(n, 0.99)],
		max: sorted[n-1],
	}
}

// rank is the nearest-rank index of percentile q in n sorted samples.
func rank(n int, q float64) int {
	return max(int(math.Ceil(float64(n)*q))-1, 0)
}

func (s summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.avg), r(s.p50), r(s.p95), r(s.p99), r(s.max), s.n)
}
