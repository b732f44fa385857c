package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/anonchat/loadtest/client"
	"github.com/whisper/anonchat/loadtest/stats"
)

// stampPrefix tags load test messages so the receiver can recover the send
// time from the text.
const stampPrefix = "lt "

// runChat drives the full chat lifecycle: connect and identify, search,
// exchange messages with whoever the engine pairs us with, then end the
// chat. Message latency is measured end to end through gateway, engine and
// gateway again.
func runChat(args []string) {
	fs := pflag.NewFlagSet("chat", pflag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of simulated users (paired by the engine)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each user chats once matched")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for a partner")
	matchedText := fs.String("matched-text", "Partner found", "Notice text that signals a new pair")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Engine Prometheus endpoint")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	secret := fs.String("secret", os.Getenv("IDENTITY_SECRET"), "Gateway identity secret used to sign tokens")
	_ = fs.Parse(args)

	fmt.Printf("Chat test: %d users to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect and identify
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect ---")
	signer := client.NewSigner(*secret, time.Hour)
	clients := connectAll(ctx, *url, signer, *users, *rampUp, *concurrency, collector)
	fmt.Printf("Connected %d/%d users (%d errors)\n", len(clients), *users, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2 and 3: search, then chat until the deadline
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Search and chat ---")
	var matched, sent, received atomic.Int64
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			if !searchAndWait(ctx, c, *matchTimeout, *matchedText, collector) {
				return
			}
			matched.Add(1)
			s, r := converse(ctx, c, *chatDuration, *msgInterval, *msgSize, collector)
			sent.Add(s)
			received.Add(r)
			_ = c.EndChat()
		}(c)
	}
	wg.Wait()

	fmt.Printf("Matched: %d/%d  sent: %d  received: %d\n",
		matched.Load(), len(clients), sent.Load(), received.Load())

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, c := range clients {
		collector.AddRateLimited(int(c.GetMetrics().RateLimited))
		c.Close()
	}
	scraper.Stop()
	collector.Report()
}

// connectAll dials and identifies n clients, launching one every
// rampUp/n with at most concurrency attempts in flight.
func connectAll(ctx context.Context, url string, signer *client.Signer, n int, rampUp time.Duration, concurrency int, collector *stats.Collector) []*client.Client {
	interval := rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Dial(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.Identify(connCtx, "", signer); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

func searchAndWait(ctx context.Context, c *client.Client, timeout time.Duration, matchedText string, collector *stats.Collector) bool {
	start := time.Now()
	if err := c.Search(); err != nil {
		collector.AddError()
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.WaitNotice(waitCtx, matchedText); err != nil {
		collector.AddError()
		return false
	}
	collector.AddMatchWait(time.Since(start))
	return true
}

// converse sends a stamped message every interval until duration elapses or the
// partner leaves, recording the latency of every stamped message received.
func converse(ctx context.Context, c *client.Client, duration, interval time.Duration, size int, collector *stats.Collector) (sent, received int64) {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	filler := padding(size)
	for {
		select {
		case <-ctx.Done():
			return sent, received
		case <-c.Done():
			return sent, received
		case <-deadline.C:
			return sent, received

		case <-ticker.C:
			text := stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + " " + filler
			if err := c.SendText(text); err != nil {
				collector.AddError()
				return sent, received
			}
			sent++

		case d := <-c.Deliveries():
			if d.Kind == client.KindNotice {
				if strings.Contains(d.Text, "partner left") {
					return sent, received
				}
				continue
			}
			if at, ok := stampTime(d.Text); ok {
				collector.AddMsgLatency(d.Received.Sub(at))
				received++
			}
		}
	}
}

// stampTime extracts the send time from a stamped message.
func stampTime(text string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(text, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, _ := strings.Cut(rest, " ")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// padding builds readable filler text so spam heuristics stay quiet.
func padding(size int) string {
	words := []string{"hello", "how", "are", "you", "doing", "today", "nice", "weather"}
	var b strings.Builder
	for i := 0; b.Len() < size; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[i%len(words)])
	}
	return b.String()
}
