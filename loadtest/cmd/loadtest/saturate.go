package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/anonchat/loadtest/client"
	"github.com/whisper/anonchat/loadtest/stats"
)

// runSaturate opens and identifies the requested number of connections,
// then holds them idle so the gateway heartbeat and session refresh run at
// full population. Drops during the hold are reported.
func runSaturate(args []string) {
	fs := pflag.NewFlagSet("saturate", pflag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold the connections open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Gateway Prometheus endpoint")
	secret := fs.String("secret", os.Getenv("IDENTITY_SECRET"), "Gateway identity secret used to sign tokens")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up ---")
	start := time.Now()
	signer := client.NewSigner(*secret, time.Hour)
	clients := connectAll(ctx, *url, signer, *connections, *rampUp, *concurrency, collector)
	fmt.Printf("Opened %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold ---")
		dropped := holdOpen(ctx, clients, *hold)
		if dropped > 0 {
			fmt.Printf("Connections dropped during hold: %d\n", dropped)
		}
	}

	fmt.Println("\n--- Cleanup ---")
	for _, c := range clients {
		c.Close()
	}
	scraper.Stop()
	collector.Report()
}

// holdOpen waits for d, printing how many clients are still connected every
// five seconds, and returns how many were lost.
func holdOpen(ctx context.Context, clients []*client.Client, d time.Duration) int {
	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted during hold.")
			return len(clients) - alive(clients)
		case <-timer.C:
			return len(clients) - alive(clients)
		case <-status.C:
			n := alive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, len(clients), len(clients)-n)
		}
	}
}

func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
