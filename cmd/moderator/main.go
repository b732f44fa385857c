package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/anonchat/internal/config"
	"github.com/whisper/anonchat/internal/messaging"
	"github.com/whisper/anonchat/internal/metrics"
	"github.com/whisper/anonchat/internal/moderation"
)

func main() {
	cfg, err := config.Parse("anonchat-moderator", os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("moderator: %v", err)
	}
}

// run answers moderation checks until SIGINT or SIGTERM. Several
// moderators may run side by side; they share one NATS queue group.
func run(cfg *config.Config) error {
	cfg.NATS.Name = cfg.ServerName + "-moderator"
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	filter := moderation.NewFilter()
	if len(cfg.Moderation.Terms) > 0 {
		filter = moderation.NewFilterWithTerms(cfg.Moderation.Terms)
	}

	err = natsClient.ServeModeration(func(data []byte) []byte {
		reply, outcome := moderation.Serve(filter, data)
		metrics.ModerationTotal.WithLabelValues(outcome).Inc()
		if outcome == moderation.OutcomeInvalid {
			log.Printf("[moderator] rejected malformed check (%d bytes)", len(data))
		}
		return reply
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", messaging.SubjectModeration, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.Admin.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[moderator] metrics server: %v", err)
		}
	}()

	log.Printf("anonchat moderator running")
	log.Printf("  nats_url:   %s", cfg.NATS.URL)
	log.Printf("  subject:    %s", messaging.SubjectModeration)
	log.Printf("  terms:      %d custom", len(cfg.Moderation.Terms))
	log.Printf("  admin_addr: %s", cfg.Admin.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
