package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/whisper/anonchat/internal/auth"
	"github.com/whisper/anonchat/internal/config"
	"github.com/whisper/anonchat/internal/gateway"
	"github.com/whisper/anonchat/internal/messaging"
	"github.com/whisper/anonchat/internal/ratelimit"
	"github.com/whisper/anonchat/internal/session"
	"github.com/whisper/anonchat/internal/shard"
)

func main() {
	cfg, err := config.Parse("anonchat-gateway", os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Println("Starting anonchat gateway...")

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	cfg.NATS.Name = cfg.ServerName
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	identity, err := auth.NewVerifier([]byte(cfg.Gateway.IdentitySecret), nil)
	if err != nil {
		log.Fatalf("identity tokens (set IDENTITY_SECRET): %v", err)
	}

	server, err := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Bus:      natsClient,
		Sessions: session.NewStore(rdb, cfg.ServerName),
		Limits:   ratelimit.NewLimiter(rdb),
		Identity: identity,
		Router:   shard.New(cfg.Shard.Count),
	})
	if err != nil {
		log.Fatalf("failed to create gateway: %v", err)
	}

	log.Printf("  server:     %s", cfg.ServerName)
	log.Printf("  shards:     %d", cfg.Shard.Count)
	log.Printf("  redis_addr: %s", cfg.Redis.Addr)
	log.Printf("  nats_url:   %s", cfg.NATS.URL)

	// Graceful shutdown. Connections close before NATS so their
	// disconnects still reach the engines.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
