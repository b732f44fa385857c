package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/whisper/anonchat/internal/admin"
	"github.com/whisper/anonchat/internal/backend"
	"github.com/whisper/anonchat/internal/ban"
	"github.com/whisper/anonchat/internal/clock"
	"github.com/whisper/anonchat/internal/config"
	"github.com/whisper/anonchat/internal/engine"
	"github.com/whisper/anonchat/internal/messaging"
	"github.com/whisper/anonchat/internal/migrations"
	"github.com/whisper/anonchat/internal/moderation"
	"github.com/whisper/anonchat/internal/profile"
	"github.com/whisper/anonchat/internal/report"
	"github.com/whisper/anonchat/internal/session"
	"github.com/whisper/anonchat/internal/stats"
	"github.com/whisper/anonchat/internal/transport"
)

func main() {
	cfg, err := config.Parse("anonchat-engine", os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Starting anonchat engine for shard %d/%d...", cfg.Shard.Index, cfg.Shard.Count)

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

	// PostgreSQL: reports through lib/pq, profiles through pgx.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	reportsDB, err := report.Open(ctx, cfg.Postgres.ReportsURL)
	if err != nil {
		cancel()
		log.Fatalf("failed to connect to report database: %v", err)
	}
	if cfg.Postgres.Migrate {
		if err := migrations.Up(reportsDB); err != nil {
			cancel()
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}
	profiles, err := profile.Connect(ctx, cfg.ProfilesURL(), cfg.Postgres.Pool)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to profile database: %v", err)
	}

	bans := ban.NewStore(rdb)
	policyGateway := backend.New(profiles, bans, report.NewStore(reportsDB))

	// Moderation: the moderator service or the in-process filter.
	var classifier moderation.Classifier
	if cfg.Moderation.Remote {
		classifier = moderation.NewRemote(natsClient, messaging.SubjectModeration, cfg.Moderation.Timeout)
	} else {
		filter := moderation.NewFilter()
		if len(cfg.Moderation.Terms) > 0 {
			filter = moderation.NewFilterWithTerms(cfg.Moderation.Terms)
		}
		classifier = moderation.NewLocal(filter)
	}

	// Stats: asynq tasks applied to Redis counters by an in-process worker.
	var recorder stats.Recorder = stats.Discard{}
	var statsServer *asynq.Server
	statsHandler := stats.NewHandler(rdb)
	if cfg.Stats.Enabled {
		opt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		asynqRecorder := stats.NewAsynqRecorder(opt)
		defer asynqRecorder.Close()
		recorder = asynqRecorder

		mux := asynq.NewServeMux()
		statsHandler.Register(mux)
		statsServer = stats.NewServer(opt, cfg.Stats.Concurrency)
		if err := statsServer.Start(mux); err != nil {
			log.Fatalf("failed to start stats worker: %v", err)
		}
	}

	eng := engine.New(cfg.Engine, engine.Deps{
		Clock:      clock.Real(),
		Policy:     policyGateway,
		Classifier: classifier,
		Strikes:    moderation.NewRedisStrikes(rdb, cfg.Engine.Strikes.Window),
		Transport:  transport.NewNATS(natsClient, 2*time.Second),
		Stats:      recorder,
		Presence:   session.NewStore(rdb, cfg.ServerName),
	})
	policyGateway.OnAutoBan = eng.AutoBanned

	eng.Start()
	if err := eng.Serve(natsClient, cfg.Shard.Index); err != nil {
		log.Fatalf("failed to subscribe to shard %d: %v", cfg.Shard.Index, err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	eng.StartCleanup(runCtx)

	adminServer := &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: admin.NewRouter(admin.Dependencies{
			Engine: eng,
			Bans:   bans,
			Stats:  statsHandler,
			Shard:  cfg.Shard.Index,
		}),
	}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server error: %v", err)
		}
	}()

	log.Printf("anonchat engine running")
	log.Printf("  shard:      %d/%d", cfg.Shard.Index, cfg.Shard.Count)
	log.Printf("  redis_addr: %s", cfg.Redis.Addr)
	log.Printf("  nats_url:   %s", cfg.NATS.URL)
	log.Printf("  admin_addr: %s", cfg.Admin.Addr)
	log.Printf("  moderation: remote=%v", cfg.Moderation.Remote)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin shutdown error: %v", err)
	}
	shutdownCancel()

	// Drain the command subscription before the lanes close.
	natsClient.Close()
	eng.Stop()
	if statsServer != nil {
		statsServer.Shutdown()
	}
	profiles.Close()
	reportsDB.Close()
	rdb.Close()
}
