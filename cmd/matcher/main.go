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

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-matcher/internal/api"
	"github.com/whisper/chat-matcher/internal/config"
	"github.com/whisper/chat-matcher/internal/matching"
	"github.com/whisper/chat-matcher/internal/messaging"
	"github.com/whisper/chat-matcher/internal/presence"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
	"github.com/whisper/chat-matcher/internal/session"
	"github.com/whisper/chat-matcher/internal/storage"
)

func main() {
	log.Println("Starting chat matcher...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Postgres setup.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	db, err := storage.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	gdb, err := storage.OpenGorm(db)
	if err != nil {
		log.Fatalf("failed to open gorm: %v", err)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-matcher"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	sessions := session.NewManager(session.NewPostgresStore(db), messaging.NewNotifier(natsClient))
	queue := matching.NewQueue(rdb)
	engine := matching.NewEngine(queue, sessions, messaging.NewNotifier(natsClient), matching.EngineConfig{
		MatchInterval: cfg.MatchInterval,
		SleepInterval: cfg.SleepInterval,
		FallbackGrace: cfg.FallbackGrace,
		QueueTimeout:  cfg.QueueTimeout,
	})
	svc := matching.NewService(
		queue,
		profile.NewStore(gdb),
		quota.NewRedisLedger(rdb, cfg.Location()),
		quota.Limits{Free: cfg.FreeDailyMatches, Premium: cfg.PremiumDailyMatches},
		sessions,
		engine,
	)
	if err := svc.Serve(natsClient); err != nil {
		log.Fatalf("failed to serve NATS requests: %v", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	go engine.Run(runCtx)
	if cfg.CleanupInterval > 0 {
		go matching.StartCleanup(runCtx, svc, presence.NewTracker(rdb, ""), cfg.CleanupInterval)
	}

	if cfg.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET is empty; HTTP API tokens cannot be verified")
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewHandler(svc, []byte(cfg.JWTSecret)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	log.Printf("Chat matcher running")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  nats_url:    %s", cfg.NATSURL)
	log.Printf("  limits:      free=%d premium=%d (%s)", cfg.FreeDailyMatches, cfg.PremiumDailyMatches, cfg.QuotaTimezone)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	natsClient.Close()
	db.Close()
	rdb.Close()
}
