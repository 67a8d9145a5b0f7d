package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-matcher/internal/auth"
	"github.com/whisper/chat-matcher/internal/config"
	"github.com/whisper/chat-matcher/internal/gateway"
	"github.com/whisper/chat-matcher/internal/messaging"
	"github.com/whisper/chat-matcher/internal/presence"
	"github.com/whisper/chat-matcher/internal/ratelimit"
	"github.com/whisper/chat-matcher/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.GatewayAddr
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gw-1"
	}

	limiter := ratelimit.NewLimiter(rdb)
	secret := []byte(cfg.JWTSecret)
	authenticate := func(r *http.Request) (string, error) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if ok, _ := limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			return "", ws.ErrThrottled
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			token = auth.BearerToken(r.Header.Get("Authorization"))
		}
		return auth.ParseToken(secret, token)
	}

	gw := gateway.New(natsClient, presence.NewTracker(rdb, serverName), limiter)
	server := ws.NewServer(wsConfig, authenticate, gw.Hooks())
	gw.SetSender(server)

	log.Printf("Chat gateway starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", serverName)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("ws server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	// Shutdown runs OnDisconnect for every socket, so NATS stays open until
	// it returns.
	if err := server.Shutdown(); err != nil {
		log.Printf("ws shutdown: %v", err)
	}
	natsClient.Close()
	rdb.Close()
}
