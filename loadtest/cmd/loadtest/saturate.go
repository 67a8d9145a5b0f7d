package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-matcher/loadtest/client"
	"github.com/whisper/chat-matcher/loadtest/stats"
)

// runSaturate opens authenticated gateway connections at a steady rate, then
// holds them idle while counting drops. Each connection registers presence,
// so this also loads the Redis presence path and the heartbeat sweep.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	secret := fs.String("secret", envOr("JWT_SECRET", ""), "JWT secret shared with the gateway")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Gateway metrics URL (empty to disable)")
	fs.Parse(args)
	tokens := newTokenSource(*secret)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(2*time.Second, *metricsURL)
	scraper.Start(ctx)
	collector.SetScraper(scraper)

	fmt.Println("\n--- Ramp-up ---")
	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), *connections, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	pace := *rampUp / time.Duration(max(*connections, 1))
	clients := connectAll(ctx, *url, *connections, *concurrency, pace, tokens, collector)
	close(progressStop)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		dropped := holdConnections(ctx, clients, *hold)
		if dropped > 0 {
			fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
		}
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// holdConnections waits for hold or ctx, printing liveness every five
// seconds, and returns how many connections died meanwhile.
func holdConnections(ctx context.Context, clients []*client.Client, hold time.Duration) int {
	fmt.Printf("\n--- Hold: %d connections for %s ---\n", len(clients), hold)

	alive := func() int {
		n := 0
		for _, c := range clients {
			if c.Alive() {
				n++
			}
		}
		return n
	}

	deadline := time.NewTimer(hold)
	defer deadline.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			return len(clients) - alive()
		case <-deadline.C:
			return len(clients) - alive()
		case <-status.C:
			n := alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, len(clients), len(clients)-n)
		}
	}
}
