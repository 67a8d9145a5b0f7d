package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/chat-matcher/internal/protocol"
	"github.com/whisper/chat-matcher/loadtest/client"
	"github.com/whisper/chat-matcher/loadtest/stats"
)

// matchCounters is shared by all users of one run.
type matchCounters struct {
	matched  atomic.Int64
	ended    atomic.Int64
	quota    atomic.Int64
	timeouts atomic.Int64
}

// runMatch connects users lt-0..lt-(n-1) and runs search rounds. In each
// round every user sends find_match and waits for match_found. The partner
// with the smaller id ends the session and the other waits for session_ended
// before searching again. Profiles must exist; see the seed command.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of users (lt-0 .. lt-n-1)")
	rounds := fs.Int("rounds", 5, "Search rounds per user")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match_found")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	secret := fs.String("secret", envOr("JWT_SECRET", ""), "JWT secret shared with the gateway")
	matcherMetrics := fs.String("metrics", "http://localhost:8081/metrics", "Matcher metrics URL (empty to disable)")
	gatewayMetrics := fs.String("gateway-metrics", "http://localhost:8080/metrics", "Gateway metrics URL (empty to disable)")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)
	tokens := newTokenSource(*secret)

	fmt.Printf("Match test: %d users x %d rounds to %s (match-timeout=%s, concurrency=%d)\n",
		*users, *rounds, *url, *matchTimeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*scrapeInterval, *matcherMetrics, *gatewayMetrics)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := connectAll(ctx, *url, *users, *concurrency, 0, tokens, collector)
	fmt.Printf("Connected %d/%d users (%d errors)\n", len(clients), *users, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Phase 2: Match rounds ---")
		var counters matchCounters
		start := time.Now()

		progressStop := make(chan struct{})
		go reportProgress(&counters, collector, progressStop)

		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				runRounds(ctx, c, *rounds, *matchTimeout, collector, &counters)
			}(c)
		}
		wg.Wait()
		close(progressStop)

		elapsed := time.Since(start)
		fmt.Printf("\n--- Match Results ---\n")
		fmt.Printf("Matches received:   %d (%d pairs)\n", counters.matched.Load(), counters.matched.Load()/2)
		fmt.Printf("Sessions ended:     %d\n", counters.ended.Load())
		fmt.Printf("Quota exceeded:     %d\n", counters.quota.Load())
		fmt.Printf("Timeouts:           %d\n", counters.timeouts.Load())
		fmt.Printf("Duration:           %s\n", elapsed.Round(time.Millisecond))
		if elapsed.Seconds() > 0 {
			fmt.Printf("Throughput:         %.1f pairs/s\n", float64(counters.matched.Load()/2)/elapsed.Seconds())
		}
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// runRounds drives one user through its search rounds.
func runRounds(ctx context.Context, c *client.Client, rounds int, timeout time.Duration,
	collector *stats.Collector, counters *matchCounters) {
	found := make(chan protocol.MatchFoundMsg, 4)
	ended := make(chan protocol.SessionEndedMsg, 4)
	exceeded := make(chan struct{}, 1)

	c.On(protocol.TypeMatchFound, func(raw json.RawMessage) {
		var m protocol.MatchFoundMsg
		if json.Unmarshal(raw, &m) == nil {
			select {
			case found <- m:
			default:
			}
		}
	})
	c.On(protocol.TypeSessionEnded, func(raw json.RawMessage) {
		var m protocol.SessionEndedMsg
		if json.Unmarshal(raw, &m) == nil {
			select {
			case ended <- m:
			default:
			}
		}
	})
	c.On(protocol.TypeQuotaExceeded, func(json.RawMessage) {
		select {
		case exceeded <- struct{}{}:
		default:
		}
	})

	for i := 0; i < rounds; i++ {
		start := time.Now()
		if err := c.FindMatch(); err != nil {
			collector.AddError()
			return
		}

		var match protocol.MatchFoundMsg
		timer := time.NewTimer(timeout)
		select {
		case match = <-found:
			timer.Stop()
		case <-exceeded:
			timer.Stop()
			counters.quota.Add(1)
			return
		case <-timer.C:
			counters.timeouts.Add(1)
			collector.AddError()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		collector.AddMatchLatency(time.Since(start))
		counters.matched.Add(1)

		if c.UserID < match.PartnerID {
			if err := c.EndSession(match.SessionID); err != nil {
				collector.AddError()
				return
			}
			counters.ended.Add(1)
			continue
		}

		if !awaitEnd(ctx, ended, match.SessionID, timeout) {
			counters.timeouts.Add(1)
			collector.AddError()
			return
		}
	}
}

// awaitEnd waits for session_ended for sessionID, skipping notices for
// older sessions.
func awaitEnd(ctx context.Context, ended <-chan protocol.SessionEndedMsg, sessionID string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-ended:
			if m.SessionID == sessionID {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// connectAll dials n users with bounded concurrency, starting one dial per
// pace (0 starts them as fast as the concurrency bound allows). It stops
// launching when ctx is cancelled.
func connectAll(ctx context.Context, url string, n, concurrency int, pace time.Duration,
	tokens tokenSource, collector *stats.Collector) []*client.Client {
	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)
	for i := 0; i < n && ctx.Err() == nil; i++ {
		if pace > 0 && i > 0 {
			select {
			case <-time.After(pace):
			case <-ctx.Done():
				continue
			}
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := dial(connCtx, url, userID(i), tokens)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return clients
}

func reportProgress(counters *matchCounters, collector *stats.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := int64(0)
	lastTime := time.Now()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			matched := counters.matched.Load()
			rate := float64(matched-last) / now.Sub(lastTime).Seconds()
			fmt.Printf("  [match] matched: %d  ended: %d  quota: %d  errors: %d  rate: %.1f match/s\n",
				matched, counters.ended.Load(), counters.quota.Load(), collector.ErrorCount(), rate)
			last, lastTime = matched, now
		case <-stop:
			return
		}
	}
}

func closeAll(clients []*client.Client) {
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
