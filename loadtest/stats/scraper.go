package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Scraped series. Labelled series are summed across labels.
const (
	seriesQueueSize       = "matcher_queue_size"
	seriesSessionsCreated = "matcher_sessions_created_total"
	seriesMatches         = "matcher_matches_total"
	seriesEnqueues        = "matcher_enqueue_total"
	seriesFailures        = "matcher_match_failures_total"
	seriesWaitSum         = "matcher_match_wait_seconds_sum"
	seriesWaitCount       = "matcher_match_wait_seconds_count"
	seriesScanSum         = "matcher_scan_duration_seconds_sum"
	seriesScanCount       = "matcher_scan_duration_seconds_count"
	seriesConnections     = "gateway_connections"
)

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls Prometheus endpoints during a run. Each URL is fetched on
// every tick and the values are merged into one snapshot.
type Scraper struct {
	urls     []string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a scraper for the given metrics URLs. Empty URLs are
// ignored.
func NewScraper(interval time.Duration, urls ...string) *Scraper {
	s := &Scraper{
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
	for _, u := range urls {
		if u != "" {
			s.urls = append(s.urls, u)
		}
	}
	return s
}

// Start takes a snapshot now and then every interval until Stop or ctx
// cancellation.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap := snapshot{at: time.Now(), values: make(map[string]float64)}
	for _, u := range s.urls {
		resp, err := s.client.Get(u)
		if err != nil {
			// The server may not be up yet.
			continue
		}
		parseExposition(resp.Body, snap.values)
		resp.Body.Close()
	}
	if len(snap.values) == 0 {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseExposition adds every sample in r to values, keyed by series name
// without labels.
func parseExposition(r io.Reader, values map[string]float64) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if ok {
			values[name] += value
		}
	}
}

// parseMetricLine splits `name{labels} value` into name and value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", 0, false
		}
		name, rest = line[:i], line[j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], fields[1]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak values of the scraped
// series, plus histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct{ label, series string }{
		{"Connections", seriesConnections},
		{"Queue Size", seriesQueueSize},
		{"Enqueues", seriesEnqueues},
		{"Matches", seriesMatches},
		{"Sessions", seriesSessionsCreated},
		{"Match Failures", seriesFailures},
	}
	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := first.values[r.series], last.values[r.series]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.series))
	}

	fmt.Println()
	printHistogramAvg("Queue Wait", first, last, seriesWaitSum, seriesWaitCount)
	printHistogramAvg("Scan Duration", first, last, seriesScanSum, seriesScanCount)
}

func printHistogramAvg(label string, first, last snapshot, sum, count string) {
	dSum := last.values[sum] - first.values[sum]
	dCount := last.values[count] - first.values[count]
	if dCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", label, dSum/dCount, dCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peak(snaps []snapshot, series string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[series]; v > p {
			p = v
		}
	}
	return p
}
