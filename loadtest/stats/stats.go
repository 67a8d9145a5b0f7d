// Package stats aggregates client-side load test measurements and scraped
// matcher metrics into one report.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Summary is the distribution of one latency series.
type Summary struct {
	N                  int
	Avg, P50, P95, P99 time.Duration
	Max                time.Duration
}

// Summarize computes a Summary. samples is sorted in place.
func Summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	n := len(samples)
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: quantile(samples, 0.50),
		P95: quantile(samples, 0.95),
		P99: quantile(samples, 0.99),
		Max: samples[n-1],
	}
}

// quantile uses the nearest-rank method on sorted samples.
func quantile(sorted []time.Duration, q float64) time.Duration {
	rank := int(q*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg=%v p50=%v p95=%v p99=%v max=%v n=%d",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// Collector gathers results from many client goroutines.
type Collector struct {
	mu      sync.Mutex
	started time.Time
	connect []time.Duration
	match   []time.Duration
	errors  int
	scraper *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.mu.Unlock()
}

// AddMatchLatency records the time from find_match to match_found.
func (c *Collector) AddMatchLatency(d time.Duration) {
	c.mu.Lock()
	c.match = append(c.match, d)
	c.mu.Unlock()
}

// AddError counts one failed action.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns how many connections were recorded.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connect)
}

// ErrorCount returns how many errors were recorded.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", len(c.connect))
	fmt.Printf("Errors:       %d\n", c.errors)
	if attempts := len(c.connect) + c.errors; attempts > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}

	if len(c.connect) > 0 {
		fmt.Printf("\nConnect latency: %s\n", Summarize(c.connect))
	}
	if len(c.match) > 0 {
		fmt.Printf("Match latency:   %s\n", Summarize(c.match))
	}
	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}
