package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestLimitsFor(t *testing.T) {
	l := Limits{Free: 5, Premium: 50}
	if l.For(false) != 5 || l.For(true) != 50 {
		t.Errorf("Limits.For = %d/%d", l.For(false), l.For(true))
	}
}

func TestMemoryLedger_DeniesAtLimit(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(time.UTC, clock.Now)

	for i := 1; i <= 3; i++ {
		r, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 3)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if r.Used != i {
			t.Errorf("reserve %d: Used = %d", i, r.Used)
		}
	}

	_, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 3)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *ExceededError, got %v", err)
	}
	if !errors.Is(err, ErrExceeded) {
		t.Error("ExceededError should wrap ErrExceeded")
	}
	if exceeded.Limit != 3 || exceeded.Used != 3 {
		t.Errorf("exceeded = %+v", exceeded)
	}

	// Denial does not mutate the counter.
	if used, _ := l.Usage(ctx, "u1", CounterMatches); used != 3 {
		t.Errorf("usage after denial = %d, want 3", used)
	}
}

func TestMemoryLedger_CountersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.UTC, nil)

	if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1); err != nil {
		t.Fatalf("matches: %v", err)
	}
	if _, err := l.CheckAndReserve(ctx, "u1", CounterUploads, 1); err != nil {
		t.Fatalf("uploads should be independent of matches: %v", err)
	}
	if _, err := l.CheckAndReserve(ctx, "u2", CounterMatches, 1); err != nil {
		t.Fatalf("users should be independent: %v", err)
	}
}

func TestMemoryLedger_Unlimited(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.UTC, nil)
	for i := 0; i < 100; i++ {
		if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, Unlimited); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
}

func TestMemoryLedger_ZeroLimitDeniesFirst(t *testing.T) {
	l := NewMemoryLedger(time.UTC, nil)
	if _, err := l.CheckAndReserve(context.Background(), "u1", CounterMatches, 0); !errors.Is(err, ErrExceeded) {
		t.Errorf("zero limit: err = %v", err)
	}
}

func TestMemoryLedger_DayRollover(t *testing.T) {
	ctx := context.Background()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 22:30 UTC on May 1 is already May 2 in Berlin.
	clock := &fakeClock{t: time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(berlin, clock.Now)

	if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1); !errors.Is(err, ErrExceeded) {
		t.Fatalf("second reserve same day: err = %v", err)
	}

	clock.Set(time.Date(2026, 5, 1, 22, 30, 0, 0, time.UTC))
	r, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1)
	if err != nil {
		t.Fatalf("reserve after rollover: %v", err)
	}
	if r.Day != "2026-05-02" || r.Used != 1 {
		t.Errorf("reservation = %+v", r)
	}
}

func TestMemoryLedger_Release(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(time.UTC, clock.Now)

	r, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("release: %v", err)
	}
	if used, _ := l.Usage(ctx, "u1", CounterMatches); used != 0 {
		t.Errorf("usage after release = %d", used)
	}
	if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, 1); err != nil {
		t.Errorf("reserve after refund: %v", err)
	}

	// A refund for yesterday's reservation must not touch today's count.
	clock.Set(clock.Now().Add(24 * time.Hour))
	today, _ := l.CheckAndReserve(ctx, "u1", CounterMatches, 5)
	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if used, _ := l.Usage(ctx, "u1", CounterMatches); used != today.Used {
		t.Errorf("stale release changed usage to %d", used)
	}
}

func TestMemoryLedger_ConcurrentReserveNeverExceeds(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.UTC, nil)
	const limit = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.CheckAndReserve(ctx, "u1", CounterMatches, limit); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want %d", granted, limit)
	}
}
