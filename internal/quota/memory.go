package quota

import (
	"context"
	"sync"
	"time"
)

type record struct {
	day    string
	counts map[Counter]int
}

// MemoryLedger is a process-local Ledger used as a test double.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*record
	loc     *time.Location
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger counting days in loc. A nil now
// uses time.Now.
func NewMemoryLedger(loc *time.Location, now func() time.Time) *MemoryLedger {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{records: make(map[string]*record), loc: loc, now: now}
}

// current returns the user's record for today, rolling it over if needed.
// Caller holds mu.
func (l *MemoryLedger) current(userID string) *record {
	day := DayKey(l.now(), l.loc)
	r, ok := l.records[userID]
	if !ok || r.day != day {
		r = &record{day: day, counts: make(map[Counter]int)}
		l.records[userID] = r
	}
	return r
}

// CheckAndReserve implements Ledger.
func (l *MemoryLedger) CheckAndReserve(_ context.Context, userID string, c Counter, limit int) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.current(userID)
	used := r.counts[c]
	if !allowed(used, limit) {
		return Reservation{}, &ExceededError{Counter: c, Limit: limit, Used: used}
	}
	r.counts[c] = used + 1
	return Reservation{UserID: userID, Counter: c, Day: r.day, Used: used + 1}, nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[res.UserID]
	if !ok || r.day != res.Day || r.counts[res.Counter] <= 0 {
		return nil
	}
	r.counts[res.Counter]--
	return nil
}

// Usage implements Ledger.
func (l *MemoryLedger) Usage(_ context.Context, userID string, c Counter) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(userID).counts[c], nil
}
