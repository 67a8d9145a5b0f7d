// Package quota keeps per-user daily counters with a lazy day rollover.
// A check and its increment happen atomically, so a user can never exceed
// the limit under concurrent requests.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Counter names one daily allowance.
type Counter string

const (
	CounterMatches Counter = "matches"
	CounterUploads Counter = "uploads"
)

// Unlimited disables the limit for a tier.
const Unlimited = -1

// ErrExceeded is the sentinel wrapped by *ExceededError.
var ErrExceeded = errors.New("quota: daily limit exceeded")

// ExceededError reports a denied reservation together with the limit that
// applied, so callers can show it to the user.
type ExceededError struct {
	Counter Counter
	Limit   int
	Used    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: daily %s limit of %d reached (used %d)", e.Counter, e.Limit, e.Used)
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// Limits are the free and premium daily allowances for one counter.
type Limits struct {
	Free    int
	Premium int
}

// For picks the limit for the given entitlement.
func (l Limits) For(isPremium bool) int {
	if isPremium {
		return l.Premium
	}
	return l.Free
}

// Reservation is a granted increment. Release refunds it as long as the
// day has not rolled over.
type Reservation struct {
	UserID  string
	Counter Counter
	Day     string
	Used    int // counter value after the increment
}

// Ledger is implemented by RedisLedger and MemoryLedger.
type Ledger interface {
	// CheckAndReserve increments the counter if it is below limit. On denial
	// it returns *ExceededError and leaves the counter untouched.
	CheckAndReserve(ctx context.Context, userID string, c Counter, limit int) (Reservation, error)
	Release(ctx context.Context, r Reservation) error
	Usage(ctx context.Context, userID string, c Counter) (int, error)
}

// DayKey formats the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func allowed(used, limit int) bool {
	return limit == Unlimited || used < limit
}
