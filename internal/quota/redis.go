package quota

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "quota:" // + <user_id> -> Hash {day, matches, uploads}
	fieldDay  = "day"

	// Records outlive their day by a margin so a refund issued just after
	// midnight still finds the stored day and is rejected cleanly.
	recordTTL = 48 * time.Hour
)

// reserveLua resets the record when the stored day differs from today,
// then increments the counter only if it is below the limit.
//
// KEYS[1] = quota:<user>
// ARGV[1] = today, ARGV[2] = counter field, ARGV[3] = limit (-1 unlimited), ARGV[4] = ttl seconds
//
// Returns {granted (0|1), used}.
var reserveLua = redis.NewScript(`
local day = redis.call('HGET', KEYS[1], 'day')
if day ~= ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], 'day', ARGV[1])
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
end
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local limit = tonumber(ARGV[3])
if limit >= 0 and used >= limit then
	return {0, used}
end
used = redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return {1, used}
`)

// releaseLua decrements the counter if the record still belongs to the
// reservation's day and the counter is positive.
//
// KEYS[1] = quota:<user>
// ARGV[1] = reservation day, ARGV[2] = counter field
var releaseLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'day') ~= ARGV[1] then
	return 0
end
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
if used <= 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[2], -1)
return 1
`)

// RedisLedger stores one hash per user in Redis.
type RedisLedger struct {
	client *redis.Client
	loc    *time.Location
	now    func() time.Time
}

// NewRedisLedger creates a ledger counting days in loc.
func NewRedisLedger(client *redis.Client, loc *time.Location) *RedisLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &RedisLedger{client: client, loc: loc, now: time.Now}
}

// CheckAndReserve implements Ledger.
func (l *RedisLedger) CheckAndReserve(ctx context.Context, userID string, c Counter, limit int) (Reservation, error) {
	day := DayKey(l.now(), l.loc)
	res, err := reserveLua.Run(ctx, l.client, []string{keyPrefix + userID},
		day, string(c), limit, int(recordTTL.Seconds())).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("quota: reserve %s for %s: %w", c, userID, err)
	}
	if len(res) != 2 {
		return Reservation{}, fmt.Errorf("quota: reserve %s for %s: unexpected script result %v", c, userID, res)
	}

	used := int(res[1])
	if res[0] == 0 {
		return Reservation{}, &ExceededError{Counter: c, Limit: limit, Used: used}
	}
	return Reservation{UserID: userID, Counter: c, Day: day, Used: used}, nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, r Reservation) error {
	refunded, err := releaseLua.Run(ctx, l.client, []string{keyPrefix + r.UserID}, r.Day, string(r.Counter)).Int()
	if err != nil {
		return fmt.Errorf("quota: release %s for %s: %w", r.Counter, r.UserID, err)
	}
	if refunded == 0 {
		log.Printf("[quota] release skipped for user=%s counter=%s day=%s", r.UserID, r.Counter, r.Day)
	}
	return nil
}

// Usage implements Ledger. A record from an earlier day counts as zero.
func (l *RedisLedger) Usage(ctx context.Context, userID string, c Counter) (int, error) {
	vals, err := l.client.HMGet(ctx, keyPrefix+userID, fieldDay, string(c)).Result()
	if err != nil {
		return 0, fmt.Errorf("quota: usage %s for %s: %w", c, userID, err)
	}
	day, _ := vals[0].(string)
	if day != DayKey(l.now(), l.loc) {
		return 0, nil
	}
	raw, _ := vals[1].(string)
	if raw == "" {
		return 0, nil
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("quota: usage %s for %s: corrupt counter %q", c, userID, raw)
	}
	return used, nil
}
