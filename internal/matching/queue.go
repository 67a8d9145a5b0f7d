package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/chat-matcher/internal/profile"
)

const (
	// Redis key patterns for the wait queue.
	keyMatchQueue  = "match:queue"  // Sorted set, score = join timestamp (ms), member = user id
	keyEntryPrefix = "match:entry:" // + <user_id> -> JSON QueueEntry
)

// Entry sources. Only gateway entries are tied to a live connection, so
// only they are swept when the connection's presence disappears.
const (
	SourceAPI     = "api"
	SourceGateway = "gateway"
)

// ErrInvalidEntry is returned for entries without a user id.
var ErrInvalidEntry = errors.New("matching: queue entry has no user id")

// QueueEntry is one user waiting for a partner.
type QueueEntry struct {
	UserID        string         `json:"user_id"`
	Gender        profile.Gender `json:"gender,omitempty"` // requester's own gender
	JoinedAt      time.Time      `json:"joined_at"`
	IsPremium     bool           `json:"is_premium"`
	GenderFilter  profile.Gender `json:"gender_filter,omitempty"`
	AllowFallback bool           `json:"allow_fallback"`
	Source        string         `json:"source,omitempty"`
}

// Filtered reports whether the entry only accepts one partner gender.
func (e QueueEntry) Filtered() bool { return e.GenderFilter != "" }

// Waited is how long the entry has been queued at now.
func (e QueueEntry) Waited(now time.Time) time.Duration { return now.Sub(e.JoinedAt) }

// WaitQueue holds at most one entry per user, ordered by join time.
type WaitQueue interface {
	// Enqueue inserts the entry, replacing any existing entry of the same
	// user. It reports whether an entry was replaced.
	Enqueue(ctx context.Context, e QueueEntry) (bool, error)
	// Requeue restores an entry taken for a pairing that did not complete.
	// It keeps the original JoinedAt and does nothing if the user has
	// queued again in the meantime.
	Requeue(ctx context.Context, e QueueEntry) error
	// Take removes the entry only if it is still the one given (same user
	// and join time). It is how a scan claims both sides of a pair.
	Take(ctx context.Context, e QueueEntry) (bool, error)
	Remove(ctx context.Context, userID string) (bool, error)
	// Snapshot returns all entries, oldest first.
	Snapshot(ctx context.Context) ([]QueueEntry, error)
	Contains(ctx context.Context, userID string) (bool, error)
	Size(ctx context.Context) (int64, error)
}

// upsertLua writes the ordering member and the entry payload together.
//
// KEYS[1] = match:queue, KEYS[2] = match:entry:<user>
// ARGV[1] = user id, ARGV[2] = score (ms), ARGV[3] = JSON entry
//
// Returns 1 if an entry was replaced.
var upsertLua = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[2])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3])
return existed
`)

// requeueLua is upsertLua that refuses to overwrite a newer entry.
var requeueLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3])
return 1
`)

// takeLua removes the entry only if its score still equals the expected
// join time.
//
// ARGV[1] = user id, ARGV[2] = expected score (ms)
var takeLua = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// removeLua deletes both keys of a user's entry.
var removeLua = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
local deleted = redis.call('DEL', KEYS[2])
if removed + deleted > 0 then
	return 1
end
return 0
`)

// Queue is the Redis-backed WaitQueue. Every mutation is a single script
// call, so the sorted set and the payload keys never diverge.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a wait queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func entryKeys(userID string) []string {
	return []string{keyMatchQueue, keyEntryPrefix + userID}
}

func encodeEntry(e QueueEntry) (score int64, payload []byte, err error) {
	if e.UserID == "" {
		return 0, nil, ErrInvalidEntry
	}
	e.JoinedAt = e.JoinedAt.Truncate(time.Millisecond)
	payload, err = json.Marshal(e)
	if err != nil {
		return 0, nil, fmt.Errorf("matching: encode entry %s: %w", e.UserID, err)
	}
	return e.JoinedAt.UnixMilli(), payload, nil
}

// Enqueue implements WaitQueue.
func (q *Queue) Enqueue(ctx context.Context, e QueueEntry) (bool, error) {
	score, payload, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	replaced, err := upsertLua.Run(ctx, q.rdb, entryKeys(e.UserID), e.UserID, score, payload).Int()
	if err != nil {
		return false, fmt.Errorf("matching: enqueue %s: %w", e.UserID, err)
	}
	return replaced == 1, nil
}

// Requeue implements WaitQueue.
func (q *Queue) Requeue(ctx context.Context, e QueueEntry) error {
	score, payload, err := encodeEntry(e)
	if err != nil {
		return err
	}
	restored, err := requeueLua.Run(ctx, q.rdb, entryKeys(e.UserID), e.UserID, score, payload).Int()
	if err != nil {
		return fmt.Errorf("matching: requeue %s: %w", e.UserID, err)
	}
	if restored == 0 {
		log.Printf("[queue] requeue %s skipped: newer entry present", e.UserID)
	}
	return nil
}

// Take implements WaitQueue.
func (q *Queue) Take(ctx context.Context, e QueueEntry) (bool, error) {
	taken, err := takeLua.Run(ctx, q.rdb, entryKeys(e.UserID), e.UserID, e.JoinedAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("matching: take %s: %w", e.UserID, err)
	}
	return taken == 1, nil
}

// Remove implements WaitQueue.
func (q *Queue) Remove(ctx context.Context, userID string) (bool, error) {
	removed, err := removeLua.Run(ctx, q.rdb, entryKeys(userID), userID).Int()
	if err != nil {
		return false, fmt.Errorf("matching: remove %s: %w", userID, err)
	}
	return removed == 1, nil
}

// Snapshot implements WaitQueue. Members without a readable payload are
// corrupt; they are deleted and left out of the result.
func (q *Queue) Snapshot(ctx context.Context) ([]QueueEntry, error) {
	members, err := q.rdb.ZRangeWithScores(ctx, keyMatchQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: snapshot: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = keyEntryPrefix + m.Member.(string)
	}
	payloads, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: snapshot payloads: %w", err)
	}

	entries := make([]QueueEntry, 0, len(members))
	for i, m := range members {
		userID := m.Member.(string)
		e, err := decodeEntry(userID, payloads[i])
		if err != nil {
			log.Printf("[queue] dropping corrupt entry %s: %v", userID, err)
			if _, dropErr := q.dropCorrupt(ctx, userID, int64(m.Score)); dropErr != nil {
				log.Printf("[queue] drop %s: %v", userID, dropErr)
			}
			continue
		}
		// The score is authoritative for ordering and for Take.
		e.JoinedAt = time.UnixMilli(int64(m.Score))
		entries = append(entries, e)
	}
	return entries, nil
}

// dropCorrupt deletes the user's entry only if it still has the score seen
// in the snapshot. A member without payload is usually a concurrent leave;
// a re-enqueue in that window carries a new score and is kept.
func (q *Queue) dropCorrupt(ctx context.Context, userID string, score int64) (bool, error) {
	dropped, err := takeLua.Run(ctx, q.rdb, entryKeys(userID), userID, score).Int()
	if err != nil {
		return false, fmt.Errorf("matching: drop %s: %w", userID, err)
	}
	return dropped == 1, nil
}

func decodeEntry(userID string, raw interface{}) (QueueEntry, error) {
	s, ok := raw.(string)
	if !ok {
		return QueueEntry{}, errors.New("missing payload")
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return QueueEntry{}, err
	}
	if e.UserID != userID {
		return QueueEntry{}, fmt.Errorf("payload belongs to %q", e.UserID)
	}
	return e, nil
}

// Contains implements WaitQueue.
func (q *Queue) Contains(ctx context.Context, userID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyMatchQueue, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("matching: contains %s: %w", userID, err)
	}
	return true, nil
}

// Size implements WaitQueue.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyMatchQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("matching: size: %w", err)
	}
	return n, nil
}
