// Package presence records which users currently hold a gateway
// connection. The gateway refreshes a short-lived key per user; the
// matcher's cleanup loop treats a missing key as a disconnect.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL outlives a couple of missed heartbeats.
	DefaultTTL = 90 * time.Second
)

// Tracker reads and writes presence keys.
type Tracker struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewTracker creates a tracker writing on behalf of serverName.
func NewTracker(client *redis.Client, serverName string) *Tracker {
	return &Tracker{client: client, serverName: serverName, ttl: DefaultTTL}
}

// Connect marks the user online on this server.
func (t *Tracker) Connect(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	now := time.Now().Unix()

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       t.serverName,
		"connected_at": now,
		"last_seen":    now,
	})
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	return nil
}

// Touch extends the user's presence. Called from the heartbeat.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	return nil
}

// releaseLua deletes the presence hash only if ARGV[1] owns it.
// Returns 0 when another server holds the key, 1 otherwise.
var releaseLua = redis.NewScript(`
local server = redis.call('HGET', KEYS[1], 'server')
if not server then
	return 1
end
if server ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Disconnect removes the user's presence if it still belongs to this
// server. It reports false when the user has since connected to another
// gateway; that connection is left alone.
func (t *Tracker) Disconnect(ctx context.Context, userID string) (bool, error) {
	owned, err := releaseLua.Run(ctx, t.client, []string{KeyPrefix + userID}, t.serverName).Int()
	if err != nil {
		return false, fmt.Errorf("presence: disconnect %s: %w", userID, err)
	}
	return owned == 1, nil
}

// Online reports whether the user has a live presence key.
func (t *Tracker) Online(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: online %s: %w", userID, err)
	}
	return n == 1, nil
}
