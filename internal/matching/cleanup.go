package matching

import (
	"context"
	"log"
	"time"
)

// PresenceChecker reports whether a user still holds a gateway connection.
type PresenceChecker interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// StartCleanup periodically removes gateway-sourced queue entries of users
// with no live presence, so a gateway crash that skipped the disconnect call
// does not leave ghosts in the queue. Entries queued through the HTTP API
// have no connection and stay until the client leaves. It returns when ctx
// is cancelled.
func StartCleanup(ctx context.Context, svc *Service, presence PresenceChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			cleanStaleEntries(ctx, svc, presence)
		}
	}
}

// cleanStaleEntries treats every gateway-queued user without presence as
// disconnected.
func cleanStaleEntries(ctx context.Context, svc *Service, presence PresenceChecker) int {
	entries, err := svc.queue.Snapshot(ctx)
	if err != nil {
		log.Printf("[matcher] cleanup: failed to read queue: %v", err)
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.Source != SourceGateway {
			continue
		}
		online, err := presence.Online(ctx, e.UserID)
		if err != nil || online {
			continue
		}
		if err := svc.Disconnect(ctx, e.UserID); err != nil {
			log.Printf("[matcher] cleanup: disconnect %s: %v", e.UserID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
	return removed
}
