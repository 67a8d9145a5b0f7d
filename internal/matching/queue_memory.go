package matching

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local WaitQueue with the same contract as the
// Redis queue. Test double; the binaries always run on Redis.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]QueueEntry
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]QueueEntry)}
}

// Enqueue implements WaitQueue.
func (q *MemoryQueue) Enqueue(_ context.Context, e QueueEntry) (bool, error) {
	if e.UserID == "" {
		return false, ErrInvalidEntry
	}
	e.JoinedAt = e.JoinedAt.Truncate(time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()
	_, existed := q.entries[e.UserID]
	q.entries[e.UserID] = e
	return existed, nil
}

// Requeue implements WaitQueue.
func (q *MemoryQueue) Requeue(_ context.Context, e QueueEntry) error {
	if e.UserID == "" {
		return ErrInvalidEntry
	}
	e.JoinedAt = e.JoinedAt.Truncate(time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.UserID]; !ok {
		q.entries[e.UserID] = e
	}
	return nil
}

// Take implements WaitQueue.
func (q *MemoryQueue) Take(_ context.Context, e QueueEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.entries[e.UserID]
	if !ok || cur.JoinedAt.UnixMilli() != e.JoinedAt.UnixMilli() {
		return false, nil
	}
	delete(q.entries, e.UserID)
	return true, nil
}

// Remove implements WaitQueue.
func (q *MemoryQueue) Remove(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[userID]
	delete(q.entries, userID)
	return ok, nil
}

// Snapshot implements WaitQueue.
func (q *MemoryQueue) Snapshot(_ context.Context) ([]QueueEntry, error) {
	q.mu.Lock()
	out := make([]QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	q.mu.Unlock()

	sortEntries(out)
	return out, nil
}

// Contains implements WaitQueue.
func (q *MemoryQueue) Contains(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[userID]
	return ok, nil
}

// Size implements WaitQueue.
func (q *MemoryQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// sortEntries orders by join time, then user id for equal timestamps.
func sortEntries(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
}
