package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/whisper/chat-matcher/internal/metrics"
	"github.com/whisper/chat-matcher/internal/notify"
)

// Manager applies the session rules on top of a Store.
type Manager struct {
	store    Store
	notifier notify.Notifier
	now      func() time.Time
}

// NewManager creates a manager. A nil notifier discards events.
func NewManager(store Store, notifier notify.Notifier) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{store: store, notifier: notifier, now: time.Now}
}

// Create persists a new active random session. A participant who still
// has an active random session is an invariant violation; that session is
// ended first so the one-active-session rule holds.
func (m *Manager) Create(ctx context.Context, userA, userB string) (*MatchSession, error) {
	if userA == userB {
		return nil, ErrSelfMatch
	}

	for _, userID := range []string{userA, userB} {
		stale, err := m.store.ActiveRandomForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("session: create: check %s: %w", userID, err)
		}
		for _, s := range stale {
			log.Printf("[session] INVARIANT: %s already in active session %s while being matched; ending it",
				userID, s.ID)
			if _, err := m.End(ctx, s.ID, userID, ReasonPartnerNewSearch); err != nil {
				return nil, fmt.Errorf("session: create: end stale %s: %w", s.ID, err)
			}
		}
	}

	s := &MatchSession{
		ID:           uuid.NewString(),
		UserA:        userA,
		UserB:        userB,
		IsRandomChat: true,
		IsActive:     true,
		CreatedAt:    m.now(),
	}
	if err := m.store.Persist(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	metrics.SessionsCreated.Inc()
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*MatchSession, error) {
	return m.store.Get(ctx, id)
}

// End ends a random session. It is idempotent: only the call that actually
// performs the transition returns true and notifies. initiatedBy must be a
// participant; the other participant receives reason. An empty initiatedBy
// ends the session on the system's behalf and notifies both users.
func (m *Manager) End(ctx context.Context, id, initiatedBy string, reason EndReason) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if initiatedBy != "" && !s.IsParticipant(initiatedBy) {
		return false, ErrNotParticipant
	}
	if s.ChatEnded {
		return false, nil
	}
	if !s.IsRandomChat {
		return false, ErrNotRandom
	}

	ended, err := m.store.MarkEnded(ctx, id, initiatedBy, reason, m.now())
	if err != nil {
		return false, fmt.Errorf("session: end %s: %w", id, err)
	}
	if !ended {
		return false, nil
	}

	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	log.Printf("[session] ended %s by=%q reason=%s", id, initiatedBy, reason)

	recipients := []string{s.Partner(initiatedBy)}
	if initiatedBy == "" {
		recipients = []string{s.UserA, s.UserB}
	}
	for _, userID := range recipients {
		ev := notify.Event{Type: notify.TypeSessionEnded, SessionID: id, Reason: string(reason)}
		if err := m.notifier.Notify(ctx, userID, ev); err != nil {
			log.Printf("[session] notify %s of end %s: %v", userID, id, err)
		}
	}
	return true, nil
}

// EndActiveForUser ends every active random session of userID with the
// given reason and returns how many it ended.
func (m *Manager) EndActiveForUser(ctx context.Context, userID string, reason EndReason) (int, error) {
	active, err := m.store.ActiveRandomForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: active for %s: %w", userID, err)
	}
	n := 0
	for _, s := range active {
		ended, err := m.End(ctx, s.ID, userID, reason)
		if err != nil {
			return n, err
		}
		if ended {
			n++
		}
	}
	return n, nil
}

// TerminateActiveForUser ends the user's active random sessions because
// they started a new search.
func (m *Manager) TerminateActiveForUser(ctx context.Context, userID string) (int, error) {
	return m.EndActiveForUser(ctx, userID, ReasonPartnerNewSearch)
}

// ConvertToFriendChat turns an active random session into a regular chat.
// Converted sessions are left alone by End and TerminateActiveForUser.
func (m *Manager) ConvertToFriendChat(ctx context.Context, id, requestedBy string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.IsParticipant(requestedBy) {
		return ErrNotParticipant
	}
	if s.ChatEnded {
		return ErrEnded
	}
	if !s.IsRandomChat {
		return nil
	}

	converted, err := m.store.MarkConverted(ctx, id, m.now())
	if err != nil {
		return fmt.Errorf("session: convert %s: %w", id, err)
	}
	if !converted {
		// Raced with End or another conversion.
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.ChatEnded {
			return ErrEnded
		}
		return nil
	}
	log.Printf("[session] converted %s to friend chat (by %s)", id, requestedBy)
	return nil
}
