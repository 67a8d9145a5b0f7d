package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used as a test double.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*MatchSession
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*MatchSession)}
}

func clone(s *MatchSession) *MatchSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Persist implements Store.
func (m *MemoryStore) Persist(_ context.Context, s *MatchSession) error {
	m.mu.Lock()
	m.sessions[s.ID] = clone(s)
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// MarkEnded implements Store.
func (m *MemoryStore) MarkEnded(_ context.Context, id, endedBy string, reason EndReason, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.ChatEnded || !s.IsRandomChat {
		return false, nil
	}
	s.IsActive = false
	s.ChatEnded = true
	s.EndedAt = &at
	s.EndedBy = endedBy
	s.EndReason = reason
	return true, nil
}

// ActiveRandomForUser implements Store.
func (m *MemoryStore) ActiveRandomForUser(_ context.Context, userID string) ([]MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MatchSession
	for _, s := range m.sessions {
		if s.IsActive && s.IsRandomChat && s.IsParticipant(userID) {
			out = append(out, *clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkConverted implements Store.
func (m *MemoryStore) MarkConverted(_ context.Context, id string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsRandomChat || s.ChatEnded {
		return false, nil
	}
	s.IsRandomChat = false
	return true, nil
}

// Sessions returns copies of every stored session.
func (m *MemoryStore) Sessions() []MatchSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MatchSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *clone(s))
	}
	return out
}
