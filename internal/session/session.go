// Package session manages the lifecycle of random-chat sessions created by
// the matcher: creation, idempotent ending, cross-termination when a user
// searches again, and hand-off to friend chats.
package session

import (
	"context"
	"errors"
	"time"
)

// EndReason is sent to the partner of a user whose session ended.
type EndReason string

const (
	ReasonPartnerEnded        EndReason = "partner_ended"
	ReasonPartnerNewSearch    EndReason = "partner_started_new_search"
	ReasonPartnerDisconnected EndReason = "partner_disconnected"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrNotParticipant = errors.New("session: user is not a participant")
	ErrNotRandom      = errors.New("session: not a random chat")
	ErrEnded          = errors.New("session: already ended")
	ErrSelfMatch      = errors.New("session: participants must differ")
)

// MatchSession is a chat between two matched users. Once ChatEnded is set
// the record never changes again.
type MatchSession struct {
	ID           string
	UserA        string
	UserB        string
	IsRandomChat bool
	IsActive     bool
	ChatEnded    bool
	CreatedAt    time.Time
	EndedAt      *time.Time
	EndedBy      string
	EndReason    EndReason
}

// IsParticipant reports whether userID is one of the two users.
func (s *MatchSession) IsParticipant(userID string) bool {
	return userID != "" && (s.UserA == userID || s.UserB == userID)
}

// Partner returns the other participant, or "" for a non-participant.
func (s *MatchSession) Partner(userID string) string {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return ""
}

// Store persists sessions. MarkEnded and MarkConverted are conditional
// updates and report whether this call performed the transition.
type Store interface {
	Persist(ctx context.Context, s *MatchSession) error
	Get(ctx context.Context, id string) (*MatchSession, error)
	MarkEnded(ctx context.Context, id, endedBy string, reason EndReason, at time.Time) (bool, error)
	ActiveRandomForUser(ctx context.Context, userID string) ([]MatchSession, error)
	MarkConverted(ctx context.Context, id string, at time.Time) (bool, error)
}
