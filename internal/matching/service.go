package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-matcher/internal/metrics"
	"github.com/whisper/chat-matcher/internal/preference"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
	"github.com/whisper/chat-matcher/internal/session"
)

var (
	// ErrTransient wraps store failures on client-facing calls. The
	// client should retry; the underlying error is only logged.
	ErrTransient = errors.New("matching: temporarily unavailable")

	// ErrInvalidRequest is returned for requests missing a user id or
	// carrying an unknown gender.
	ErrInvalidRequest = errors.New("matching: invalid request")
)

// Enqueue result reasons.
const (
	ReasonAlreadyQueued = "already_queued"
	ReasonQuotaExceeded = "quota_exceeded"
)

// EnqueueOptions are request-time overrides of the stored preferences.
type EnqueueOptions struct {
	GenderFilter  *profile.Gender
	AllowFallback *bool
	Source        string // SourceGateway or SourceAPI
}

// EnqueueResult is the outcome of a match request.
type EnqueueResult struct {
	Accepted bool
	Reason   string // "", ReasonAlreadyQueued or ReasonQuotaExceeded
	Limit    int    // set with ReasonQuotaExceeded
}

// LeaveResult is the outcome of leaving the queue.
type LeaveResult struct {
	Removed bool
}

// Usage reports today's match count against the applicable limit.
type Usage struct {
	Used      int
	Limit     int // quota.Unlimited for no limit
	IsPremium bool
}

// Sessions is the session manager as seen by the service.
type Sessions interface {
	SessionCreator
	Get(ctx context.Context, id string) (*session.MatchSession, error)
	End(ctx context.Context, id, initiatedBy string, reason session.EndReason) (bool, error)
	EndActiveForUser(ctx context.Context, userID string, reason session.EndReason) (int, error)
	TerminateActiveForUser(ctx context.Context, userID string) (int, error)
	ConvertToFriendChat(ctx context.Context, id, requestedBy string) error
}

// Service exposes the matchmaking operations to transports.
type Service struct {
	queue     WaitQueue
	directory profile.Directory
	ledger    quota.Ledger
	limits    quota.Limits
	sessions  Sessions
	engine    *Engine
	now       func() time.Time
}

// NewService wires the service. engine may be nil; when set it is kicked
// after every accepted enqueue.
func NewService(queue WaitQueue, directory profile.Directory, ledger quota.Ledger, limits quota.Limits,
	sessions Sessions, engine *Engine) *Service {
	return &Service{
		queue:     queue,
		directory: directory,
		ledger:    ledger,
		limits:    limits,
		sessions:  sessions,
		engine:    engine,
		now:       time.Now,
	}
}

func transient(op string, err error) error {
	log.Printf("[matcher] %s: %v", op, err)
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// EnqueueMatchRequest puts the user in the wait queue.
//
// A user already queued gets an accepted no-op with ReasonAlreadyQueued and
// is not charged. Otherwise one match is reserved from today's quota; on
// denial the result carries ReasonQuotaExceeded with the limit and the
// error is a *quota.ExceededError. Any active random session of the user
// is ended before the entry is written, and the reservation is refunded if
// the request fails after it was taken.
func (s *Service) EnqueueMatchRequest(ctx context.Context, userID string, opts EnqueueOptions) (EnqueueResult, error) {
	if userID == "" {
		return EnqueueResult{}, ErrInvalidRequest
	}
	if opts.GenderFilter != nil {
		if _, err := profile.ParseGender(string(*opts.GenderFilter)); err != nil {
			return EnqueueResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	queued, err := s.queue.Contains(ctx, userID)
	if err != nil {
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return EnqueueResult{}, transient("enqueue: queue lookup", err)
	}
	if queued {
		metrics.EnqueueTotal.WithLabelValues(ReasonAlreadyQueued).Inc()
		return EnqueueResult{Accepted: true, Reason: ReasonAlreadyQueued}, nil
	}

	p, err := s.directory.GetUser(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return EnqueueResult{}, err
	}
	if err != nil {
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return EnqueueResult{}, transient("enqueue: profile lookup", err)
	}

	now := s.now()
	crit := preference.Resolve(*p, preference.Override{
		GenderFilter:  opts.GenderFilter,
		AllowFallback: opts.AllowFallback,
	}, now)
	limit := s.limits.For(crit.IsPremium)

	res, err := s.ledger.CheckAndReserve(ctx, userID, quota.CounterMatches, limit)
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		metrics.EnqueueTotal.WithLabelValues(ReasonQuotaExceeded).Inc()
		log.Printf("[matcher] %s denied: %d/%d matches today", userID, exceeded.Used, exceeded.Limit)
		return EnqueueResult{Reason: ReasonQuotaExceeded, Limit: exceeded.Limit}, err
	}
	if err != nil {
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return EnqueueResult{}, transient("enqueue: quota", err)
	}

	if _, err := s.sessions.TerminateActiveForUser(ctx, userID); err != nil {
		s.refund(ctx, res)
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return EnqueueResult{}, transient("enqueue: terminate active session", err)
	}

	entry := QueueEntry{
		UserID:        userID,
		Gender:        p.Gender,
		JoinedAt:      now,
		IsPremium:     crit.IsPremium,
		GenderFilter:  crit.GenderFilter,
		AllowFallback: crit.AllowFallback,
		Source:        opts.Source,
	}
	if _, err := s.queue.Enqueue(ctx, entry); err != nil {
		s.refund(ctx, res)
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return EnqueueResult{}, transient("enqueue: write entry", err)
	}

	metrics.EnqueueTotal.WithLabelValues("accepted").Inc()
	log.Printf("[matcher] enqueued %s (premium=%v filter=%q fallback=%v, %d/%d today)",
		userID, crit.IsPremium, crit.GenderFilter, crit.AllowFallback, res.Used, limit)

	if s.engine != nil {
		s.engine.Kick()
	}
	return EnqueueResult{Accepted: true}, nil
}

func (s *Service) refund(ctx context.Context, r quota.Reservation) {
	if err := s.ledger.Release(ctx, r); err != nil {
		log.Printf("[matcher] refund %s for %s: %v", r.Counter, r.UserID, err)
	}
}

// LeaveQueue removes the user's entry if present.
func (s *Service) LeaveQueue(ctx context.Context, userID string) (LeaveResult, error) {
	if userID == "" {
		return LeaveResult{}, ErrInvalidRequest
	}
	removed, err := s.queue.Remove(ctx, userID)
	if err != nil {
		return LeaveResult{}, transient("leave", err)
	}
	if removed {
		log.Printf("[matcher] %s left the queue", userID)
	}
	return LeaveResult{Removed: removed}, nil
}

// EndSession ends a session on behalf of one of its participants. Ending
// an already ended session succeeds without side effects.
func (s *Service) EndSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return ErrInvalidRequest
	}
	_, err := s.sessions.End(ctx, sessionID, userID, session.ReasonPartnerEnded)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, session.ErrNotRandom):
		return err
	default:
		return transient("end session", err)
	}
}

// ConvertToFriendChat hands a random session over to the friend-chat
// feature.
func (s *Service) ConvertToFriendChat(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return ErrInvalidRequest
	}
	err := s.sessions.ConvertToFriendChat(ctx, sessionID, userID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, session.ErrEnded):
		return err
	default:
		return transient("convert session", err)
	}
}

// Disconnect handles a closed client connection: the user leaves the
// queue and their active random session ends with partner_disconnected.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidRequest
	}
	if _, err := s.queue.Remove(ctx, userID); err != nil {
		return transient("disconnect: leave", err)
	}
	n, err := s.sessions.EndActiveForUser(ctx, userID, session.ReasonPartnerDisconnected)
	if err != nil {
		return transient("disconnect: end sessions", err)
	}
	log.Printf("[matcher] %s disconnected (%d sessions ended)", userID, n)
	return nil
}

// Usage reports today's match usage for the user.
func (s *Service) Usage(ctx context.Context, userID string) (Usage, error) {
	if userID == "" {
		return Usage{}, ErrInvalidRequest
	}
	p, err := s.directory.GetUser(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return Usage{}, err
	}
	if err != nil {
		return Usage{}, transient("usage: profile lookup", err)
	}
	used, err := s.ledger.Usage(ctx, userID, quota.CounterMatches)
	if err != nil {
		return Usage{}, transient("usage", err)
	}
	premium := preference.IsPremium(*p, s.now())
	return Usage{Used: used, Limit: s.limits.For(premium), IsPremium: premium}, nil
}
