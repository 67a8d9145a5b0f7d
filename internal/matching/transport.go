package matching

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/whisper/chat-matcher/internal/messaging"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
	"github.com/whisper/chat-matcher/internal/session"
)

// handlerTimeout bounds the work done for one NATS request.
const handlerTimeout = 5 * time.Second

// MatchRequest is the NATS payload sent by the gateway when a user asks
// for a partner.
type MatchRequest struct {
	UserID        string  `json:"user_id"`
	GenderFilter  *string `json:"gender_filter,omitempty"`
	AllowFallback *bool   `json:"allow_fallback,omitempty"`
}

// LeaveRequest is the NATS payload for leaving the queue or reporting a
// closed connection.
type LeaveRequest struct {
	UserID string `json:"user_id"`
}

// EndRequest is the NATS payload for ending a session.
type EndRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Error codes returned to clients. Internal error text never leaves the
// matcher.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnknownUser    = "unknown_user"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeNotFound       = "session_not_found"
	CodeNotParticipant = "not_participant"
	CodeNotRandom      = "not_random_chat"
	CodeSessionEnded   = "session_ended"
	CodeTryAgain       = "try_again"
)

// Reply is the NATS response for every request subject.
type Reply struct {
	OK       bool   `json:"ok"`
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
	Code     string `json:"code,omitempty"`
}

// ErrorCode maps a service error to its client-facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, profile.ErrNotFound):
		return CodeUnknownUser
	case errors.Is(err, quota.ErrExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, session.ErrNotRandom):
		return CodeNotRandom
	case errors.Is(err, session.ErrEnded):
		return CodeSessionEnded
	default:
		return CodeTryAgain
	}
}

func errorReply(err error) Reply {
	return Reply{Code: ErrorCode(err)}
}

// Serve registers the request/reply handlers on NATS.
func (s *Service) Serve(nc *messaging.NATSClient) error {
	handlers := map[string]func([]byte) Reply{
		messaging.SubjectMatchRequest: s.handleMatchRequest,
		messaging.SubjectMatchLeave:   s.handleLeave,
		messaging.SubjectSessionEnd:   s.handleEnd,
		messaging.SubjectDisconnect:   s.handleDisconnect,
	}
	for subject, h := range handlers {
		err := nc.Serve(subject, messaging.QueueGroupMatcher, func(data []byte) []byte {
			out, err := json.Marshal(h(data))
			if err != nil {
				log.Printf("[matcher] marshal reply: %v", err)
				return nil
			}
			return out
		})
		if err != nil {
			return err
		}
	}
	log.Println("[matcher] serving NATS requests")
	return nil
}

func decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("[matcher] invalid request payload: %v", err)
		return false
	}
	return true
}

func (s *Service) handleMatchRequest(data []byte) Reply {
	var req MatchRequest
	if !decode(data, &req) {
		return Reply{Code: CodeInvalidRequest}
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	opts := EnqueueOptions{AllowFallback: req.AllowFallback, Source: SourceGateway}
	if req.GenderFilter != nil {
		g := profile.Gender(*req.GenderFilter)
		opts.GenderFilter = &g
	}

	res, err := s.EnqueueMatchRequest(ctx, req.UserID, opts)
	if err != nil {
		r := errorReply(err)
		r.Reason, r.Limit = res.Reason, res.Limit
		return r
	}
	return Reply{OK: true, Accepted: res.Accepted, Reason: res.Reason}
}

func (s *Service) handleLeave(data []byte) Reply {
	var req LeaveRequest
	if !decode(data, &req) {
		return Reply{Code: CodeInvalidRequest}
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	res, err := s.LeaveQueue(ctx, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	return Reply{OK: true, Removed: res.Removed}
}

func (s *Service) handleEnd(data []byte) Reply {
	var req EndRequest
	if !decode(data, &req) {
		return Reply{Code: CodeInvalidRequest}
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.EndSession(ctx, req.SessionID, req.UserID); err != nil {
		return errorReply(err)
	}
	return Reply{OK: true}
}

func (s *Service) handleDisconnect(data []byte) Reply {
	var req LeaveRequest
	if !decode(data, &req) {
		return Reply{Code: CodeInvalidRequest}
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.Disconnect(ctx, req.UserID); err != nil {
		return errorReply(err)
	}
	return Reply{OK: true}
}
