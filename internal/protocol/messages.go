// Package protocol defines the WebSocket messages exchanged between a client
// and the gateway. Every message is a JSON object with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/chat-matcher/internal/notify"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch  = "find_match"
	TypeLeaveQueue = "leave_queue"
	TypeEndSession = "end_session"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeMatchWaiting    = "match_waiting"
	TypeSessionEnded    = "session_ended"
	TypeQuotaExceeded   = "quota_exceeded"
	TypeLeftQueue       = "left_queue"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg enters the wait queue. Omitted fields keep the stored
// preferences.
type FindMatchMsg struct {
	Type          string  `json:"type"`
	GenderFilter  *string `json:"gender_filter,omitempty"`
	AllowFallback *bool   `json:"allow_fallback,omitempty"`
}

// LeaveQueueMsg leaves the wait queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// EndSessionMsg ends the current random session.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg confirms the authenticated connection.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// MatchingStartedMsg confirms the match request was accepted.
type MatchingStartedMsg struct {
	Type          string `json:"type"`
	AlreadyQueued bool   `json:"already_queued"`
}

// MatchFoundMsg announces a new random session.
type MatchFoundMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
}

// MatchWaitingMsg tells the client the search is taking long; the user
// stays queued.
type MatchWaitingMsg struct {
	Type          string `json:"type"`
	WaitedSeconds int    `json:"waited_seconds"`
}

// SessionEndedMsg tells the client their session was ended by the partner
// or the system.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// QuotaExceededMsg rejects a match request over the daily limit.
type QuotaExceededMsg struct {
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// LeftQueueMsg answers leave_queue.
type LeftQueueMsg struct {
	Type    string `json:"type"`
	Removed bool   `json:"removed"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.SessionID == "" {
			err = fmt.Errorf("missing session_id")
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field set to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// FromEvent converts a matcher notification into its client message.
func FromEvent(ev notify.Event) ([]byte, error) {
	switch ev.Type {
	case notify.TypeMatched:
		return NewServerMessage(TypeMatchFound, MatchFoundMsg{SessionID: ev.SessionID, PartnerID: ev.PartnerID})
	case notify.TypeWaiting:
		return NewServerMessage(TypeMatchWaiting, MatchWaitingMsg{WaitedSeconds: ev.WaitedSeconds})
	case notify.TypeSessionEnded:
		return NewServerMessage(TypeSessionEnded, SessionEndedMsg{SessionID: ev.SessionID, Reason: ev.Reason})
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", ev.Type)
	}
}
