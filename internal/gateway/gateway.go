// Package gateway bridges WebSocket clients to the matcher over NATS:
// client messages become matcher requests, and matcher events pushed to a
// user are forwarded to that user's socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-matcher/internal/matching"
	"github.com/whisper/chat-matcher/internal/messaging"
	"github.com/whisper/chat-matcher/internal/notify"
	"github.com/whisper/chat-matcher/internal/protocol"
	"github.com/whisper/chat-matcher/internal/ratelimit"
	"github.com/whisper/chat-matcher/internal/ws"
)

const requestTimeout = 5 * time.Second

// CodeRateLimited is sent when a user searches too often.
const CodeRateLimited = "rate_limited"

// Bus is the NATS surface the gateway uses.
type Bus interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Publish(subject string, data []byte) error
	SubscribeNotify(userID string, handler func(data []byte)) error
	UnsubscribeNotify(userID string) error
}

// Presence records which users are connected here. Disconnect reports
// whether this gateway still owned the user's presence.
type Presence interface {
	Connect(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) (bool, error)
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Sender writes to a user's socket.
type Sender interface {
	SendMessage(userID string, data []byte) error
}

// Gateway holds the per-message handlers and connection hooks.
type Gateway struct {
	bus        Bus
	presence   Presence
	limiter    Limiter
	sender     Sender
	dispatcher *ws.MessageDispatcher
}

// New creates a gateway. A nil limiter disables search throttling. The
// sender is attached with SetSender once the WebSocket server exists.
func New(bus Bus, presence Presence, limiter Limiter) *Gateway {
	g := &Gateway{bus: bus, presence: presence, limiter: limiter, dispatcher: ws.NewMessageDispatcher()}
	g.dispatcher.Register(protocol.TypeFindMatch, g.handleFindMatch)
	g.dispatcher.Register(protocol.TypeLeaveQueue, g.handleLeaveQueue)
	g.dispatcher.Register(protocol.TypeEndSession, g.handleEndSession)
	return g
}

// SetSender attaches the socket writer used for pushed events.
func (g *Gateway) SetSender(s Sender) {
	g.sender = s
}

// Hooks returns the ws.Server callbacks.
func (g *Gateway) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect:    g.onConnect,
		OnMessage:    g.dispatcher.Dispatch,
		OnDisconnect: g.onDisconnect,
		OnHeartbeat:  g.onHeartbeat,
	}
}

func (g *Gateway) call(subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", subject, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	out, err := g.bus.Request(ctx, subject, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, reply); err != nil {
		return fmt.Errorf("gateway: decode %s reply: %w", subject, err)
	}
	return nil
}

func (g *Gateway) handleFindMatch(c *ws.Connection, msg interface{}) {
	m := msg.(protocol.FindMatchMsg)
	if !g.allowSearch(c.UserID) {
		ws.SendError(c, CodeRateLimited, "too many match requests")
		return
	}

	var reply matching.Reply
	err := g.call(messaging.SubjectMatchRequest, matching.MatchRequest{
		UserID:        c.UserID,
		GenderFilter:  m.GenderFilter,
		AllowFallback: m.AllowFallback,
	}, &reply)

	switch {
	case err != nil:
		log.Printf("[gateway] match request user=%s: %v", c.UserID, err)
		ws.SendError(c, matching.CodeTryAgain, "matcher unavailable")
	case reply.OK:
		ws.Send(c, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{
			AlreadyQueued: reply.Reason == matching.ReasonAlreadyQueued,
		})
	case reply.Code == matching.CodeQuotaExceeded:
		ws.Send(c, protocol.TypeQuotaExceeded, protocol.QuotaExceededMsg{Limit: reply.Limit})
	default:
		ws.SendError(c, reply.Code, "match request rejected")
	}
}

func (g *Gateway) allowSearch(userID string) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ok, _ := g.limiter.Allow(ctx, userID, ratelimit.RuleSearch)
	return ok
}

func (g *Gateway) handleLeaveQueue(c *ws.Connection, _ interface{}) {
	var reply matching.Reply
	if err := g.call(messaging.SubjectMatchLeave, matching.LeaveRequest{UserID: c.UserID}, &reply); err != nil {
		log.Printf("[gateway] leave user=%s: %v", c.UserID, err)
		ws.SendError(c, matching.CodeTryAgain, "matcher unavailable")
		return
	}
	if !reply.OK {
		ws.SendError(c, reply.Code, "leave rejected")
		return
	}
	ws.Send(c, protocol.TypeLeftQueue, protocol.LeftQueueMsg{Removed: reply.Removed})
}

// handleEndSession replies only on failure; the partner is told through
// the matcher's session_ended event.
func (g *Gateway) handleEndSession(c *ws.Connection, msg interface{}) {
	m := msg.(protocol.EndSessionMsg)
	var reply matching.Reply
	err := g.call(messaging.SubjectSessionEnd, matching.EndRequest{SessionID: m.SessionID, UserID: c.UserID}, &reply)
	switch {
	case err != nil:
		log.Printf("[gateway] end session=%s user=%s: %v", m.SessionID, c.UserID, err)
		ws.SendError(c, matching.CodeTryAgain, "matcher unavailable")
	case !reply.OK:
		ws.SendError(c, reply.Code, "end session rejected")
	}
}

func (g *Gateway) onConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := g.presence.Connect(ctx, c.UserID); err != nil {
		log.Printf("[gateway] presence connect %s: %v", c.UserID, err)
	}

	userID := c.UserID
	err := g.bus.SubscribeNotify(userID, func(data []byte) {
		g.forward(userID, data)
	})
	if err != nil {
		log.Printf("[gateway] subscribe notify %s: %v", userID, err)
	}
}

func (g *Gateway) forward(userID string, data []byte) {
	var ev notify.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[gateway] bad event for %s: %v", userID, err)
		return
	}
	out, err := protocol.FromEvent(ev)
	if err != nil {
		log.Printf("[gateway] %v", err)
		return
	}
	if g.sender == nil {
		return
	}
	if err := g.sender.SendMessage(userID, out); err != nil {
		log.Printf("[gateway] deliver %s to %s: %v", ev.Type, userID, err)
	}
}

// onDisconnect drops presence and, if this gateway still owned the user,
// asks the matcher to leave the queue and end the active session. A user
// who already reconnected on another gateway keeps both. When presence
// cannot be read the publish is skipped; the key expires and the matcher's
// cleanup sweep removes the entry.
func (g *Gateway) onDisconnect(userID string) {
	if err := g.bus.UnsubscribeNotify(userID); err != nil {
		log.Printf("[gateway] unsubscribe notify %s: %v", userID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	owned, err := g.presence.Disconnect(ctx, userID)
	if err != nil {
		log.Printf("[gateway] presence disconnect %s: %v", userID, err)
		return
	}
	if !owned {
		log.Printf("[gateway] %s reconnected elsewhere, not reporting disconnect", userID)
		return
	}

	data, _ := json.Marshal(matching.LeaveRequest{UserID: userID})
	if err := g.bus.Publish(messaging.SubjectDisconnect, data); err != nil {
		log.Printf("[gateway] publish disconnect %s: %v", userID, err)
	}
}

func (g *Gateway) onHeartbeat(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := g.presence.Touch(ctx, userID); err != nil {
		log.Printf("[gateway] presence touch %s: %v", userID, err)
	}
}
