// Package notify defines the events the matcher pushes to users and the
// Notifier interface that delivers them.
package notify

import (
	"context"
	"sync"
)

// Event types delivered to users.
const (
	TypeMatched      = "matched"
	TypeSessionEnded = "session_ended"
	TypeWaiting      = "match_waiting"
)

// Event is the payload pushed to one user.
type Event struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	PartnerID     string `json:"partner_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	WaitedSeconds int    `json:"waited_seconds,omitempty"`
}

// Notifier delivers events. Delivery is fire-and-forget: implementations
// return transport errors but callers only log them.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, Event) error { return nil }

// Delivery is one recorded event.
type Delivery struct {
	UserID string
	Event  Event
}

// Recorder keeps every event in memory. Test double for Notifier.
type Recorder struct {
	mu  sync.Mutex
	log []Delivery
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, userID string, ev Event) error {
	r.mu.Lock()
	r.log = append(r.log, Delivery{UserID: userID, Event: ev})
	r.mu.Unlock()
	return nil
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.log))
	copy(out, r.log)
	return out
}

// For returns the events delivered to userID, optionally only of one type.
func (r *Recorder) For(userID, typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, d := range r.log {
		if d.UserID == userID && (typ == "" || d.Event.Type == typ) {
			out = append(out, d.Event)
		}
	}
	return out
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}
