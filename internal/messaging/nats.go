// Package messaging provides a NATS client wrapper for the matcher and the
// gateway. It carries request/reply calls for the matchmaking operations
// and pushes per-user notifications.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/whisper/chat-matcher/internal/notify"
)

// NATS subjects shared by the matcher and the gateway.
const (
	SubjectMatchRequest = "match.request"    // request/reply: enqueue
	SubjectMatchLeave   = "match.leave"      // request/reply: leave queue
	SubjectSessionEnd   = "session.end"      // request/reply: end session
	SubjectDisconnect   = "match.disconnect" // fire-and-forget: socket closed
	SubjectMatchNotify  = "match.notify"     // + .<user_id> (events pushed to a user)

	// QueueGroupMatcher load-balances requests across matcher instances.
	QueueGroupMatcher = "matcher"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub
// and request/reply.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration // default timeout for Request
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "matcher",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		RequestTimeout: 3 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// Serve answers requests on subject within a queue group. The handler's
// return value is sent as the reply.
func (c *NATSClient) Serve(subject, queue string, handler func(data []byte) []byte) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("[nats] respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats serve %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// Request sends data and waits for one reply or ctx expiry.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// SubscribeNotify subscribes to events pushed to one user.
func (c *NATSClient) SubscribeNotify(userID string, handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchNotify+"."+userID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeNotify drops the user's event subscription.
func (c *NATSClient) UnsubscribeNotify(userID string) error {
	return c.unsubscribe(SubjectMatchNotify + "." + userID)
}

// PublishNotify pushes an encoded event to one user.
func (c *NATSClient) PublishNotify(userID string, data []byte) error {
	return c.Publish(SubjectMatchNotify+"."+userID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) track(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Notifier delivers matcher events over match.notify.<user_id>.
type Notifier struct {
	client *NATSClient
}

// NewNotifier creates a Notifier on an open client.
func NewNotifier(client *NATSClient) *Notifier {
	return &Notifier{client: client}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(_ context.Context, userID string, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s event: %w", ev.Type, err)
	}
	if err := n.client.PublishNotify(userID, data); err != nil {
		return fmt.Errorf("messaging: notify %s: %w", userID, err)
	}
	return nil
}
