// Package client is a WebSocket load test client for the chat gateway. It
// authenticates with a signed token, waits for the connected greeting, and
// tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-matcher/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user.
type Client struct {
	UserID string

	conn      net.Conn
	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// New dials baseURL as userID, authenticating with token. The read loop
// starts immediately.
func New(ctx context.Context, baseURL, userID, token string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, baseURL+"?token="+token)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", userID, err)
	}

	c := &Client{
		UserID:         userID,
		conn:           conn,
		handlers:       make(map[string]func(json.RawMessage)),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a JSON message. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// FindMatch sends find_match with no preference overrides.
func (c *Client) FindMatch() error {
	return c.Send(protocol.FindMatchMsg{Type: protocol.TypeFindMatch})
}

// EndSession sends end_session.
func (c *Client) EndSession(sessionID string) error {
	return c.Send(protocol.EndSessionMsg{Type: protocol.TypeEndSession, SessionID: sessionID})
}

// On registers the handler for one server message type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[msgType] = handler
	c.handlerMu.Unlock()
}

// WaitConnected blocks until the server greeting arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	return c.errors.Load() == 0
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	greeted := false
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeConnected && !greeted {
			greeted = true
			close(c.connected)
		}

		c.handlerMu.RLock()
		handler := c.handlers[env.Type]
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
