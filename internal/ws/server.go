// Package ws runs the gateway's WebSocket endpoint: authenticated upgrades,
// one reader goroutine per connection, and heartbeats.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-matcher/internal/metrics"
	"github.com/whisper/chat-matcher/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int64         // larger client frames close the connection
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  100000,
		MaxMessageBytes: 4096,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user id of an upgrade request.
type Authenticator func(r *http.Request) (string, error)

// ErrThrottled may be returned by an Authenticator to reject an upgrade with
// 429 instead of 401.
var ErrThrottled = errors.New("ws: too many connection attempts")

// Hooks are the application callbacks of a Server. All are optional.
type Hooks struct {
	// OnConnect runs after the connection is registered.
	OnConnect func(c *Connection)
	// OnMessage runs on the connection's reader goroutine for every text
	// frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs once when the user's current connection goes away.
	// It does not run for a connection replaced by a newer one.
	OnDisconnect func(userID string)
	// OnHeartbeat runs for every connection that passed a heartbeat check.
	OnHeartbeat func(userID string)
}

// Server accepts WebSocket clients and reads from each on its own
// goroutine.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	auth       Authenticator
	hooks      Hooks
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server.
func NewServer(config ServerConfig, auth Authenticator, hooks Hooks) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		auth:      auth,
		hooks:     hooks,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the heartbeat monitor and blocks serving HTTP.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.auth(r)
	if errors.Is(err, ErrThrottled) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	c := NewConnection(userID, conn)
	if old := s.conns.Add(c); old != nil {
		log.Printf("ws: user=%s reconnected, closing previous connection", userID)
		old.Close()
	} else {
		metrics.GatewayConnections.Inc()
	}

	if msg, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID}); err == nil {
		s.write(c, msg)
	}
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	log.Printf("ws: new connection user=%s (total=%d)", userID, s.conns.Count())
	go s.readLoop(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection fails. Control frames only
// mark the connection alive; a close frame ends the loop.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	idle := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	for {
		if idle > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(idle))
		}
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !isClosed(err) {
				log.Printf("ws: read user=%s: %v", c.UserID, err)
			}
			return
		}
		c.Touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			continue
		}

		if s.config.MaxMessageBytes > 0 && header.Length > s.config.MaxMessageBytes {
			log.Printf("ws: user=%s sent %d byte frame, closing", c.UserID, header.Length)
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(c, data)
		}
	}
}

func isClosed(err error) bool {
	var closed wsutil.ClosedError
	var netErr net.Error
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.As(err, &closed) || (errors.As(err, &netErr) && netErr.Timeout())
}

// RemoveConnection closes c and, if it was the user's current connection,
// runs OnDisconnect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c) {
		return
	}
	metrics.GatewayConnections.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c.UserID)
	}
	log.Printf("ws: connection closed user=%s (total=%d)", c.UserID, s.conns.Count())
}

// SendMessage writes a text frame to the user's connection.
func (s *Server) SendMessage(userID string, data []byte) error {
	c := s.conns.Get(userID)
	if c == nil {
		return fmt.Errorf("ws: user %s not connected", userID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes every connection. OnDisconnect
// runs for each of them.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	log.Printf("ws: server stopped, all connections closed")
	return nil
}
