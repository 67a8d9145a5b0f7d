package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated client socket. A user holds at most one.
type Connection struct {
	UserID    string
	Conn      net.Conn
	CreatedAt time.Time

	lastSeen atomic.Int64 // unix nanos of the last frame received
	writeMu  sync.Mutex
}

// NewConnection wraps an upgraded socket for userID.
func NewConnection(userID string, conn net.Conn) *Connection {
	c := &Connection{UserID: userID, Conn: conn, CreatedAt: time.Now()}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is when the last frame arrived.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a text frame. Writes are serialized per connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager maps user ids to their live connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byUser map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byUser: make(map[string]*Connection)}
}

// Add registers conn and returns the connection it replaced, if any. The
// caller closes the replaced connection.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	old := cm.byUser[conn.UserID]
	cm.byUser[conn.UserID] = conn
	cm.mu.Unlock()
	return old
}

// Remove unregisters conn if it is still the user's current connection and
// closes it. It reports whether conn was registered.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	cur, ok := cm.byUser[conn.UserID]
	ok = ok && cur == conn
	if ok {
		delete(cm.byUser, conn.UserID)
	}
	cm.mu.Unlock()

	conn.Close()
	return ok
}

// Get returns the user's connection, or nil.
func (cm *ConnectionManager) Get(userID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byUser)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser))
	for _, conn := range cm.byUser {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
