package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// SendQueueSize bounds a connection's outbound queue. A client that falls
// this far behind is disconnected.
const SendQueueSize = 256

// Connection is one authenticated hub client. Outbound frames go through a
// bounded queue drained by a dedicated writer goroutine, so a slow client
// never blocks a broadcaster.
type Connection struct {
	ID          string    // session id (UUID)
	UserID      string    // authenticated user
	DisplayName string    // name from the token
	Conn        net.Conn  // underlying TCP connection
	Fd          int       // socket fd, -1 off Linux
	CreatedAt   time.Time // when the connection was established

	reader     io.Reader // frame source; set by the poller
	lastSeen   int64     // unix nanos of the last inbound frame
	processing int32     // 1 while a worker is reading a frame

	writeMu sync.Mutex
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

func newConnection(id string, ident Identity, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:          id,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		Conn:        conn,
		Fd:          socketFD(conn),
		CreatedAt:   now,
		reader:      conn,
		lastSeen:    now.UnixNano(),
		out:         make(chan []byte, SendQueueSize),
		done:        make(chan struct{}),
	}
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// Send queues a text frame. It returns false when the connection is closed
// or its queue is full; the caller decides whether to drop the client.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue until the connection closes. A failed
// write calls onError once and stops.
func (c *Connection) writeLoop(timeout time.Duration, onError func(*Connection, error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.write(timeout, func() error {
				return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
			}); err != nil {
				onError(c, err)
				return
			}
		}
	}
}

// write serializes frame writes and applies the write deadline.
func (c *Connection) write(timeout time.Duration, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// WritePing sends a protocol-level ping frame outside the queue.
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.write(timeout, func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) writePong(timeout time.Duration, payload []byte) error {
	return c.write(timeout, func() error {
		return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
	})
}

// Closed is closed once the connection has been shut down.
func (c *Connection) Closed() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the socket. It is safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections by
// session id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection. It returns false if the
// connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
