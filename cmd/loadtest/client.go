package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cinematch/chat-app/internal/protocol"
)

// client is one simulated user connection. Handlers run on the read loop
// goroutine and must not block.
type client struct {
	conn      net.Conn
	userID    string
	sessionID string

	writeMu   sync.Mutex
	mu        sync.Mutex
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       int
	errors         int
}

// dial connects to the hub at url with token and waits for session_created.
func dial(ctx context.Context, url, token, userID string) (*client, error) {
	start := time.Now()
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(http.Header{"Authorization": {"Bearer " + token}})}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.connectLatency = time.Since(start)
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// on registers the handler for a server message type, replacing any earlier
// one.
func (c *client) on(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

func (c *client) join(roomID string) error {
	return c.send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: roomID})
}

func (c *client) sendText(roomID, text, ref string) error {
	return c.send(protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: roomID, Text: text, ClientMsgID: ref})
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done); _ = c.conn.Close() })
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			if !c.closed() {
				c.mu.Lock()
				c.errors++
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.received++
		if env.Type == protocol.TypeError {
			c.errors++
		}
		h := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeSessionCreated {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.sessionID = msg.SessionID
				c.readyOnce.Do(func() { close(c.ready) })
			}
		}
		if h != nil {
			h(json.RawMessage(data))
		}
	}
}
