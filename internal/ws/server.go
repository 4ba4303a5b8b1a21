// Package ws terminates hub WebSocket connections. It upgrades
// authenticated HTTP requests with gobwas/ws, watches sockets for readiness
// with epoll (a goroutine fallback off Linux), reads frames on a bounded
// worker pool and hands complete text messages to the application.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/protocol"
)

// MaxMessageSize caps an inbound message. A 2000 character text of four-byte
// runes plus its JSON envelope fits comfortably.
const MaxMessageSize = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // bound on reading one frame once it started
	WriteTimeout   time.Duration // bound on writing one frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Identity is the authenticated user behind an upgrade request.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator resolves the user of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// SessionMirror records live sessions outside the process. *session.Store
// satisfies it.
type SessionMirror interface {
	Create(ctx context.Context, sessionID, userID string) error
	Touch(ctx context.Context, sessionID, userID string) error
	Delete(ctx context.Context, sessionID, userID string) error
}

// poller is the readiness source, epoll on Linux.
type poller interface {
	Add(c *Connection) error
	Resume(c *Connection) error
	Remove(c *Connection) error
	Wait() ([]*Connection, error)
	Close() error
}

// Stats is a point-in-time view used by health checks.
type Stats struct {
	Connections int
	Uptime      time.Duration
}

// Server accepts hub connections. Mount it as an http.Handler and call
// Start before serving.
type Server struct {
	config   ServerConfig
	auth     Authenticator
	sessions SessionMirror
	poller   poller
	conns    *ConnectionManager
	log      *logrus.Entry

	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	startedAt time.Time
}

// NewServer creates a Server. sessions may be nil. onMessage is called from
// a worker goroutine for every complete text message.
func NewServer(config ServerConfig, auth Authenticator, sessions SessionMirror, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		auth:       auth,
		sessions:   sessions,
		conns:      NewConnectionManager(),
		log:        logrus.WithField("component", "ws"),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback run after a connection is registered and
// before session_created is sent.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once when a connection is removed
// (read error, heartbeat timeout, slow consumer or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start creates the poller and launches the event loop and heartbeat.
func (s *Server) Start() error {
	var err error
	s.startOnce.Do(func() {
		var p *Epoll
		p, err = NewEpoll()
		if err != nil {
			err = fmt.Errorf("ws: failed to create epoll: %w", err)
			return
		}
		s.poller = p
		s.startedAt = time.Now()
		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
		s.log.WithFields(logrus.Fields{
			"workers":   s.config.WorkerPoolSize,
			"max_conns": s.config.MaxConnections,
		}).Info("hub server started")
	})
	return err
}

// ServeHTTP authenticates and upgrades the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "hub not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ident, err := s.auth.Authenticate(r)
	if err != nil || ident.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), ident, conn)
	fields := logrus.Fields{"session_id": c.ID, "user_id": c.UserID}
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writeLoop(s.config.WriteTimeout, s.writeFailed)

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, c.UserID); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("session mirror create failed")
		}
		cancel()
	}

	// Subscriptions exist before the client learns its session id.
	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.Send(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID, UserID: c.UserID})

	if err := s.poller.Add(c); err != nil {
		s.log.WithError(err).WithFields(fields).Error("poller add failed")
		s.RemoveConnection(c)
		return
	}
	s.log.WithFields(fields).WithField("total", s.conns.Count()).Info("connection opened")
}

// startEventLoop dispatches each ready connection to a worker. A worker
// reads one frame and re-arms the connection.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Error("poller wait failed")
			continue
		}

		for _, c := range conns {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				if s.handleConn(c) {
					if err := s.poller.Resume(c); err != nil {
						s.RemoveConnection(c)
					}
				}
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. It reports whether
// the connection is still open.
func (s *Server) handleConn(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Spurious wakeup; the heartbeat handles dead peers.
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			payload, _ := io.ReadAll(reader)
			if err := c.writePong(s.config.WriteTimeout, payload); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxMessageSize+1))
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	if len(data) > MaxMessageSize {
		s.SendError(c, apperr.Invalid("message too large"), "")
		s.RemoveConnection(c)
		return false
	}
	if len(data) > 0 && header.OpCode == ws.OpText && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

func (s *Server) writeFailed(c *Connection, err error) {
	s.log.WithError(err).WithField("session_id", c.ID).Debug("write failed")
	s.RemoveConnection(c)
}

// RemoveConnection unregisters c, closes it and runs the disconnect
// callback. Concurrent calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			s.log.WithError(err).WithField("session_id", c.ID).Warn("session mirror delete failed")
		}
		cancel()
	}
	s.log.WithFields(logrus.Fields{
		"session_id": c.ID,
		"user_id":    c.UserID,
		"total":      s.conns.Count(),
	}).Info("connection closed")
}

// Deliver queues raw server-message bytes on c. A client whose queue is full
// is too slow to keep and is disconnected.
func (s *Server) Deliver(c *Connection, data []byte) bool {
	if c.Send(data) {
		return true
	}
	select {
	case <-c.Closed():
	default:
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		s.log.WithField("session_id", c.ID).Warn("send queue full, dropping slow connection")
		go s.RemoveConnection(c)
	}
	return false
}

// Send encodes a server message and queues it on c.
func (s *Server) Send(c *Connection, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.WithError(err).WithField("type", msgType).Error("encode server message")
		return false
	}
	return s.Deliver(c, data)
}

// SendError sends an error frame carrying err's code. ref names the room or
// client message the error relates to.
func (s *Server) SendError(c *Connection, err error, ref string) {
	s.Send(c, protocol.TypeError, protocol.ErrorMsg{
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.MessageOf(err),
		Ref:     ref,
	})
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Stats reports the connection count and uptime.
func (s *Server) Stats() Stats {
	st := Stats{Connections: s.conns.Count()}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// Shutdown stops the event loop and closes every connection, running the
// disconnect callback for each.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down hub server")
		close(s.done)
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
	})
	return nil
}
