package ws

import (
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. Ping is
// answered internally; malformed and unsupported messages get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *logrus.Entry
}

// NewMessageDispatcher creates a MessageDispatcher. server may be nil and set
// later with SetServer, since NewServer takes Dispatch as its callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      logrus.WithField("component", "ws"),
	}
}

func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.WithError(err).WithField("session_id", conn.ID).Debug("parse error")
		if msgType != "" {
			d.server.SendError(conn, apperr.Invalid("unsupported message type %q", msgType), "")
		} else {
			d.server.SendError(conn, apperr.Invalid("invalid message format"), "")
		}
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.server.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.server.SendError(conn, apperr.Invalid("unsupported message type %q", msgType), "")
		return
	}
	handler(conn, msg)
}
