// Package hub binds WebSocket connections to rooms. It keeps the presence
// registry in step with join, leave and disconnect, holds one bus
// subscription per locally joined room and per locally connected user, and
// fans bus traffic out to the tagged connections.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/presence"
	"github.com/cinematch/chat-app/internal/protocol"
	"github.com/cinematch/chat-app/internal/ratelimit"
	"github.com/cinematch/chat-app/internal/ws"
)

const opTimeout = 10 * time.Second

// Hub implements the hub operations on top of a ws.Server.
type Hub struct {
	rooms   *chat.Manager
	bc      *chat.Broadcaster
	bus     messaging.Bus
	limiter *ratelimit.Limiter
	reg     *presence.Registry
	server  *ws.Server
	log     *logrus.Entry

	subMu    sync.Mutex
	roomSubs map[string]messaging.Subscription
	userSubs map[string]messaging.Subscription
}

// New returns a Hub. limiter may be nil.
func New(rooms *chat.Manager, bc *chat.Broadcaster, bus messaging.Bus, limiter *ratelimit.Limiter) *Hub {
	return &Hub{
		rooms:    rooms,
		bc:       bc,
		bus:      bus,
		limiter:  limiter,
		reg:      presence.NewRegistry(),
		log:      logrus.WithField("component", "hub"),
		roomSubs: make(map[string]messaging.Subscription),
		userSubs: make(map[string]messaging.Subscription),
	}
}

// Attach registers the hub's handlers. Call it before the server starts.
func (h *Hub) Attach(s *ws.Server, d *ws.MessageDispatcher) {
	h.server = s
	s.SetOnConnect(h.connected)
	s.SetOnDisconnect(h.disconnected)
	d.Register(protocol.TypeJoinRoom, h.handleJoin)
	d.Register(protocol.TypeLeaveRoom, h.handleLeave)
	d.Register(protocol.TypeSendMessage, h.handleSend)
}

// Registry exposes the live-connection registry.
func (h *Hub) Registry() *presence.Registry {
	return h.reg
}

func (h *Hub) connected(c *ws.Connection) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.reg.Register(c.ID, c.UserID)
	userID := c.UserID
	// Keyed on the subscription rather than on the first connection, so a
	// failed subscribe is retried by the user's next connection.
	if _, ok := h.userSubs[userID]; ok {
		return
	}
	sub, err := h.bus.Subscribe(messaging.UserSubject(userID), func(data []byte) {
		h.deliver(h.reg.UserConns(userID), data)
	})
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("subscribe user events failed")
		return
	}
	h.userSubs[userID] = sub
}

func (h *Hub) disconnected(c *ws.Connection) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	userID, last, emptied := h.reg.Unregister(c.ID)
	for _, room := range emptied {
		h.dropRoomLocked(room)
	}
	if last {
		h.unsubscribeLocked(h.userSubs, userID)
	}
}

func (h *Hub) unsubscribeLocked(subs map[string]messaging.Subscription, key string) {
	sub, ok := subs[key]
	if !ok {
		return
	}
	delete(subs, key)
	if err := sub.Unsubscribe(); err != nil {
		h.log.WithError(err).WithField("key", key).Warn("unsubscribe failed")
	}
}

// dropRoomLocked releases the room subscription and the broadcaster's cached
// sent_at once no local connection is in the room.
func (h *Hub) dropRoomLocked(roomID string) {
	h.unsubscribeLocked(h.roomSubs, roomID)
	h.bc.Forget(roomID)
}

// tag adds roomID to the connection and subscribes to the room when it is
// the first local connection in it.
func (h *Hub) tag(c *ws.Connection, roomID string) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	added, first := h.reg.Tag(c.ID, roomID)
	if !added || !first {
		return nil
	}
	if _, ok := h.roomSubs[roomID]; ok {
		return nil
	}
	sub, err := h.bus.Subscribe(messaging.RoomSubject(roomID), func(data []byte) {
		h.roomEvent(roomID, data)
	})
	if err != nil {
		h.reg.Untag(c.ID, roomID)
		return err
	}
	h.roomSubs[roomID] = sub
	return nil
}

// untagUser removes roomID from every local connection of userID and tells
// each of them the room was left.
func (h *Hub) untagUser(userID, roomID string) {
	h.subMu.Lock()
	untagged, empty := h.reg.UntagUser(userID, roomID)
	if empty {
		h.dropRoomLocked(roomID)
	}
	h.subMu.Unlock()

	for _, id := range untagged {
		if c := h.server.Connections().Get(id); c != nil {
			h.server.Send(c, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: roomID})
		}
	}
}

func (h *Hub) roomEvent(roomID string, data []byte) {
	var ev chat.RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("bad room event")
		return
	}
	switch ev.Type {
	case chat.EventMessage:
		if ev.Message == nil {
			return
		}
		out, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: *ev.Message})
		if err != nil {
			h.log.WithError(err).Error("encode receive_message")
			return
		}
		n := h.deliver(h.reg.RoomConns(roomID), out)
		metrics.MessagesTotal.WithLabelValues("delivered").Add(float64(n))
	case chat.EventMemberLeft:
		h.untagUser(ev.UserID, roomID)
	}
}

// deliver queues data on each live connection and returns how many took it.
func (h *Hub) deliver(connIDs []string, data []byte) int {
	n := 0
	for _, id := range connIDs {
		c := h.server.Connections().Get(id)
		if c == nil {
			continue
		}
		if h.server.Deliver(c, data) {
			n++
		}
	}
	return n
}

func (h *Hub) handleJoin(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.rooms.Join(ctx, m.RoomID, c.UserID); err != nil {
		h.server.SendError(c, err, m.RoomID)
		return
	}
	if err := h.tag(c, m.RoomID); err != nil {
		h.log.WithError(err).WithField("room_id", m.RoomID).Error("subscribe room failed")
		h.server.SendError(c, apperr.Internal(err), m.RoomID)
		return
	}
	h.server.Send(c, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{RoomID: m.RoomID})
}

func (h *Hub) handleLeave(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	wasTagged := h.reg.IsTagged(c.ID, m.RoomID)
	if err := h.rooms.Leave(ctx, m.RoomID, c.UserID); err != nil {
		h.server.SendError(c, err, m.RoomID)
		return
	}
	// The member_left event usually untags first; this covers a bus that
	// delivers late or not at all. Whichever untags c sends its room_left.
	h.untagUser(c.UserID, m.RoomID)
	if !wasTagged {
		h.server.Send(c, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: m.RoomID})
	}
}

func (h *Hub) handleSend(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ref := m.ClientMsgID
	if ref == "" {
		ref = m.RoomID
	}

	allowed, _ := h.limiter.Allow(ctx, c.UserID, ratelimit.RuleSend)
	if !allowed {
		h.server.Send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(h.limiter.RetryAfter(ctx, c.UserID, ratelimit.RuleSend).Seconds()),
		})
		return
	}

	sent, err := h.bc.Send(ctx, m.RoomID, c.UserID, m.Text)
	if err != nil {
		h.server.SendError(c, err, ref)
		return
	}
	h.server.Send(c, protocol.TypeMessageSent, protocol.MessageSentMsg{
		ClientMsgID: m.ClientMsgID,
		Message:     *sent,
	})
}

// Close drops every bus subscription.
func (h *Hub) Close() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for k := range h.roomSubs {
		h.unsubscribeLocked(h.roomSubs, k)
	}
	for k := range h.userSubs {
		h.unsubscribeLocked(h.userSubs, k)
	}
}
