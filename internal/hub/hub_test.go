package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/notify"
	"github.com/cinematch/chat-app/internal/protocol"
	"github.com/cinematch/chat-app/internal/store/memstore"
	wsserver "github.com/cinematch/chat-app/internal/ws"
)

type env struct {
	hub   *Hub
	recon *matching.Reconciler
	url   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithBus(t, messaging.NewLocalBus(), nil)
}

// newEnvWithBus builds an env whose hub subscribes through wrap(bus) when
// wrap is set. Publishers always use bus directly.
func newEnvWithBus(t *testing.T, bus *messaging.LocalBus, wrap func(messaging.Bus) messaging.Bus) *env {
	t.Helper()
	st := memstore.New()
	var hubBus messaging.Bus = bus
	if wrap != nil {
		hubBus = wrap(bus)
	}
	rooms := chat.NewManager(st, nil, bus)
	bc := chat.NewBroadcaster(st, rooms, bus, nil)
	h := New(rooms, bc, hubBus, nil)

	auth := wsserver.AuthenticatorFunc(func(r *http.Request) (wsserver.Identity, error) {
		if u := r.Header.Get("X-User"); u != "" {
			return wsserver.Identity{UserID: u, DisplayName: u}, nil
		}
		return wsserver.Identity{}, errors.New("anonymous")
	})
	d := wsserver.NewMessageDispatcher(nil)
	s := wsserver.NewServer(wsserver.DefaultServerConfig(), auth, nil, d.Dispatch)
	d.SetServer(s)
	h.Attach(s, d)
	require.NoError(t, s.Start())

	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		_ = s.Shutdown()
		hs.Close()
		h.Close()
		bus.Close()
	})
	return &env{
		hub:   h,
		recon: matching.NewReconciler(st, notify.NewDispatcher(bus, nil, nil), nil),
		url:   "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (e *env) dial(t *testing.T, user string) *client {
	t.Helper()
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(http.Header{"X-User": []string{user}})}
	conn, br, _, err := dialer.Dial(context.Background(), e.url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c := &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(r), conn}}
	assert.Equal(t, protocol.TypeSessionCreated, c.read(t)["type"])
	return c
}

func (c *client) read(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func (c *client) expect(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	m := c.read(t)
	require.Equal(t, msgType, m["type"], "got %v", m)
	return m
}

func (c *client) send(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c.conn, data))
}

// quiet asserts nothing else was queued for c by round-tripping a ping.
func (c *client) quiet(t *testing.T) {
	t.Helper()
	c.send(t, map[string]string{"type": "ping"})
	c.expect(t, protocol.TypePong)
}

// match connects alice and bob and matches them on Inception.
func (e *env) match(t *testing.T) (alice, bob *client, roomID string) {
	t.Helper()
	ctx := context.Background()
	alice, bob = e.dial(t, "alice"), e.dial(t, "bob")

	_, err := e.recon.Request(ctx, "alice", "bob", 27205)
	require.NoError(t, err)
	req := bob.expect(t, protocol.TypeRequestReceived)
	assert.Equal(t, "alice", req["from_user"].(map[string]interface{})["id"])

	res, err := e.recon.Request(ctx, "bob", "alice", 27205)
	require.NoError(t, err)
	require.True(t, res.Matched)

	for _, c := range []*client{alice, bob} {
		m := c.expect(t, protocol.TypeMutualMatch)
		assert.Equal(t, res.RoomID, m["room_id"])
	}
	return alice, bob, res.RoomID
}

func TestJoinSendReceive(t *testing.T) {
	e := newEnv(t)
	alice, bob, room := e.match(t)

	alice.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	alice.expect(t, protocol.TypeRoomJoined)
	bob.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	bob.expect(t, protocol.TypeRoomJoined)

	alice.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: "  hi bob  ", ClientMsgID: "m1"})
	got := alice.expect(t, protocol.TypeReceiveMessage)
	assert.Equal(t, "hi bob", got["text"])
	ack := alice.expect(t, protocol.TypeMessageSent)
	assert.Equal(t, "m1", ack["client_msg_id"])
	assert.Equal(t, got["id"], ack["message"].(map[string]interface{})["id"])

	recv := bob.expect(t, protocol.TypeReceiveMessage)
	assert.Equal(t, "hi bob", recv["text"])
	assert.Equal(t, "alice", recv["sender_id"])
	assert.Equal(t, room, recv["room_id"])
}

func TestLongUnicodeMessageIsEchoed(t *testing.T) {
	e := newEnv(t)
	alice, _, room := e.match(t)
	alice.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	alice.expect(t, protocol.TypeRoomJoined)

	text := strings.Repeat("🍿", 2000)
	alice.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: text})
	assert.Equal(t, text, alice.expect(t, protocol.TypeReceiveMessage)["text"])
	alice.expect(t, protocol.TypeMessageSent)

	alice.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: text + "!", ClientMsgID: "too-long"})
	errMsg := alice.expect(t, protocol.TypeError)
	assert.Equal(t, "invalid_argument", errMsg["code"])
	assert.Equal(t, "too-long", errMsg["ref"])
}

func TestStrangerCannotJoinOrSend(t *testing.T) {
	e := newEnv(t)
	_, _, room := e.match(t)
	carol := e.dial(t, "carol")

	carol.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	assert.Equal(t, "not_found", carol.expect(t, protocol.TypeError)["code"])

	carol.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: "hello?"})
	assert.Equal(t, "forbidden", carol.expect(t, protocol.TypeError)["code"])
	assert.False(t, e.hub.Registry().IsTagged("anything", room))
}

func TestLeaveStopsDelivery(t *testing.T) {
	e := newEnv(t)
	alice, bob, room := e.match(t)
	for _, c := range []*client{alice, bob} {
		c.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
		c.expect(t, protocol.TypeRoomJoined)
	}

	bob.send(t, protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: room})
	assert.Equal(t, room, bob.expect(t, protocol.TypeRoomLeft)["room_id"])
	bob.quiet(t)

	alice.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: "still there?"})
	alice.expect(t, protocol.TypeReceiveMessage)
	alice.expect(t, protocol.TypeMessageSent)
	bob.quiet(t)

	bob.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: "wait"})
	assert.Equal(t, "forbidden", bob.expect(t, protocol.TypeError)["code"])

	// Rejoining restores delivery.
	bob.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	bob.expect(t, protocol.TypeRoomJoined)
	alice.send(t, protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Text: "welcome back"})
	assert.Equal(t, "welcome back", bob.expect(t, protocol.TypeReceiveMessage)["text"])
}

func TestDisconnectClearsRegistry(t *testing.T) {
	e := newEnv(t)
	alice, _, room := e.match(t)
	alice.send(t, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: room})
	alice.expect(t, protocol.TypeRoomJoined)
	require.Len(t, e.hub.Registry().RoomConns(room), 1)

	alice.conn.Close()
	assert.Eventually(t, func() bool {
		return len(e.hub.Registry().RoomConns(room)) == 0 && len(e.hub.Registry().UserConns("alice")) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// flakyBus fails the first n subscriptions to subjects with prefix.
type flakyBus struct {
	messaging.Bus
	prefix string

	mu    sync.Mutex
	fails int
}

func (b *flakyBus) Subscribe(subject string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	if strings.HasPrefix(subject, b.prefix) && b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return nil, errors.New("bus unavailable")
	}
	b.mu.Unlock()
	return b.Bus.Subscribe(subject, handler)
}

func TestUserSubscriptionRetriedOnNextConnection(t *testing.T) {
	e := newEnvWithBus(t, messaging.NewLocalBus(), func(b messaging.Bus) messaging.Bus {
		return &flakyBus{Bus: b, prefix: messaging.SubjectUserPrefix, fails: 1}
	})
	ctx := context.Background()

	// bob's first connection registers but cannot subscribe to their events.
	first := e.dial(t, "bob")
	require.Len(t, e.hub.Registry().UserConns("bob"), 1)

	// A second connection while the first is still open subscribes.
	second := e.dial(t, "bob")
	require.Len(t, e.hub.Registry().UserConns("bob"), 2)

	_, err := e.recon.Request(ctx, "alice", "bob", 27205)
	require.NoError(t, err)
	for _, c := range []*client{first, second} {
		req := c.expect(t, protocol.TypeRequestReceived)
		assert.Equal(t, "alice", req["from_user"].(map[string]interface{})["id"])
	}
}
