// Package protocol defines the WebSocket message types and structures used for
// communication between hub clients and the server. All messages are JSON
// objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeRoomJoined      = "room_joined"
	TypeRoomLeft        = "room_left"
	TypeReceiveMessage  = "receive_message"
	TypeMessageSent     = "message_sent"
	TypeMutualMatch     = "mutual_match"
	TypeRequestReceived = "request_received"
	TypeRequestDeclined = "request_declined"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// Message is a chat message as seen by clients, both in history pages and
// in real-time delivery.
type Message struct {
	ID                string    `json:"id"`
	RoomID            string    `json:"room_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Text              string    `json:"text"`
	SentAt            time.Time `json:"sent_at"`
}

// UserRef identifies another user in a notification.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg subscribes the connection to a room's live messages.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg leaves a room and stops its live messages.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg posts text to a room. ClientMsgID is echoed in the
// message_sent acknowledgement.
type SendMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once after the upgrade succeeds.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type RoomJoinedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type RoomLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ReceiveMessageMsg delivers a message to every connection in the room.
type ReceiveMessageMsg struct {
	Type string `json:"type"`
	Message
}

// MessageSentMsg acknowledges a send_message to the sending connection.
type MessageSentMsg struct {
	Type        string  `json:"type"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
	Message     Message `json:"message"`
}

// MutualMatchMsg tells a user that a room was opened with OtherUser.
type MutualMatchMsg struct {
	Type             string    `json:"type"`
	RoomID           string    `json:"room_id"`
	OtherUser        UserRef   `json:"other_user"`
	MovieID          int64     `json:"movie_id"`
	SharedMovieTitle string    `json:"shared_movie_title"`
	Timestamp        time.Time `json:"timestamp"`
}

// RequestReceivedMsg tells a user someone wants to match about a movie.
type RequestReceivedMsg struct {
	Type       string    `json:"type"`
	FromUser   UserRef   `json:"from_user"`
	MovieID    int64     `json:"movie_id"`
	MovieTitle string    `json:"movie_title"`
	Timestamp  time.Time `json:"timestamp"`
}

// RequestDeclinedMsg tells a requestor their intent was declined.
type RequestDeclinedMsg struct {
	Type      string    `json:"type"`
	ByUser    UserRef   `json:"by_user"`
	MovieID   int64     `json:"movie_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. Ref
// carries the room or client message id the error relates to, if any.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
