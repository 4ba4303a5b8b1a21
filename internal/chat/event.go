package chat

import "github.com/cinematch/chat-app/internal/protocol"

// Room event types.
const (
	EventMessage    = "message"
	EventMemberLeft = "member_left"
)

// RoomEvent is the payload published on a room's subject for every process
// holding connections in that room.
type RoomEvent struct {
	Type    string            `json:"type"`              // "message", "member_left"
	Message *protocol.Message `json:"message,omitempty"` // for message events
	UserID  string            `json:"user_id,omitempty"` // for member_left
}
