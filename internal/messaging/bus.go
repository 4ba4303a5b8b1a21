// Package messaging carries room messages and per-user notifications between
// the process that produced them and every process holding a live connection
// that should see them. NATSClient spans replicas; LocalBus is for a single
// process and for tests.
package messaging

import "strings"

// Subject layout.
const (
	SubjectRoomPrefix = "room." // + <room_id>.messages
	SubjectUserPrefix = "user." // + <user_id>.events
)

// RoomSubject is where a room's messages are published.
func RoomSubject(roomID string) string {
	return SubjectRoomPrefix + roomID + ".messages"
}

// UserSubject is where a user's out-of-band notifications are published.
func UserSubject(userID string) string {
	return SubjectUserPrefix + userID + ".events"
}

// RoomFromSubject extracts the room id from a RoomSubject.
func RoomFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, SubjectRoomPrefix) || !strings.HasSuffix(subject, ".messages") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(subject, SubjectRoomPrefix), ".messages")
	return id, id != ""
}

// Handler receives the payload of one published message.
type Handler func(data []byte)

// Subscription is an active registration on a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is subject-based publish/subscribe. Messages published on a subject are
// delivered to each subscription in publish order.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
