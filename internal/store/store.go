// Package store holds the durable records of the match and chat services and
// the Store interface both the Postgres and in-memory implementations
// satisfy. Uniqueness that the services rely on for correctness (one intent
// per requestor/target/movie triple, one room per user pair, one membership
// per room/user) is enforced by the store itself and reported as ErrDuplicate.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")
)

// Intent is a one-directional "I want to match with Target about Movie".
type Intent struct {
	ID           string
	RequestorID  string
	TargetUserID string
	MovieID      int64
	CreatedAt    time.Time
}

// Room is a private conversation created by a mutual match. UserLow and
// UserHigh are the two participants in lexical order.
type Room struct {
	ID        string
	UserLow   string
	UserHigh  string
	MovieID   int64
	CreatedAt time.Time
}

// Other returns the participant that is not userID.
func (r *Room) Other(userID string) string {
	if r.UserLow == userID {
		return r.UserHigh
	}
	return r.UserLow
}

// Membership is a user's participation record in a room. There is exactly one
// row per (room, user) for the lifetime of the room.
type Membership struct {
	RoomID   string
	UserID   string
	IsActive bool
	JoinedAt time.Time
	LeftAt   *time.Time
}

// Message is an immutable chat message.
type Message struct {
	ID       string
	RoomID   string
	SenderID string
	Text     string
	SentAt   time.Time
}

// RoomSummary is one row of a user's active room list.
type RoomSummary struct {
	RoomID      string
	OtherUserID string
	CreatedAt   time.Time
	LastText    *string
	LastAt      *time.Time
}

// Candidate is the derived overlap between a user and another user's likes.
type Candidate struct {
	UserID         string
	OverlapCount   int
	SharedMovieIDs []int64
	LastOverlapAt  time.Time
}

// User is a directory entry.
type User struct {
	ID          string
	DisplayName string
}

// Movie is catalog metadata.
type Movie struct {
	ID        int64
	Title     string
	PosterURL string
	Year      int
}

// Queries is the set of operations available both outside and inside a
// transaction.
type Queries interface {
	GetIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (*Intent, error)
	// IntentsBetween returns every intent, in either direction, between
	// userID and any of others.
	IntentsBetween(ctx context.Context, userID string, others []string) ([]Intent, error)
	InsertIntent(ctx context.Context, in *Intent) error
	DeleteIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (bool, error)

	GetRoom(ctx context.Context, roomID string) (*Room, error)
	FindRoomForPair(ctx context.Context, userA, userB string) (*Room, error)
	InsertRoom(ctx context.Context, room *Room) error

	GetMembership(ctx context.Context, roomID, userID string) (*Membership, error)
	InsertMembership(ctx context.Context, m *Membership) error
	UpdateMembership(ctx context.Context, m *Membership) error
	ListActiveRooms(ctx context.Context, userID string) ([]RoomSummary, error)

	InsertMessage(ctx context.Context, msg *Message) error
	// ListMessages returns up to limit messages of roomID newest first. When
	// before is non-nil only messages strictly older than it are returned.
	ListMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]Message, error)

	LikeMovie(ctx context.Context, userID string, movieID int64, at time.Time) error
	UnlikeMovie(ctx context.Context, userID string, movieID int64) error
	ListLikes(ctx context.Context, userID string) ([]int64, error)
	// Candidates ranks other users by liked-movie overlap with userID,
	// excluding users that already share a room with userID.
	Candidates(ctx context.Context, userID string, limit int) ([]Candidate, error)

	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	UpsertMovie(ctx context.Context, m *Movie) error
	GetMovie(ctx context.Context, movieID int64) (*Movie, error)
}

// Store is a Queries that can also run a function atomically.
type Store interface {
	Queries
	// WithTx runs fn in a transaction. If fn returns an error every write it
	// made is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}

// PairKey orders two user ids so a pair has a single representation.
func PairKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Now returns the current time at the precision the store persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
