package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPostgres connects to TEST_DATABASE_URL, migrates it and empties every
// table. Tests are skipped when the variable is unset.
func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres tests")
	}
	require.NoError(t, MigrateUp(url))

	ctx := context.Background()
	p, err := OpenPostgres(ctx, url, 1)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	_, err = p.DB().ExecContext(ctx,
		`TRUNCATE messages, room_memberships, chat_rooms, match_intents, movie_likes, movies, users`)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresIntentUniqueness(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()

	in := &Intent{ID: uuid.NewString(), RequestorID: "alice", TargetUserID: "bob", MovieID: 27205, CreatedAt: Now()}
	require.NoError(t, p.InsertIntent(ctx, in))

	dup := *in
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, p.InsertIntent(ctx, &dup), ErrDuplicate)

	got, err := p.GetIntent(ctx, "alice", "bob", 27205)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))

	back := &Intent{ID: uuid.NewString(), RequestorID: "carol", TargetUserID: "alice", MovieID: 603, CreatedAt: Now()}
	require.NoError(t, p.InsertIntent(ctx, back))
	between, err := p.IntentsBetween(ctx, "alice", []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	assert.Len(t, between, 2)

	removed, err := p.DeleteIntent(ctx, "alice", "bob", 27205)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = p.DeleteIntent(ctx, "alice", "bob", 27205)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestPostgresRoomPairAndRollback(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()

	low, high := PairKey("bob", "alice")
	room := &Room{ID: uuid.NewString(), UserLow: low, UserHigh: high, MovieID: 27205, CreatedAt: Now()}

	err := p.WithTx(ctx, func(q Queries) error {
		if err := q.InsertRoom(ctx, room); err != nil {
			return err
		}
		return q.InsertMembership(ctx, &Membership{RoomID: room.ID, UserID: "nobody-real", IsActive: true, JoinedAt: Now()})
	})
	require.NoError(t, err)

	second := &Room{ID: uuid.NewString(), UserLow: low, UserHigh: high, MovieID: 603, CreatedAt: Now()}
	err = p.WithTx(ctx, func(q Queries) error { return q.InsertRoom(ctx, second) })
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := p.FindRoomForPair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	_, err = p.GetRoom(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresMessagesAndRooms(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()

	room := &Room{ID: uuid.NewString(), UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: Now()}
	require.NoError(t, p.InsertRoom(ctx, room))
	require.NoError(t, p.InsertMembership(ctx, &Membership{RoomID: room.ID, UserID: "a", IsActive: true, JoinedAt: Now()}))

	base := Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.InsertMessage(ctx, &Message{
			ID: uuid.NewString(), RoomID: room.ID, SenderID: "a", Text: "hello",
			SentAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	msgs, err := p.ListMessages(ctx, room.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].SentAt.After(msgs[1].SentAt))

	older, err := p.ListMessages(ctx, room.ID, &msgs[1].SentAt, 10)
	require.NoError(t, err)
	assert.Len(t, older, 1)

	// sent_at is unique per room.
	err = p.InsertMessage(ctx, &Message{ID: uuid.NewString(), RoomID: room.ID, SenderID: "a", Text: "tie", SentAt: base})
	assert.ErrorIs(t, err, ErrDuplicate)

	rooms, err := p.ListActiveRooms(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "b", rooms[0].OtherUserID)
	require.NotNil(t, rooms[0].LastAt)
}

func TestPostgresCandidates(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	at := Now()

	for _, l := range []struct {
		user  string
		movie int64
	}{{"me", 1}, {"me", 2}, {"bob", 1}, {"bob", 2}, {"carol", 2}} {
		require.NoError(t, p.LikeMovie(ctx, l.user, l.movie, at))
	}

	cands, err := p.Candidates(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "bob", cands[0].UserID)
	assert.Equal(t, 2, cands[0].OverlapCount)
	assert.Equal(t, []int64{1, 2}, cands[0].SharedMovieIDs)
}
