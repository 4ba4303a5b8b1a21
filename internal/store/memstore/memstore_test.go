package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/chat-app/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestInsertIntentDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	in := &store.Intent{ID: "i1", RequestorID: "alice", TargetUserID: "bob", MovieID: 27205, CreatedAt: t0}
	require.NoError(t, s.InsertIntent(ctx, in))

	dup := *in
	dup.ID = "i2"
	err := s.InsertIntent(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// Same pair, different movie is a separate intent.
	other := *in
	other.ID, other.MovieID = "i3", 603
	assert.NoError(t, s.InsertIntent(ctx, &other))

	intents, _, _, _ := s.Counts()
	assert.Equal(t, 2, intents)
}

func TestInsertIntentSelf(t *testing.T) {
	s := New()
	err := s.InsertIntent(context.Background(), &store.Intent{ID: "i", RequestorID: "a", TargetUserID: "a", MovieID: 1})
	assert.Error(t, err)
}

func TestIntentsBetween(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, in := range []store.Intent{
		{ID: "1", RequestorID: "a", TargetUserID: "b", MovieID: 1, CreatedAt: t0},
		{ID: "2", RequestorID: "a", TargetUserID: "b", MovieID: 2, CreatedAt: t0.Add(time.Minute)},
		{ID: "3", RequestorID: "c", TargetUserID: "a", MovieID: 1, CreatedAt: t0},
		{ID: "4", RequestorID: "d", TargetUserID: "a", MovieID: 1, CreatedAt: t0},
		{ID: "5", RequestorID: "b", TargetUserID: "c", MovieID: 1, CreatedAt: t0},
	} {
		in := in
		require.NoError(t, s.InsertIntent(ctx, &in))
	}

	got, err := s.IntentsBetween(ctx, "a", []string{"b", "c"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, in := range got {
		ids[i] = in.ID
	}
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids)

	got, err = s.IntentsBetween(ctx, "a", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteIntentReportsRemoval(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertIntent(ctx, &store.Intent{ID: "1", RequestorID: "a", TargetUserID: "b", MovieID: 1, CreatedAt: t0}))

	removed, err := s.DeleteIntent(ctx, "a", "b", 1)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteIntent(ctx, "a", "b", 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRoomPairUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0}))

	err := s.InsertRoom(ctx, &store.Room{ID: "r2", UserLow: "a", UserHigh: "b", MovieID: 2, CreatedAt: t0})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	r, err := s.FindRoomForPair(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, "a", r.Other("b"))
}

func TestWithTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q store.Queries) error {
		require.NoError(t, q.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0}))
		require.NoError(t, q.InsertMembership(ctx, &store.Membership{RoomID: "r1", UserID: "a", IsActive: true, JoinedAt: t0}))
		if _, err := q.DeleteIntent(ctx, "b", "a", 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, rooms, members, _ := s.Counts()
	assert.Zero(t, rooms)
	assert.Zero(t, members)
	_, err = s.FindRoomForPair(ctx, "a", "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(q store.Queries) error {
		return q.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0})
	})
	require.NoError(t, err)

	_, err = s.GetRoom(ctx, "r1")
	assert.NoError(t, err)
}

func TestMembershipLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0}))
	require.NoError(t, s.InsertMembership(ctx, &store.Membership{RoomID: "r1", UserID: "a", IsActive: true, JoinedAt: t0}))

	err := s.InsertMembership(ctx, &store.Membership{RoomID: "r1", UserID: "a", IsActive: true, JoinedAt: t0})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	left := t0.Add(time.Hour)
	m, err := s.GetMembership(ctx, "r1", "a")
	require.NoError(t, err)
	m.IsActive, m.LeftAt = false, &left
	require.NoError(t, s.UpdateMembership(ctx, m))

	got, err := s.GetMembership(ctx, "r1", "a")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.LeftAt)
	assert.True(t, got.LeftAt.Equal(left))

	assert.ErrorIs(t, s.UpdateMembership(ctx, &store.Membership{RoomID: "r1", UserID: "zed"}), store.ErrNotFound)
}

func TestListActiveRoomsOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, other := range []string{"b", "c", "d"} {
		id := "r" + other
		require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: id, UserLow: "a", UserHigh: other, MovieID: 1, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}))
		require.NoError(t, s.InsertMembership(ctx, &store.Membership{RoomID: id, UserID: "a", IsActive: true, JoinedAt: t0}))
	}
	// rc has the newest message, rb an older one, rd none.
	require.NoError(t, s.InsertMessage(ctx, &store.Message{ID: "m1", RoomID: "rb", SenderID: "a", Text: "hi b", SentAt: t0.Add(time.Hour)}))
	require.NoError(t, s.InsertMessage(ctx, &store.Message{ID: "m2", RoomID: "rc", SenderID: "c", Text: "hi c", SentAt: t0.Add(2 * time.Hour)}))

	rooms, err := s.ListActiveRooms(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "rc", rooms[0].RoomID)
	assert.Equal(t, "c", rooms[0].OtherUserID)
	require.NotNil(t, rooms[0].LastText)
	assert.Equal(t, "hi c", *rooms[0].LastText)
	assert.Equal(t, "rb", rooms[1].RoomID)
	assert.Equal(t, "rd", rooms[2].RoomID)
	assert.Nil(t, rooms[2].LastAt)

	// Inactive memberships drop out.
	m, _ := s.GetMembership(ctx, "rc", "a")
	m.IsActive = false
	require.NoError(t, s.UpdateMembership(ctx, m))
	rooms, err = s.ListActiveRooms(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
}

func TestListMessagesCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx, &store.Message{
			ID: string(rune('0' + i)), RoomID: "r1", SenderID: "a", Text: "x",
			SentAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := s.ListMessages(ctx, "r1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "4", page[0].ID)
	assert.Equal(t, "3", page[1].ID)

	before := page[1].SentAt
	page, err = s.ListMessages(ctx, "r1", &before, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "2", page[0].ID)
	assert.Equal(t, "0", page[2].ID)

	assert.Error(t, s.InsertMessage(ctx, &store.Message{ID: "x", RoomID: "missing", Text: "x"}))
}

func TestInsertMessageSentAtUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r1", UserLow: "a", UserHigh: "b", MovieID: 1, CreatedAt: t0}))
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r2", UserLow: "a", UserHigh: "c", MovieID: 1, CreatedAt: t0}))

	require.NoError(t, s.InsertMessage(ctx, &store.Message{ID: "m1", RoomID: "r1", SenderID: "a", Text: "x", SentAt: t0}))
	err := s.InsertMessage(ctx, &store.Message{ID: "m2", RoomID: "r1", SenderID: "b", Text: "y", SentAt: t0})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// The timestamp is only unique within a room.
	assert.NoError(t, s.InsertMessage(ctx, &store.Message{ID: "m3", RoomID: "r2", SenderID: "a", Text: "z", SentAt: t0}))
}

func TestCandidatesRanking(t *testing.T) {
	s := New()
	ctx := context.Background()
	like := func(user string, movie int64, at time.Time) {
		require.NoError(t, s.LikeMovie(ctx, user, movie, at))
	}
	like("me", 1, t0)
	like("me", 2, t0)
	like("me", 3, t0)

	like("bob", 1, t0)
	like("bob", 2, t0.Add(time.Minute))

	like("carol", 2, t0)
	like("carol", 3, t0.Add(time.Hour))

	like("dave", 1, t0.Add(time.Hour))

	like("erin", 9, t0) // no overlap

	cands, err := s.Candidates(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "carol", cands[0].UserID) // 2 overlaps, later
	assert.Equal(t, "bob", cands[1].UserID)
	assert.Equal(t, []int64{1, 2}, cands[1].SharedMovieIDs)
	assert.Equal(t, "dave", cands[2].UserID)

	cands, err = s.Candidates(ctx, "me", 1)
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	// A shared room excludes the pair.
	require.NoError(t, s.InsertRoom(ctx, &store.Room{ID: "r", UserLow: "carol", UserHigh: "me", MovieID: 2, CreatedAt: t0}))
	cands, err = s.Candidates(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "bob", cands[0].UserID)
}

func TestLikeIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.LikeMovie(ctx, "a", 1, t0))
	require.NoError(t, s.LikeMovie(ctx, "a", 1, t0.Add(time.Hour)))
	require.NoError(t, s.LikeMovie(ctx, "a", 2, t0.Add(time.Minute)))

	likes, err := s.ListLikes(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, likes)

	require.NoError(t, s.UnlikeMovie(ctx, "a", 2))
	require.NoError(t, s.UnlikeMovie(ctx, "a", 2))
	likes, _ = s.ListLikes(ctx, "a")
	assert.Equal(t, []int64{1}, likes)
}

func TestInjectFault(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.InjectFault("GetMovie", boom, 2)

	_, err := s.GetMovie(ctx, 1)
	assert.ErrorIs(t, err, boom)
	_, err = s.GetMovie(ctx, 1)
	assert.ErrorIs(t, err, boom)
	_, err = s.GetMovie(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUsersAndMovies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "a", DisplayName: "Alice"}))
	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "a", DisplayName: "Alicia"}))
	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", u.DisplayName)

	require.NoError(t, s.UpsertMovie(ctx, &store.Movie{ID: 27205, Title: "Inception", Year: 2010}))
	m, err := s.GetMovie(ctx, 27205)
	require.NoError(t, err)
	assert.Equal(t, "Inception", m.Title)
}
