// Package memstore is an in-process store.Store. It enforces the same
// uniqueness constraints as the Postgres schema and rolls back every write of
// a failed transaction, so services behave identically against either
// backend. It is used by tests and by the server's memory mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cinematch/chat-app/internal/store"
)

type intentKey struct {
	requestor string
	target    string
	movie     int64
}

type pairKey struct{ low, high string }

type memberKey struct{ room, user string }

type data struct {
	intents  map[intentKey]store.Intent
	rooms    map[string]store.Room
	pairs    map[pairKey]string
	members  map[memberKey]store.Membership
	messages map[string][]store.Message // room -> insertion order
	likes    map[string]map[int64]time.Time
	users    map[string]store.User
	movies   map[int64]store.Movie
}

func newData() *data {
	return &data{
		intents:  make(map[intentKey]store.Intent),
		rooms:    make(map[string]store.Room),
		pairs:    make(map[pairKey]string),
		members:  make(map[memberKey]store.Membership),
		messages: make(map[string][]store.Message),
		likes:    make(map[string]map[int64]time.Time),
		users:    make(map[string]store.User),
		movies:   make(map[int64]store.Movie),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.intents {
		c.intents[k] = v
	}
	for k, v := range d.rooms {
		c.rooms[k] = v
	}
	for k, v := range d.pairs {
		c.pairs[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = append([]store.Message(nil), v...)
	}
	for k, v := range d.likes {
		m := make(map[int64]time.Time, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		c.likes[k] = m
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.movies {
		c.movies[k] = v
	}
	return c
}

type fault struct {
	err   error
	times int
}

// Store is the in-memory store.Store.
type Store struct {
	*view

	mu     sync.Mutex
	d      *data
	faults map[string]*fault
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{d: newData(), faults: make(map[string]*fault)}
	s.view = &view{s: s}
	return s
}

// InjectFault makes the next times calls of op (the Queries method name,
// e.g. "InsertRoom") fail with err. Used to exercise error paths.
func (s *Store) InjectFault(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(&view{s: s, inTx: true}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

// Counts reports row counts, for assertions in tests.
func (s *Store) Counts() (intents, rooms, memberships, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.d.messages {
		messages += len(msgs)
	}
	return len(s.d.intents), len(s.d.rooms), len(s.d.members), messages
}

// view implements store.Queries. Outside a transaction every call takes the
// store lock; inside one the lock is already held by WithTx.
type view struct {
	s    *Store
	inTx bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

// check consumes an injected fault for op. Caller holds the lock.
func (v *view) check(op string) error {
	f, ok := v.s.faults[op]
	if !ok {
		return nil
	}
	f.times--
	if f.times <= 0 {
		delete(v.s.faults, op)
	}
	return f.err
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

func (v *view) GetIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (*store.Intent, error) {
	defer v.lock()()
	if err := v.check("GetIntent"); err != nil {
		return nil, err
	}
	in, ok := v.s.d.intents[intentKey{requestorID, targetUserID, movieID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &in, nil
}

func (v *view) IntentsBetween(ctx context.Context, userID string, others []string) ([]store.Intent, error) {
	defer v.lock()()
	if err := v.check("IntentsBetween"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(others))
	for _, o := range others {
		want[o] = true
	}
	var out []store.Intent
	for k, in := range v.s.d.intents {
		if (k.requestor == userID && want[k.target]) || (k.target == userID && want[k.requestor]) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (v *view) InsertIntent(ctx context.Context, in *store.Intent) error {
	defer v.lock()()
	if err := v.check("InsertIntent"); err != nil {
		return err
	}
	if in.RequestorID == in.TargetUserID {
		return fmt.Errorf("memstore: insert intent: requestor equals target")
	}
	k := intentKey{in.RequestorID, in.TargetUserID, in.MovieID}
	if _, exists := v.s.d.intents[k]; exists {
		return fmt.Errorf("memstore: insert intent: %w", store.ErrDuplicate)
	}
	v.s.d.intents[k] = *in
	return nil
}

func (v *view) DeleteIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (bool, error) {
	defer v.lock()()
	if err := v.check("DeleteIntent"); err != nil {
		return false, err
	}
	k := intentKey{requestorID, targetUserID, movieID}
	if _, ok := v.s.d.intents[k]; !ok {
		return false, nil
	}
	delete(v.s.d.intents, k)
	return true, nil
}

// ---------------------------------------------------------------------------
// Rooms and memberships
// ---------------------------------------------------------------------------

func (v *view) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	defer v.lock()()
	if err := v.check("GetRoom"); err != nil {
		return nil, err
	}
	r, ok := v.s.d.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (v *view) FindRoomForPair(ctx context.Context, userA, userB string) (*store.Room, error) {
	defer v.lock()()
	if err := v.check("FindRoomForPair"); err != nil {
		return nil, err
	}
	low, high := store.PairKey(userA, userB)
	id, ok := v.s.d.pairs[pairKey{low, high}]
	if !ok {
		return nil, store.ErrNotFound
	}
	r := v.s.d.rooms[id]
	return &r, nil
}

func (v *view) InsertRoom(ctx context.Context, room *store.Room) error {
	defer v.lock()()
	if err := v.check("InsertRoom"); err != nil {
		return err
	}
	if room.UserLow >= room.UserHigh {
		return fmt.Errorf("memstore: insert room: users not ordered")
	}
	pk := pairKey{room.UserLow, room.UserHigh}
	if _, exists := v.s.d.pairs[pk]; exists {
		return fmt.Errorf("memstore: insert room: %w", store.ErrDuplicate)
	}
	if _, exists := v.s.d.rooms[room.ID]; exists {
		return fmt.Errorf("memstore: insert room: %w", store.ErrDuplicate)
	}
	v.s.d.rooms[room.ID] = *room
	v.s.d.pairs[pk] = room.ID
	return nil
}

func (v *view) GetMembership(ctx context.Context, roomID, userID string) (*store.Membership, error) {
	defer v.lock()()
	if err := v.check("GetMembership"); err != nil {
		return nil, err
	}
	m, ok := v.s.d.members[memberKey{roomID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMembership(m), nil
}

func (v *view) InsertMembership(ctx context.Context, m *store.Membership) error {
	defer v.lock()()
	if err := v.check("InsertMembership"); err != nil {
		return err
	}
	if _, ok := v.s.d.rooms[m.RoomID]; !ok {
		return fmt.Errorf("memstore: insert membership: room %s does not exist", m.RoomID)
	}
	k := memberKey{m.RoomID, m.UserID}
	if _, exists := v.s.d.members[k]; exists {
		return fmt.Errorf("memstore: insert membership: %w", store.ErrDuplicate)
	}
	v.s.d.members[k] = *copyMembership(*m)
	return nil
}

func (v *view) UpdateMembership(ctx context.Context, m *store.Membership) error {
	defer v.lock()()
	if err := v.check("UpdateMembership"); err != nil {
		return err
	}
	k := memberKey{m.RoomID, m.UserID}
	if _, ok := v.s.d.members[k]; !ok {
		return store.ErrNotFound
	}
	v.s.d.members[k] = *copyMembership(*m)
	return nil
}

func (v *view) ListActiveRooms(ctx context.Context, userID string) ([]store.RoomSummary, error) {
	defer v.lock()()
	if err := v.check("ListActiveRooms"); err != nil {
		return nil, err
	}
	var out []store.RoomSummary
	for k, m := range v.s.d.members {
		if k.user != userID || !m.IsActive {
			continue
		}
		r := v.s.d.rooms[k.room]
		s := store.RoomSummary{
			RoomID:      r.ID,
			OtherUserID: r.Other(userID),
			CreatedAt:   r.CreatedAt,
		}
		if last := latestMessage(v.s.d.messages[r.ID]); last != nil {
			text, at := last.Text, last.SentAt
			s.LastText, s.LastAt = &text, &at
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastAt != nil && b.LastAt != nil && !a.LastAt.Equal(*b.LastAt):
			return a.LastAt.After(*b.LastAt)
		case a.LastAt != nil && b.LastAt == nil:
			return true
		case a.LastAt == nil && b.LastAt != nil:
			return false
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RoomID < b.RoomID
	})
	return out, nil
}

func latestMessage(msgs []store.Message) *store.Message {
	var last *store.Message
	for i := range msgs {
		if last == nil || msgs[i].SentAt.After(last.SentAt) {
			last = &msgs[i]
		}
	}
	return last
}

func copyMembership(m store.Membership) *store.Membership {
	if m.LeftAt != nil {
		t := *m.LeftAt
		m.LeftAt = &t
	}
	return &m
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (v *view) InsertMessage(ctx context.Context, msg *store.Message) error {
	defer v.lock()()
	if err := v.check("InsertMessage"); err != nil {
		return err
	}
	if _, ok := v.s.d.rooms[msg.RoomID]; !ok {
		return fmt.Errorf("memstore: insert message: room %s does not exist", msg.RoomID)
	}
	for _, m := range v.s.d.messages[msg.RoomID] {
		if m.SentAt.Equal(msg.SentAt) {
			return fmt.Errorf("memstore: insert message: sent_at: %w", store.ErrDuplicate)
		}
	}
	v.s.d.messages[msg.RoomID] = append(v.s.d.messages[msg.RoomID], *msg)
	return nil
}

func (v *view) ListMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]store.Message, error) {
	defer v.lock()()
	if err := v.check("ListMessages"); err != nil {
		return nil, err
	}
	src := v.s.d.messages[roomID]
	out := make([]store.Message, 0, len(src))
	for _, m := range src {
		if before != nil && !m.SentAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Likes and candidates
// ---------------------------------------------------------------------------

func (v *view) LikeMovie(ctx context.Context, userID string, movieID int64, at time.Time) error {
	defer v.lock()()
	if err := v.check("LikeMovie"); err != nil {
		return err
	}
	likes, ok := v.s.d.likes[userID]
	if !ok {
		likes = make(map[int64]time.Time)
		v.s.d.likes[userID] = likes
	}
	if _, exists := likes[movieID]; !exists {
		likes[movieID] = at
	}
	return nil
}

func (v *view) UnlikeMovie(ctx context.Context, userID string, movieID int64) error {
	defer v.lock()()
	if err := v.check("UnlikeMovie"); err != nil {
		return err
	}
	delete(v.s.d.likes[userID], movieID)
	return nil
}

func (v *view) ListLikes(ctx context.Context, userID string) ([]int64, error) {
	defer v.lock()()
	if err := v.check("ListLikes"); err != nil {
		return nil, err
	}
	likes := v.s.d.likes[userID]
	out := make([]int64, 0, len(likes))
	for id := range likes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := likes[out[i]], likes[out[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (v *view) Candidates(ctx context.Context, userID string, limit int) ([]store.Candidate, error) {
	defer v.lock()()
	if err := v.check("Candidates"); err != nil {
		return nil, err
	}
	mine := v.s.d.likes[userID]

	var out []store.Candidate
	for other, theirs := range v.s.d.likes {
		if other == userID {
			continue
		}
		low, high := store.PairKey(userID, other)
		if _, shared := v.s.d.pairs[pairKey{low, high}]; shared {
			continue
		}
		c := store.Candidate{UserID: other}
		for movieID, myAt := range mine {
			theirAt, ok := theirs[movieID]
			if !ok {
				continue
			}
			c.OverlapCount++
			c.SharedMovieIDs = append(c.SharedMovieIDs, movieID)
			at := myAt
			if theirAt.After(at) {
				at = theirAt
			}
			if at.After(c.LastOverlapAt) {
				c.LastOverlapAt = at
			}
		}
		if c.OverlapCount == 0 {
			continue
		}
		sort.Slice(c.SharedMovieIDs, func(i, j int) bool { return c.SharedMovieIDs[i] < c.SharedMovieIDs[j] })
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OverlapCount != b.OverlapCount {
			return a.OverlapCount > b.OverlapCount
		}
		if !a.LastOverlapAt.Equal(b.LastOverlapAt) {
			return a.LastOverlapAt.After(b.LastOverlapAt)
		}
		return a.UserID < b.UserID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Users and movies
// ---------------------------------------------------------------------------

func (v *view) UpsertUser(ctx context.Context, u *store.User) error {
	defer v.lock()()
	if err := v.check("UpsertUser"); err != nil {
		return err
	}
	v.s.d.users[u.ID] = *u
	return nil
}

func (v *view) GetUser(ctx context.Context, userID string) (*store.User, error) {
	defer v.lock()()
	if err := v.check("GetUser"); err != nil {
		return nil, err
	}
	u, ok := v.s.d.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (v *view) UpsertMovie(ctx context.Context, m *store.Movie) error {
	defer v.lock()()
	if err := v.check("UpsertMovie"); err != nil {
		return err
	}
	v.s.d.movies[m.ID] = *m
	return nil
}

func (v *view) GetMovie(ctx context.Context, movieID int64) (*store.Movie, error) {
	defer v.lock()()
	if err := v.check("GetMovie"); err != nil {
		return nil, err
	}
	m, ok := v.s.d.movies[movieID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}
