package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const pqInvalidTextRepresentation = "22P02"

// Postgres is the production Store backed by PostgreSQL.
type Postgres struct {
	*pgQueries
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgQueries struct {
	db execer
}

// OpenPostgres connects to databaseURL, waiting up to attempts*2s for the
// database to accept connections.
func OpenPostgres(ctx context.Context, databaseURL string, attempts int) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	log := logrus.WithField("component", "store")
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Info("waiting for postgres")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return NewPostgres(db), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{pgQueries: &pgQueries{db: db}, db: db}
}

func (p *Postgres) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&pgQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", mapErr(err))
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// DB exposes the handle for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case pqInvalidTextRepresentation:
			// Malformed uuid in a lookup can't match any row.
			return ErrNotFound
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

func scanIntent(row *sql.Row) (*Intent, error) {
	var in Intent
	if err := row.Scan(&in.ID, &in.RequestorID, &in.TargetUserID, &in.MovieID, &in.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	in.CreatedAt = in.CreatedAt.UTC()
	return &in, nil
}

func (q *pgQueries) GetIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (*Intent, error) {
	const query = `
		SELECT id, requestor_id, target_user_id, movie_id, created_at
		FROM match_intents
		WHERE requestor_id = $1 AND target_user_id = $2 AND movie_id = $3`
	return scanIntent(q.db.QueryRowContext(ctx, query, requestorID, targetUserID, movieID))
}

func (q *pgQueries) IntentsBetween(ctx context.Context, userID string, others []string) ([]Intent, error) {
	if len(others) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, requestor_id, target_user_id, movie_id, created_at
		FROM match_intents
		WHERE (requestor_id = $1 AND target_user_id = ANY($2))
		   OR (target_user_id = $1 AND requestor_id = ANY($2))`
	rows, err := q.db.QueryContext(ctx, query, userID, pq.Array(others))
	if err != nil {
		return nil, fmt.Errorf("store: intents between: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.RequestorID, &in.TargetUserID, &in.MovieID, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan intent: %w", err)
		}
		in.CreatedAt = in.CreatedAt.UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

func (q *pgQueries) InsertIntent(ctx context.Context, in *Intent) error {
	const query = `
		INSERT INTO match_intents (id, requestor_id, target_user_id, movie_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := q.db.ExecContext(ctx, query, in.ID, in.RequestorID, in.TargetUserID, in.MovieID, in.CreatedAt); err != nil {
		return fmt.Errorf("store: insert intent: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) DeleteIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (bool, error) {
	const query = `
		DELETE FROM match_intents
		WHERE requestor_id = $1 AND target_user_id = $2 AND movie_id = $3`
	res, err := q.db.ExecContext(ctx, query, requestorID, targetUserID, movieID)
	if err != nil {
		return false, fmt.Errorf("store: delete intent: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete intent: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Rooms and memberships
// ---------------------------------------------------------------------------

func scanRoom(row *sql.Row) (*Room, error) {
	var r Room
	if err := row.Scan(&r.ID, &r.UserLow, &r.UserHigh, &r.MovieID, &r.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (q *pgQueries) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	const query = `SELECT id, user_low, user_high, movie_id, created_at FROM chat_rooms WHERE id = $1`
	return scanRoom(q.db.QueryRowContext(ctx, query, roomID))
}

func (q *pgQueries) FindRoomForPair(ctx context.Context, userA, userB string) (*Room, error) {
	low, high := PairKey(userA, userB)
	const query = `
		SELECT id, user_low, user_high, movie_id, created_at
		FROM chat_rooms
		WHERE user_low = $1 AND user_high = $2`
	return scanRoom(q.db.QueryRowContext(ctx, query, low, high))
}

func (q *pgQueries) InsertRoom(ctx context.Context, room *Room) error {
	const query = `
		INSERT INTO chat_rooms (id, user_low, user_high, movie_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := q.db.ExecContext(ctx, query, room.ID, room.UserLow, room.UserHigh, room.MovieID, room.CreatedAt); err != nil {
		return fmt.Errorf("store: insert room: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetMembership(ctx context.Context, roomID, userID string) (*Membership, error) {
	const query = `
		SELECT room_id, user_id, is_active, joined_at, left_at
		FROM room_memberships
		WHERE room_id = $1 AND user_id = $2`
	var (
		m      Membership
		leftAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, query, roomID, userID).
		Scan(&m.RoomID, &m.UserID, &m.IsActive, &m.JoinedAt, &leftAt)
	if err != nil {
		return nil, mapErr(err)
	}
	m.JoinedAt = m.JoinedAt.UTC()
	if leftAt.Valid {
		t := leftAt.Time.UTC()
		m.LeftAt = &t
	}
	return &m, nil
}

func (q *pgQueries) InsertMembership(ctx context.Context, m *Membership) error {
	const query = `
		INSERT INTO room_memberships (room_id, user_id, is_active, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := q.db.ExecContext(ctx, query, m.RoomID, m.UserID, m.IsActive, m.JoinedAt, m.LeftAt); err != nil {
		return fmt.Errorf("store: insert membership: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) UpdateMembership(ctx context.Context, m *Membership) error {
	const query = `
		UPDATE room_memberships
		SET is_active = $3, joined_at = $4, left_at = $5
		WHERE room_id = $1 AND user_id = $2`
	res, err := q.db.ExecContext(ctx, query, m.RoomID, m.UserID, m.IsActive, m.JoinedAt, m.LeftAt)
	if err != nil {
		return fmt.Errorf("store: update membership: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) ListActiveRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	const query = `
		SELECT r.id,
		       CASE WHEN r.user_low = $1 THEN r.user_high ELSE r.user_low END,
		       r.created_at, lm.text, lm.sent_at
		FROM room_memberships m
		JOIN chat_rooms r ON r.id = m.room_id
		LEFT JOIN LATERAL (
		    SELECT text, sent_at FROM messages
		    WHERE room_id = r.id
		    ORDER BY sent_at DESC
		    LIMIT 1
		) lm ON TRUE
		WHERE m.user_id = $1 AND m.is_active
		ORDER BY lm.sent_at DESC NULLS LAST, r.created_at ASC, r.id ASC`

	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomSummary
	for rows.Next() {
		var (
			s        RoomSummary
			lastText sql.NullString
			lastAt   sql.NullTime
		)
		if err := rows.Scan(&s.RoomID, &s.OtherUserID, &s.CreatedAt, &lastText, &lastAt); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		s.CreatedAt = s.CreatedAt.UTC()
		if lastText.Valid {
			s.LastText = &lastText.String
		}
		if lastAt.Valid {
			t := lastAt.Time.UTC()
			s.LastAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (q *pgQueries) InsertMessage(ctx context.Context, msg *Message) error {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, text, sent_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := q.db.ExecContext(ctx, query, msg.ID, msg.RoomID, msg.SenderID, msg.Text, msg.SentAt); err != nil {
		return fmt.Errorf("store: insert message: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) ListMessages(ctx context.Context, roomID string, before *time.Time, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = q.db.QueryContext(ctx, `
			SELECT id, room_id, sender_id, text, sent_at
			FROM messages
			WHERE room_id = $1 AND sent_at < $2
			ORDER BY sent_at DESC
			LIMIT $3`, roomID, *before, limit)
	} else {
		rows, err = q.db.QueryContext(ctx, `
			SELECT id, room_id, sender_id, text, sent_at
			FROM messages
			WHERE room_id = $1
			ORDER BY sent_at DESC
			LIMIT $2`, roomID, limit)
	}
	if err != nil {
		if errors.Is(mapErr(err), ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.SentAt = m.SentAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Likes and candidates
// ---------------------------------------------------------------------------

func (q *pgQueries) LikeMovie(ctx context.Context, userID string, movieID int64, at time.Time) error {
	const query = `
		INSERT INTO movie_likes (user_id, movie_id, liked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, movie_id) DO NOTHING`
	if _, err := q.db.ExecContext(ctx, query, userID, movieID, at); err != nil {
		return fmt.Errorf("store: like movie: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) UnlikeMovie(ctx context.Context, userID string, movieID int64) error {
	const query = `DELETE FROM movie_likes WHERE user_id = $1 AND movie_id = $2`
	if _, err := q.db.ExecContext(ctx, query, userID, movieID); err != nil {
		return fmt.Errorf("store: unlike movie: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) ListLikes(ctx context.Context, userID string) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT movie_id FROM movie_likes WHERE user_id = $1 ORDER BY liked_at DESC, movie_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list likes: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan like: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *pgQueries) Candidates(ctx context.Context, userID string, limit int) ([]Candidate, error) {
	const query = `
		SELECT o.user_id,
		       COUNT(*) AS overlap,
		       MAX(GREATEST(o.liked_at, m.liked_at)) AS last_overlap,
		       array_agg(o.movie_id ORDER BY o.movie_id) AS shared
		FROM movie_likes m
		JOIN movie_likes o ON o.movie_id = m.movie_id AND o.user_id <> m.user_id
		WHERE m.user_id = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM chat_rooms r
		      WHERE (r.user_low = $1 AND r.user_high = o.user_id)
		         OR (r.user_high = $1 AND r.user_low = o.user_id))
		GROUP BY o.user_id
		ORDER BY overlap DESC, last_overlap DESC, o.user_id ASC
		LIMIT $2`

	rows, err := q.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.UserID, &c.OverlapCount, &c.LastOverlapAt, pq.Array(&c.SharedMovieIDs)); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		c.LastOverlapAt = c.LastOverlapAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Users and movies
// ---------------------------------------------------------------------------

func (q *pgQueries) UpsertUser(ctx context.Context, u *User) error {
	const query = `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`
	if _, err := q.db.ExecContext(ctx, query, u.ID, u.DisplayName); err != nil {
		return fmt.Errorf("store: upsert user: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `SELECT id, display_name FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.DisplayName)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (q *pgQueries) UpsertMovie(ctx context.Context, m *Movie) error {
	const query = `
		INSERT INTO movies (id, title, poster_url, year) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, poster_url = EXCLUDED.poster_url, year = EXCLUDED.year`
	if _, err := q.db.ExecContext(ctx, query, m.ID, m.Title, m.PosterURL, m.Year); err != nil {
		return fmt.Errorf("store: upsert movie: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetMovie(ctx context.Context, movieID int64) (*Movie, error) {
	var m Movie
	err := q.db.QueryRowContext(ctx, `SELECT id, title, poster_url, year FROM movies WHERE id = $1`, movieID).
		Scan(&m.ID, &m.Title, &m.PosterURL, &m.Year)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}
