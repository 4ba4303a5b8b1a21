package matching

import (
	"context"
	"time"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/store"
)

// StatusKind is the relationship between a user and a target user.
type StatusKind string

const (
	StatusNone            StatusKind = "none"
	StatusPendingSent     StatusKind = "pending_sent"
	StatusPendingReceived StatusKind = "pending_received"
	StatusMatched         StatusKind = "matched"
)

// Status is what a user may do about a target user.
type Status struct {
	Status     StatusKind
	CanRequest bool
	CanDecline bool
	// PendingSince is when the pending intent was created, for pending_sent
	// the caller's own request and for pending_received the target's.
	PendingSince *time.Time
	// MovieID is the movie of the pending intent, or of the room's match.
	MovieID int64
	RoomID  string
}

// Status derives the relationship from three facts: a room for the pair,
// an outgoing intent, an incoming intent. A room always wins.
func (r *Reconciler) Status(ctx context.Context, userID, targetUserID string) (Status, error) {
	userID, targetUserID, err := validatePair(userID, targetUserID)
	if err != nil {
		return Status{}, err
	}

	room, err := r.findRoom(ctx, userID, targetUserID)
	if err != nil {
		return Status{}, apperr.Internal(err)
	}
	if room != nil {
		return Status{Status: StatusMatched, RoomID: room.ID, MovieID: room.MovieID}, nil
	}

	intents, err := r.intentsBetween(ctx, userID, []string{targetUserID})
	if err != nil {
		return Status{}, apperr.Internal(err)
	}
	return statusFromIntents(userID, targetUserID, intents), nil
}

// statusFromIntents derives the status of userID towards targetUserID from
// the intents between them, ignoring rooms. Entries about other pairs are
// skipped, so one bulk result serves many targets.
func statusFromIntents(userID, targetUserID string, intents []store.Intent) Status {
	var outgoing, incoming *store.Intent
	outMovies := make(map[int64]bool)
	for i := range intents {
		in := &intents[i]
		switch {
		case in.RequestorID == userID && in.TargetUserID == targetUserID:
			outMovies[in.MovieID] = true
			if newer(in, outgoing) {
				outgoing = in
			}
		case in.RequestorID == targetUserID && in.TargetUserID == userID:
			if newer(in, incoming) {
				incoming = in
			}
		}
	}

	switch {
	case outgoing != nil && incoming != nil:
		// Reciprocal rows for the same movie are a match whose room is not
		// yet committed. Rows about different movies are still just an
		// incoming request the user can accept.
		if outMovies[incoming.MovieID] {
			return Status{Status: StatusMatched, MovieID: incoming.MovieID}
		}
		return pendingReceived(incoming)

	case outgoing != nil:
		at := outgoing.CreatedAt
		return Status{Status: StatusPendingSent, PendingSince: &at, MovieID: outgoing.MovieID}

	case incoming != nil:
		return pendingReceived(incoming)
	}
	return Status{Status: StatusNone, CanRequest: true}
}

// newer orders intents by creation time, then id.
func newer(a, b *store.Intent) bool {
	if b == nil {
		return true
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func pendingReceived(incoming *store.Intent) Status {
	at := incoming.CreatedAt
	return Status{
		Status:       StatusPendingReceived,
		CanRequest:   true,
		CanDecline:   true,
		PendingSince: &at,
		MovieID:      incoming.MovieID,
	}
}

// Candidate is another user ranked by liked-movie overlap.
type Candidate struct {
	UserID         string
	DisplayName    string
	OverlapCount   int
	SharedMovieIDs []int64
	LastOverlapAt  time.Time
	Status         StatusKind
}

const (
	minTake = 1
	maxTake = 100
)

// ClampTake bounds a page size to [1, 100]. The upper bound keeps one
// candidates page to a single bounded overlap query.
func ClampTake(take int) int {
	if take < minTake {
		return minTake
	}
	if take > maxTake {
		return maxTake
	}
	return take
}

// Candidates ranks other users by how many liked movies they share with
// userID, then by the most recent shared like, then by id. Users who already
// share a room with userID are excluded.
func (r *Reconciler) Candidates(ctx context.Context, userID string, take int) ([]Candidate, error) {
	if userID == "" {
		return nil, apperr.Invalid("user id must not be empty")
	}
	take = ClampTake(take)

	var rows []store.Candidate
	err := store.Retry(ctx, "candidates", func() error {
		var err error
		rows, err = r.store.Candidates(ctx, userID, take)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	ids := make([]string, len(rows))
	for i, c := range rows {
		ids[i] = c.UserID
	}
	var names map[string]string
	if r.names != nil {
		names = r.names.DisplayNames(ctx, ids)
	}

	// Candidates never share a room with userID, so their status follows
	// from intents alone, fetched in one query for the whole page.
	intents, err := r.intentsBetween(ctx, userID, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	out := make([]Candidate, 0, len(rows))
	for _, c := range rows {
		st := statusFromIntents(userID, c.UserID, intents)
		name := names[c.UserID]
		if name == "" {
			name = c.UserID
		}
		out = append(out, Candidate{
			UserID:         c.UserID,
			DisplayName:    name,
			OverlapCount:   c.OverlapCount,
			SharedMovieIDs: c.SharedMovieIDs,
			LastOverlapAt:  c.LastOverlapAt,
			Status:         st.Status,
		})
	}
	return out, nil
}
