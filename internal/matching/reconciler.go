// Package matching turns one-directional match intents into chat rooms. A
// room is opened when two users have each asked to match with the other about
// the same movie. Exactly-once room creation across replicas comes from the
// store's uniqueness constraints, not from locks held here.
package matching

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/logging"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/store"
)

// Notifier receives best-effort signals about state changes. Implementations
// must not block for long and never report failure to the caller.
type Notifier interface {
	RequestReceived(ctx context.Context, requestorID, targetUserID string, movieID int64)
	MutualMatch(ctx context.Context, room *store.Room)
	RequestDeclined(ctx context.Context, declinerID, requestorID string, movieID int64)
}

// Directory resolves user ids to display names.
type Directory interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
}

// Result is the outcome of Request.
type Result struct {
	Matched bool
	RoomID  string
}

// errReciprocalGone aborts a reconciliation whose reciprocal intent was
// removed (declined) after it was observed.
var errReciprocalGone = errors.New("matching: reciprocal intent gone")

// Reconciler implements Request, Decline, Status and Candidates.
type Reconciler struct {
	store  store.Store
	notify Notifier
	names  Directory
	log    *logrus.Entry
}

// NewReconciler returns a Reconciler. notify and names may be nil.
func NewReconciler(st store.Store, notify Notifier, names Directory) *Reconciler {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Reconciler{
		store:  st,
		notify: notify,
		names:  names,
		log:    logrus.WithField("component", "matcher"),
	}
}

func validatePair(a, b string) (string, string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", apperr.Invalid("user ids must not be empty")
	}
	if a == b {
		return "", "", apperr.Invalid("cannot match with yourself")
	}
	return a, b, nil
}

func validateMovie(movieID int64) error {
	if movieID <= 0 {
		return apperr.Invalid("movie id must be positive")
	}
	return nil
}

// Request records that requestorID wants to match with targetUserID about
// movieID, or opens their room if targetUserID already asked the same.
// Repeating a call is harmless and returns the same outcome.
func (r *Reconciler) Request(ctx context.Context, requestorID, targetUserID string, movieID int64) (Result, error) {
	requestorID, targetUserID, err := validatePair(requestorID, targetUserID)
	if err != nil {
		return Result{}, err
	}
	if err := validateMovie(movieID); err != nil {
		return Result{}, err
	}
	fields := logrus.Fields{"requestor_id": requestorID, "target_user_id": targetUserID, "movie_id": movieID}

	// A pair that already has a room stays matched.
	room, err := r.findRoom(ctx, requestorID, targetUserID)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}
	if room != nil {
		metrics.MatchesTotal.WithLabelValues("absorbed").Inc()
		logging.Event("match.absorbed", logging.OutcomeAbsorbed, withRoom(fields, room.ID))
		return Result{Matched: true, RoomID: room.ID}, nil
	}

	reciprocal, err := r.getIntent(ctx, targetUserID, requestorID, movieID)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}
	if reciprocal != nil {
		res, err := r.reconcile(ctx, requestorID, targetUserID, movieID, fields)
		if !errors.Is(err, errReciprocalGone) {
			return res, err
		}
	}

	created, err := r.insertIntent(ctx, requestorID, targetUserID, movieID)
	if err != nil {
		return Result{}, apperr.Internal(err)
	}
	if created {
		metrics.IntentsTotal.WithLabelValues("created").Inc()
		logging.Event("intent.created", logging.OutcomeOK, fields)
	} else {
		metrics.IntentsTotal.WithLabelValues("absorbed").Inc()
		logging.Event("intent.absorbed", logging.OutcomeAbsorbed, fields)
	}

	// Both users may have inserted at the same moment, each before the other's
	// row was visible. Looking once more lets one of them open the room.
	if reciprocal, err := r.getIntent(ctx, targetUserID, requestorID, movieID); err != nil {
		r.log.WithError(err).WithFields(fields).Warn("reciprocal re-check failed")
	} else if reciprocal != nil {
		res, err := r.reconcile(ctx, requestorID, targetUserID, movieID, fields)
		switch {
		case err == nil:
			return res, nil
		case !errors.Is(err, errReciprocalGone):
			r.log.WithError(err).WithFields(fields).Warn("reconcile after insert failed, intent kept")
		}
	}

	// A concurrent reconciler may have opened the room after the first check
	// without seeing this row. The room wins; the row must not outlive it.
	if room, err := r.findRoom(ctx, requestorID, targetUserID); err == nil && room != nil {
		if err := store.Retry(ctx, "retire_intent", func() error {
			_, err := r.store.DeleteIntent(ctx, requestorID, targetUserID, movieID)
			return err
		}); err != nil {
			r.log.WithError(err).WithFields(fields).Warn("retiring intent after match failed")
		}
		metrics.MatchesTotal.WithLabelValues("absorbed").Inc()
		logging.Event("match.absorbed", logging.OutcomeAbsorbed, withRoom(fields, room.ID))
		return Result{Matched: true, RoomID: room.ID}, nil
	}

	if created {
		r.notify.RequestReceived(ctx, requestorID, targetUserID, movieID)
	}
	return Result{Matched: false}, nil
}

// reconcile opens the room for the pair in one transaction: room, both
// memberships, and removal of both intents for the movie. If a concurrent
// reconciler won, its room is returned instead.
func (r *Reconciler) reconcile(ctx context.Context, requestorID, targetUserID string, movieID int64, fields logrus.Fields) (Result, error) {
	low, high := store.PairKey(requestorID, targetUserID)
	now := store.Now()
	room := &store.Room{ID: uuid.NewString(), UserLow: low, UserHigh: high, MovieID: movieID, CreatedAt: now}

	err := store.Retry(ctx, "reconcile", func() error {
		return r.store.WithTx(ctx, func(q store.Queries) error {
			if err := q.InsertRoom(ctx, room); err != nil {
				return err
			}
			for _, uid := range []string{low, high} {
				if err := q.InsertMembership(ctx, &store.Membership{
					RoomID: room.ID, UserID: uid, IsActive: true, JoinedAt: now,
				}); err != nil {
					return err
				}
			}
			removed, err := q.DeleteIntent(ctx, targetUserID, requestorID, movieID)
			if err != nil {
				return err
			}
			if !removed {
				return errReciprocalGone
			}
			_, err = q.DeleteIntent(ctx, requestorID, targetUserID, movieID)
			return err
		})
	})

	switch {
	case err == nil:
		metrics.MatchesTotal.WithLabelValues("created").Inc()
		logging.Event("match.created", logging.OutcomeOK, withRoom(fields, room.ID))
		r.notify.MutualMatch(ctx, room)
		return Result{Matched: true, RoomID: room.ID}, nil

	case errors.Is(err, store.ErrDuplicate):
		existing, ferr := r.findRoom(ctx, requestorID, targetUserID)
		if ferr != nil || existing == nil {
			return Result{}, apperr.Internal(errors.Join(err, ferr))
		}
		metrics.MatchesTotal.WithLabelValues("absorbed").Inc()
		logging.Event("match.absorbed", logging.OutcomeAbsorbed, withRoom(fields, existing.ID))
		return Result{Matched: true, RoomID: existing.ID}, nil

	case errors.Is(err, errReciprocalGone):
		return Result{}, err
	}
	return Result{}, apperr.Internal(err)
}

// Decline removes the incoming intent requestorID -> declinerID for movieID.
// A missing intent is not an error.
func (r *Reconciler) Decline(ctx context.Context, declinerID, requestorID string, movieID int64) error {
	declinerID, requestorID = strings.TrimSpace(declinerID), strings.TrimSpace(requestorID)
	if declinerID != "" && declinerID == requestorID {
		return apperr.Invalid("only incoming requests can be declined")
	}
	declinerID, requestorID, err := validatePair(declinerID, requestorID)
	if err != nil {
		return err
	}
	if err := validateMovie(movieID); err != nil {
		return err
	}
	fields := logrus.Fields{"decliner_id": declinerID, "requestor_id": requestorID, "movie_id": movieID}

	var removed bool
	err = store.Retry(ctx, "decline", func() error {
		var err error
		removed, err = r.store.DeleteIntent(ctx, requestorID, declinerID, movieID)
		return err
	})
	if err != nil {
		return apperr.Internal(err)
	}

	if !removed {
		metrics.IntentsTotal.WithLabelValues("decline_noop").Inc()
		logging.Event("intent.declined", logging.OutcomeNoop, fields)
		return nil
	}
	metrics.IntentsTotal.WithLabelValues("declined").Inc()
	logging.Event("intent.declined", logging.OutcomeOK, fields)
	r.notify.RequestDeclined(ctx, declinerID, requestorID, movieID)
	return nil
}

// LikeMovie adds movieID to userID's liked set. Liking twice is a no-op.
func (r *Reconciler) LikeMovie(ctx context.Context, userID string, movieID int64) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Invalid("user id must not be empty")
	}
	if err := validateMovie(movieID); err != nil {
		return err
	}
	at := store.Now()
	if err := store.Retry(ctx, "like_movie", func() error {
		return r.store.LikeMovie(ctx, userID, movieID, at)
	}); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// UnlikeMovie removes movieID from userID's liked set.
func (r *Reconciler) UnlikeMovie(ctx context.Context, userID string, movieID int64) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Invalid("user id must not be empty")
	}
	if err := validateMovie(movieID); err != nil {
		return err
	}
	if err := store.Retry(ctx, "unlike_movie", func() error {
		return r.store.UnlikeMovie(ctx, userID, movieID)
	}); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (r *Reconciler) findRoom(ctx context.Context, a, b string) (*store.Room, error) {
	var room *store.Room
	err := store.Retry(ctx, "find_room", func() error {
		var err error
		room, err = r.store.FindRoomForPair(ctx, a, b)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return room, err
}

func (r *Reconciler) getIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (*store.Intent, error) {
	var in *store.Intent
	err := store.Retry(ctx, "get_intent", func() error {
		var err error
		in, err = r.store.GetIntent(ctx, requestorID, targetUserID, movieID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return in, err
}

func (r *Reconciler) intentsBetween(ctx context.Context, userID string, others []string) ([]store.Intent, error) {
	if len(others) == 0 {
		return nil, nil
	}
	var out []store.Intent
	err := store.Retry(ctx, "intents_between", func() error {
		var err error
		out, err = r.store.IntentsBetween(ctx, userID, others)
		return err
	})
	return out, err
}

// insertIntent reports false when the row already existed.
func (r *Reconciler) insertIntent(ctx context.Context, requestorID, targetUserID string, movieID int64) (bool, error) {
	in := &store.Intent{
		ID:           uuid.NewString(),
		RequestorID:  requestorID,
		TargetUserID: targetUserID,
		MovieID:      movieID,
		CreatedAt:    store.Now(),
	}
	err := store.Retry(ctx, "insert_intent", func() error {
		return r.store.InsertIntent(ctx, in)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

func withRoom(fields logrus.Fields, roomID string) logrus.Fields {
	out := make(logrus.Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["room_id"] = roomID
	return out
}

type nopNotifier struct{}

func (nopNotifier) RequestReceived(context.Context, string, string, int64) {}
func (nopNotifier) MutualMatch(context.Context, *store.Room)               {}
func (nopNotifier) RequestDeclined(context.Context, string, string, int64) {}
