// Package notify delivers out-of-band match events to users. Events are
// published on the user's subject; whichever process holds the user's
// connections forwards them. Delivery is best effort: offline users are
// skipped and failures never reach the operation that triggered them.
package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/logging"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/protocol"
	"github.com/cinematch/chat-app/internal/store"
)

// Presence reports whether a user has a live session anywhere.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Catalog resolves display names and movie titles.
type Catalog interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
	MovieTitle(ctx context.Context, movieID int64) string
}

// Publisher is the publishing half of a messaging.Bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Dispatcher implements matching.Notifier.
type Dispatcher struct {
	bus      Publisher
	presence Presence
	catalog  Catalog
	log      *logrus.Entry
	now      func() time.Time
}

var _ matching.Notifier = (*Dispatcher)(nil)

// NewDispatcher returns a Dispatcher. A nil presence treats every user as
// online; a nil catalog uses ids for names and empty titles.
func NewDispatcher(bus Publisher, presence Presence, catalog Catalog) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		presence: presence,
		catalog:  catalog,
		log:      logrus.WithField("component", "notify"),
		now:      store.Now,
	}
}

func (d *Dispatcher) names(ctx context.Context, ids ...string) map[string]string {
	var found map[string]string
	if d.catalog != nil {
		found = d.catalog.DisplayNames(ctx, ids)
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if n := found[id]; n != "" {
			out[id] = n
		} else {
			out[id] = id
		}
	}
	return out
}

func (d *Dispatcher) title(ctx context.Context, movieID int64) string {
	if d.catalog == nil {
		return ""
	}
	return d.catalog.MovieTitle(ctx, movieID)
}

// RequestReceived tells targetUserID that requestorID wants to match.
func (d *Dispatcher) RequestReceived(ctx context.Context, requestorID, targetUserID string, movieID int64) {
	names := d.names(ctx, requestorID)
	d.send(ctx, protocol.TypeRequestReceived, targetUserID, protocol.RequestReceivedMsg{
		FromUser:   protocol.UserRef{ID: requestorID, DisplayName: names[requestorID]},
		MovieID:    movieID,
		MovieTitle: d.title(ctx, movieID),
		Timestamp:  d.now(),
	})
}

// MutualMatch tells both participants of room that it was opened.
func (d *Dispatcher) MutualMatch(ctx context.Context, room *store.Room) {
	names := d.names(ctx, room.UserLow, room.UserHigh)
	title := d.title(ctx, room.MovieID)
	now := d.now()
	for _, user := range []string{room.UserLow, room.UserHigh} {
		other := room.Other(user)
		d.send(ctx, protocol.TypeMutualMatch, user, protocol.MutualMatchMsg{
			RoomID:           room.ID,
			OtherUser:        protocol.UserRef{ID: other, DisplayName: names[other]},
			MovieID:          room.MovieID,
			SharedMovieTitle: title,
			Timestamp:        now,
		})
	}
}

// RequestDeclined tells requestorID that declinerID declined.
func (d *Dispatcher) RequestDeclined(ctx context.Context, declinerID, requestorID string, movieID int64) {
	names := d.names(ctx, declinerID)
	d.send(ctx, protocol.TypeRequestDeclined, requestorID, protocol.RequestDeclinedMsg{
		ByUser:    protocol.UserRef{ID: declinerID, DisplayName: names[declinerID]},
		MovieID:   movieID,
		Timestamp: d.now(),
	})
}

func (d *Dispatcher) send(ctx context.Context, kind, userID string, payload interface{}) {
	fields := logrus.Fields{"kind": kind, "user_id": userID}

	if d.presence != nil {
		online, err := d.presence.IsOnline(ctx, userID)
		if err != nil {
			// Presence is advisory; deliver anyway.
			d.log.WithError(err).WithField("user_id", userID).Debug("presence lookup failed")
			online = true
		}
		if !online {
			metrics.NotificationsTotal.WithLabelValues(kind, "skipped").Inc()
			logging.Event("notify."+kind, logging.OutcomeSkipped, fields)
			return
		}
	}

	data, err := protocol.NewServerMessage(kind, payload)
	if err == nil {
		err = d.bus.Publish(messaging.UserSubject(userID), data)
	}
	if err != nil {
		fields["error"] = err.Error()
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		logging.Event("notify."+kind, logging.OutcomeFailed, fields)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
	logging.Event("notify."+kind, logging.OutcomeOK, fields)
}
