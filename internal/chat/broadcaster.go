package chat

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/logging"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/protocol"
	"github.com/cinematch/chat-app/internal/store"
)

const (
	roomStripes = 64

	// maxTrackedRooms bounds the last-sent_at cache. An evicted room is
	// reloaded from the store on its next send.
	maxTrackedRooms = 4096

	// sentAtAttempts bounds how often Send re-reads the newest sent_at after
	// another replica took the same timestamp.
	sentAtAttempts = 5

	MinHistoryTake     = 1
	DefaultHistoryTake = 50
	MaxHistoryTake     = 100
)

// Broadcaster persists messages and fans them out on the room subject.
// Sends to one room are serialized so sent_at is strictly increasing per room
// and publish order equals persist order.
type Broadcaster struct {
	store store.Store
	rooms *Manager
	bus   Publisher
	names Directory
	log   *logrus.Entry

	stripes [roomStripes]sync.Mutex
	lastMu  sync.Mutex
	last    map[string]time.Time
	now     func() time.Time
}

// NewBroadcaster returns a Broadcaster. bus and names may be nil.
func NewBroadcaster(st store.Store, rooms *Manager, bus Publisher, names Directory) *Broadcaster {
	return &Broadcaster{
		store: st,
		rooms: rooms,
		bus:   bus,
		names: names,
		log:   logrus.WithField("component", "broadcaster"),
		last:  make(map[string]time.Time),
		now:   store.Now,
	}
}

func (b *Broadcaster) stripe(roomID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &b.stripes[h.Sum32()%roomStripes]
}

// nextSentAt returns a timestamp strictly after the last message of roomID.
// The caller holds the room's stripe.
func (b *Broadcaster) nextSentAt(ctx context.Context, roomID string) (time.Time, error) {
	b.lastMu.Lock()
	last, ok := b.last[roomID]
	b.lastMu.Unlock()

	if !ok {
		var newest []store.Message
		err := store.Retry(ctx, "list_messages", func() error {
			var err error
			newest, err = b.store.ListMessages(ctx, roomID, nil, 1)
			return err
		})
		if err != nil {
			return time.Time{}, err
		}
		if len(newest) > 0 {
			last = newest[0].SentAt
		}
	}

	now := b.now()
	if !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	return now, nil
}

func (b *Broadcaster) remember(roomID string, at time.Time) {
	b.lastMu.Lock()
	defer b.lastMu.Unlock()
	if _, ok := b.last[roomID]; !ok && len(b.last) >= maxTrackedRooms {
		for k := range b.last {
			delete(b.last, k)
			break
		}
	}
	b.last[roomID] = at
}

// Forget drops the cached sent_at of roomID. The hub calls it once the room
// has no local subscribers left.
func (b *Broadcaster) Forget(roomID string) {
	b.lastMu.Lock()
	delete(b.last, roomID)
	b.lastMu.Unlock()
}

func (b *Broadcaster) tracked() int {
	b.lastMu.Lock()
	defer b.lastMu.Unlock()
	return len(b.last)
}

// Send validates text, persists it as a message from senderID and publishes
// it to every live subscriber of the room. Only active members may send.
func (b *Broadcaster) Send(ctx context.Context, roomID, senderID, text string) (*protocol.Message, error) {
	start := time.Now()
	fields := logrus.Fields{"room_id": roomID, "user_id": senderID}

	if roomID == "" || senderID == "" {
		return nil, apperr.Invalid("room id and sender id are required")
	}
	text, err := ValidateText(text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	active, err := b.rooms.IsActiveMember(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !active {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		logging.Event("message.sent", logging.OutcomeSkipped, fields)
		return nil, apperr.Forbidden("not an active member of this room")
	}

	mu := b.stripe(roomID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := b.persist(ctx, roomID, senderID, text)
	if err != nil {
		logging.Event("message.sent", logging.OutcomeFailed, fields)
		return nil, apperr.Internal(err)
	}

	msg := &protocol.Message{
		ID:                rec.ID,
		RoomID:            roomID,
		SenderID:          senderID,
		SenderDisplayName: resolveNames(ctx, b.names, []string{senderID})[senderID],
		Text:              rec.Text,
		SentAt:            rec.SentAt,
	}
	b.publish(roomID, msg)

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	fields["message_id"] = rec.ID
	logging.Event("message.sent", logging.OutcomeOK, fields)
	return msg, nil
}

// persist inserts the message under the next free sent_at of the room. The
// stripe only serializes sends within this process; another replica can take
// the same timestamp first, in which case the unique (room_id, sent_at) index
// rejects the insert and the newest sent_at is re-read from the store.
func (b *Broadcaster) persist(ctx context.Context, roomID, senderID, text string) (*store.Message, error) {
	rec := &store.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
	}
	var err error
	for attempt := 0; attempt < sentAtAttempts; attempt++ {
		rec.SentAt, err = b.nextSentAt(ctx, roomID)
		if err != nil {
			return nil, err
		}
		err = store.Retry(ctx, "insert_message", func() error {
			return b.store.InsertMessage(ctx, rec)
		})
		if err == nil {
			b.remember(roomID, rec.SentAt)
			return rec, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		b.log.WithField("room_id", roomID).Debug("sent_at taken by another writer, reloading")
		b.Forget(roomID)
	}
	return nil, err
}

// publish fans msg out. The message is already durable, so a bus failure is
// logged and subscribers catch up from history.
func (b *Broadcaster) publish(roomID string, msg *protocol.Message) {
	if b.bus == nil {
		return
	}
	data, err := json.Marshal(RoomEvent{Type: EventMessage, Message: msg})
	if err != nil {
		b.log.WithError(err).Error("marshal room event")
		return
	}
	if err := b.bus.Publish(messaging.RoomSubject(roomID), data); err != nil {
		b.log.WithError(err).WithField("room_id", roomID).Warn("publish failed, message persisted")
	}
}

// ClampTake bounds a history page size to [MinHistoryTake, MaxHistoryTake].
// Callers substitute DefaultHistoryTake when no size was given.
func ClampTake(take int) int {
	switch {
	case take < MinHistoryTake:
		return MinHistoryTake
	case take > MaxHistoryTake:
		return MaxHistoryTake
	}
	return take
}

// History returns up to take messages of roomID newest first, strictly older
// than before when it is set. Current and former members may read.
func (b *Broadcaster) History(ctx context.Context, roomID, userID string, take int, before *time.Time) ([]protocol.Message, error) {
	if roomID == "" || userID == "" {
		return nil, apperr.Invalid("room id and user id are required")
	}
	if err := b.rooms.CanRead(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var rows []store.Message
	err := store.Retry(ctx, "list_messages", func() error {
		var err error
		rows, err = b.store.ListMessages(ctx, roomID, before, ClampTake(take))
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	ids := make([]string, 0, 2)
	seen := make(map[string]bool, 2)
	for _, r := range rows {
		if !seen[r.SenderID] {
			seen[r.SenderID] = true
			ids = append(ids, r.SenderID)
		}
	}
	names := resolveNames(ctx, b.names, ids)

	out := make([]protocol.Message, len(rows))
	for i, r := range rows {
		out[i] = protocol.Message{
			ID:                r.ID,
			RoomID:            r.RoomID,
			SenderID:          r.SenderID,
			SenderDisplayName: names[r.SenderID],
			Text:              r.Text,
			SentAt:            r.SentAt,
		}
	}
	return out, nil
}
