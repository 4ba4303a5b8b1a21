// Package chat enforces room membership and delivers messages. Rooms and
// their two memberships are created by the match reconciler; this package
// only reactivates, deactivates and reads them.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/logging"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/store"
)

// Directory resolves user ids to display names.
type Directory interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
}

// Publisher is the publishing half of a messaging.Bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RoomView is one entry of a user's room list.
type RoomView struct {
	RoomID           string
	OtherUserID      string
	OtherDisplayName string
	CreatedAt        time.Time
	LastText         *string
	LastAt           *time.Time
}

// Manager implements Join, Leave, ListRooms and the membership checks.
type Manager struct {
	store store.Store
	names Directory
	bus   Publisher
	log   *logrus.Entry
}

// NewManager returns a Manager. names and bus may be nil.
func NewManager(st store.Store, names Directory, bus Publisher) *Manager {
	return &Manager{
		store: st,
		names: names,
		bus:   bus,
		log:   logrus.WithField("component", "rooms"),
	}
}

func (m *Manager) membership(ctx context.Context, roomID, userID string) (*store.Membership, error) {
	var mem *store.Membership
	err := store.Retry(ctx, "get_membership", func() error {
		var err error
		mem, err = m.store.GetMembership(ctx, roomID, userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return mem, err
}

func (m *Manager) update(ctx context.Context, mem *store.Membership) error {
	return store.Retry(ctx, "update_membership", func() error {
		return m.store.UpdateMembership(ctx, mem)
	})
}

// Join reactivates userID's membership of roomID. Only users matched into
// the room have a membership; anyone else gets NotFound.
func (m *Manager) Join(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return apperr.Invalid("room id and user id are required")
	}
	fields := logrus.Fields{"room_id": roomID, "user_id": userID}

	mem, err := m.membership(ctx, roomID, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if mem == nil {
		return apperr.NotFound("room not found")
	}
	if mem.IsActive {
		logging.Event("room.joined", logging.OutcomeNoop, fields)
		return nil
	}

	mem.IsActive = true
	mem.LeftAt = nil
	mem.JoinedAt = store.Now()
	if err := m.update(ctx, mem); err != nil {
		return apperr.Internal(err)
	}
	logging.Event("room.joined", logging.OutcomeOK, fields)
	return nil
}

// Leave deactivates userID's membership. Leaving twice is a no-op; the row is
// kept so a later Join reactivates it.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return apperr.Invalid("room id and user id are required")
	}
	fields := logrus.Fields{"room_id": roomID, "user_id": userID}

	mem, err := m.membership(ctx, roomID, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if mem == nil {
		return apperr.NotFound("room not found")
	}
	if !mem.IsActive {
		logging.Event("room.left", logging.OutcomeNoop, fields)
		return nil
	}

	now := store.Now()
	mem.IsActive = false
	mem.LeftAt = &now
	if err := m.update(ctx, mem); err != nil {
		return apperr.Internal(err)
	}
	logging.Event("room.left", logging.OutcomeOK, fields)
	m.announceLeave(roomID, userID)
	return nil
}

// announceLeave lets every hub drop the user's live connections from the
// room, wherever the leave came from.
func (m *Manager) announceLeave(roomID, userID string) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(RoomEvent{Type: EventMemberLeft, UserID: userID})
	if err != nil {
		return
	}
	if err := m.bus.Publish(messaging.RoomSubject(roomID), data); err != nil {
		m.log.WithError(err).WithField("room_id", roomID).Warn("publish member_left failed")
	}
}

// IsActiveMember reports whether userID currently belongs to roomID.
func (m *Manager) IsActiveMember(ctx context.Context, roomID, userID string) (bool, error) {
	mem, err := m.membership(ctx, roomID, userID)
	if err != nil {
		return false, apperr.Internal(err)
	}
	return mem != nil && mem.IsActive, nil
}

// CanRead checks history access: any membership, current or past, may read.
// A user who was never in the room is Forbidden.
func (m *Manager) CanRead(ctx context.Context, roomID, userID string) error {
	mem, err := m.membership(ctx, roomID, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if mem == nil {
		return apperr.Forbidden("not a member of this room")
	}
	return nil
}

// ListRooms returns userID's active rooms, most recent message first; rooms
// without messages follow in creation order.
func (m *Manager) ListRooms(ctx context.Context, userID string) ([]RoomView, error) {
	if userID == "" {
		return nil, apperr.Invalid("user id is required")
	}
	var rows []store.RoomSummary
	err := store.Retry(ctx, "list_rooms", func() error {
		var err error
		rows, err = m.store.ListActiveRooms(ctx, userID)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.OtherUserID
	}
	names := resolveNames(ctx, m.names, ids)

	out := make([]RoomView, len(rows))
	for i, r := range rows {
		out[i] = RoomView{
			RoomID:           r.RoomID,
			OtherUserID:      r.OtherUserID,
			OtherDisplayName: names[r.OtherUserID],
			CreatedAt:        r.CreatedAt,
			LastText:         r.LastText,
			LastAt:           r.LastAt,
		}
	}
	return out, nil
}

func resolveNames(ctx context.Context, d Directory, ids []string) map[string]string {
	var names map[string]string
	if d != nil && len(ids) > 0 {
		names = d.DisplayNames(ctx, ids)
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if n := names[id]; n != "" {
			out[id] = n
		} else {
			out[id] = id
		}
	}
	return out
}
