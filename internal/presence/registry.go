// Package presence tracks which local hub connections belong to which user
// and which rooms each connection is tagged with. It answers the fan-out
// questions of the hub: who receives a room message on this process, and
// when the process can drop a room or user subscription.
package presence

import (
	"sort"
	"sync"
)

// Registry is safe for concurrent use. Connections are identified by their
// session id.
type Registry struct {
	mu        sync.RWMutex
	connUser  map[string]string
	connRooms map[string]map[string]struct{}
	roomConns map[string]map[string]struct{}
	userConns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connUser:  make(map[string]string),
		connRooms: make(map[string]map[string]struct{}),
		roomConns: make(map[string]map[string]struct{}),
		userConns: make(map[string]map[string]struct{}),
	}
}

func add(m map[string]map[string]struct{}, k, v string) bool {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	if _, dup := set[v]; dup {
		return false
	}
	set[v] = struct{}{}
	return true
}

// remove deletes v from m[k] and reports whether m[k] became empty.
func remove(m map[string]map[string]struct{}, k, v string) bool {
	set, ok := m[k]
	if !ok {
		return false
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
		return true
	}
	return false
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Register records connID as a connection of userID. It reports whether this
// is the user's first local connection.
func (r *Registry) Register(connID, userID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connUser[connID]; ok {
		return false
	}
	r.connUser[connID] = userID
	first = len(r.userConns[userID]) == 0
	add(r.userConns, userID, connID)
	return first
}

// Unregister removes connID and all its room tags. It returns the owning
// user, whether that was the user's last local connection and the rooms
// left with no local connection.
func (r *Registry) Unregister(connID string) (userID string, lastForUser bool, emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.connUser[connID]
	if !ok {
		return "", false, nil
	}
	delete(r.connUser, connID)
	for room := range r.connRooms[connID] {
		if remove(r.roomConns, room, connID) {
			emptied = append(emptied, room)
		}
	}
	delete(r.connRooms, connID)
	lastForUser = remove(r.userConns, userID, connID)
	sort.Strings(emptied)
	return userID, lastForUser, emptied
}

// Tag adds roomID to connID. It reports whether connID was newly tagged and
// whether the room had no local connection before.
func (r *Registry) Tag(connID, roomID string) (added, firstInRoom bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connUser[connID]; !ok {
		return false, false
	}
	firstInRoom = len(r.roomConns[roomID]) == 0
	if !add(r.connRooms, connID, roomID) {
		return false, false
	}
	add(r.roomConns, roomID, connID)
	return true, firstInRoom
}

// Untag removes roomID from connID and reports whether the room has no local
// connection left.
func (r *Registry) Untag(connID, roomID string) (roomEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connRooms[connID][roomID]; !ok {
		return false
	}
	remove(r.connRooms, connID, roomID)
	return remove(r.roomConns, roomID, connID)
}

// UntagUser removes roomID from every connection of userID. It returns the
// connections that were untagged and whether the room became empty.
func (r *Registry) UntagUser(userID, roomID string) (untagged []string, roomEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.userConns[userID] {
		if _, ok := r.connRooms[connID][roomID]; !ok {
			continue
		}
		remove(r.connRooms, connID, roomID)
		if remove(r.roomConns, roomID, connID) {
			roomEmpty = true
		}
		untagged = append(untagged, connID)
	}
	sort.Strings(untagged)
	return untagged, roomEmpty
}

// RoomConns returns the local connections tagged with roomID.
func (r *Registry) RoomConns(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.roomConns[roomID])
}

// UserConns returns the local connections of userID.
func (r *Registry) UserConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.userConns[userID])
}

// Rooms returns the rooms connID is tagged with.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.connRooms[connID])
}

// IsTagged reports whether connID is tagged with roomID.
func (r *Registry) IsTagged(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connRooms[connID][roomID]
	return ok
}

// Users returns how many distinct users have a local connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns)
}
