/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines the Registry, the single source of truth for which live connection
belongs to which rooms and which user. All operations are guarded by one RWMutex; readers
get copies, so no caller ever iterates shared maps after the lock is released.
*/
package chat

import (
	"errors"
	"sync"

	"github.com/samber/lo"
)

// ErrConnNotRegistered is returned by Setup and Join for unknown connection handles.
var ErrConnNotRegistered = errors.New("connection not registered")

// ConnID is the opaque handle of one live transport.
type ConnID string

// Transport is the per-connection duplex channel the relay writes frames to.
type Transport interface {
	// ID returns the connection handle. It never changes.
	ID() ConnID

	// Send queues frame for delivery without waiting for the peer.
	Send(frame Frame) error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// membership is the Registry's record of one connection.
type membership struct {
	transport Transport

	// userID is empty until setup.
	userID string

	rooms map[RoomID]struct{}
}

// Stats is a point-in-time summary of the Registry.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
}

// Registry tracks connections, their room memberships and their users.
type Registry struct {
	mu sync.RWMutex

	// conns maps a handle to its membership record.
	conns map[ConnID]*membership

	// rooms maps a room to the handles joined to it. Empty rooms are deleted.
	rooms map[RoomID]map[ConnID]struct{}

	// users maps a user id to the handles identified as that user.
	users map[string]map[ConnID]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*membership),
		rooms: make(map[RoomID]map[ConnID]struct{}),
		users: make(map[string]map[ConnID]struct{}),
	}
}

// Register creates an empty membership set for t. Registering a known handle is a no-op.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[t.ID()]; ok {
		return
	}

	r.conns[t.ID()] = &membership{
		transport: t,
		rooms:     make(map[RoomID]struct{}),
	}
}

// Setup binds id to userID and joins it to the user's personal room.
// Repeating the same userID is a no-op; a different userID replaces the previous identity
// and its personal room membership.
func (r *Registry) Setup(id ConnID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[id]
	if !ok {
		return ErrConnNotRegistered
	}

	if m.userID != "" && m.userID != userID {
		r.leaveLocked(id, m, PersonalRoom(m.userID))
		r.removeUserLocked(id, m.userID)
	}

	m.userID = userID
	r.joinLocked(id, m, PersonalRoom(userID))

	if r.users[userID] == nil {
		r.users[userID] = make(map[ConnID]struct{})
	}
	r.users[userID][id] = struct{}{}

	return nil
}

// Join adds room to id's memberships. Joining twice is a no-op.
func (r *Registry) Join(id ConnID, room RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[id]
	if !ok {
		return ErrConnNotRegistered
	}

	r.joinLocked(id, m, room)
	return nil
}

// Unregister removes id with every membership it held. It reports whether id was known;
// unknown handles are ignored so duplicate disconnect signals are harmless.
func (r *Registry) Unregister(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[id]
	if !ok {
		return false
	}

	for room := range m.rooms {
		r.leaveLocked(id, m, room)
	}
	if m.userID != "" {
		r.removeUserLocked(id, m.userID)
	}
	delete(r.conns, id)

	return true
}

// MembersOf returns the handles joined to room, empty when there are none.
func (r *Registry) MembersOf(room RoomID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.rooms[room])
}

// Snapshot returns the transports joined to room at the time of the call.
func (r *Registry) Snapshot(room RoomID) []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Transport, 0, len(members))
	for id := range members {
		out = append(out, r.conns[id].transport)
	}
	return out
}

// Transports returns every registered transport.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.conns, func(_ ConnID, m *membership) Transport {
		return m.transport
	})
}

// RoomsOf returns the rooms id is joined to.
func (r *Registry) RoomsOf(id ConnID) []RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[id]
	if !ok {
		return []RoomID{}
	}
	return lo.Keys(m.rooms)
}

// UserOf returns the user bound to id by setup.
func (r *Registry) UserOf(id ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[id]
	if !ok || m.userID == "" {
		return "", false
	}
	return m.userID, true
}

// ConnectionsOf returns the handles currently identified as userID.
func (r *Registry) ConnectionsOf(userID string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.users[userID])
}

// Stats returns connection, room and user counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Rooms:       len(r.rooms),
		Users:       len(r.users),
	}
}

func (r *Registry) joinLocked(id ConnID, m *membership, room RoomID) {
	m.rooms[room] = struct{}{}

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[ConnID]struct{})
	}
	r.rooms[room][id] = struct{}{}
}

func (r *Registry) leaveLocked(id ConnID, m *membership, room RoomID) {
	delete(m.rooms, room)

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) removeUserLocked(id ConnID, userID string) {
	conns, ok := r.users[userID]
	if !ok {
		return
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}
