package realtime

import "sync"

// RoomIndex tracks which connections are subscribed to which room. A
// connection belongs to at most one room at a time.
type RoomIndex struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	byConn map[string]string
}

// NewRoomIndex returns an empty index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		rooms:  make(map[string]map[string]Conn),
		byConn: make(map[string]string),
	}
}

// Join moves c into room, leaving whatever room it was in. Joining the
// current room is a no-op. It returns the room that was left.
func (r *RoomIndex) Join(room string, c Conn) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.byConn[c.ID()]
	if previous == room {
		return previous
	}
	if previous != "" {
		r.removeLocked(previous, c.ID())
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c
	r.byConn[c.ID()] = room
	return previous
}

// Leave removes c from room and reports whether it was a member.
func (r *RoomIndex) Leave(room string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byConn[c.ID()]; !ok || cur != room {
		return false
	}
	r.removeLocked(room, c.ID())
	delete(r.byConn, c.ID())
	return true
}

// Remove drops c from whatever room it is in and returns that room.
func (r *RoomIndex) Remove(c Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.byConn[c.ID()]
	if !ok {
		return ""
	}
	r.removeLocked(room, c.ID())
	delete(r.byConn, c.ID())
	return room
}

func (r *RoomIndex) removeLocked(room, connID string) {
	members := r.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns a snapshot of the connections in room.
func (r *RoomIndex) Members(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// RoomOf returns the room c is subscribed to.
func (r *RoomIndex) RoomOf(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.byConn[c.ID()]
	return room, ok
}

// Rooms returns the member count of every non-empty room.
func (r *RoomIndex) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.rooms))
	for name, members := range r.rooms {
		out[name] = len(members)
	}
	return out
}
