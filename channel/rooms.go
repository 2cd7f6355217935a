package channel

import (
	"sync"

	"github.com/samber/lo"
)

// roomTable tracks room membership per connection. Rooms have no independent
// lifecycle: one exists while it has members and is forgotten with its last
// member.
type roomTable struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func newRoomTable() *roomTable {
	return &roomTable{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room and reports whether it was newly added.
func (r *roomTable) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}
	joined, ok := r.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[connID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes connID from room. Leaving a room the connection is not a
// member of is not an error.
func (r *roomTable) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *roomTable) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := lo.Keys(r.byConn[connID])
	for _, room := range rooms {
		r.leaveLocked(connID, room)
	}
	return rooms
}

func (r *roomTable) leaveLocked(connID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members snapshots the connection ids currently in room.
func (r *roomTable) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.rooms[room])
}

// Rooms snapshots the rooms connID currently belongs to.
func (r *roomTable) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byConn[connID])
}

func (r *roomTable) Contains(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

func (r *roomTable) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
