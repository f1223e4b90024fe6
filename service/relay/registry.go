package relay

import (
	"sync"
)

// Registry is the process-local bookkeeping of live connections and the
// rooms each has joined. It is the only structure mutated from multiple
// connection paths; a single RWMutex is enough because every operation is a
// handful of map lookups with no I/O under the lock. Membership is strictly
// process-local: each relay node answers only for its own sockets.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*regEntry
	byRoom map[string]map[string]*Client // room -> conn_id -> client
}

type regEntry struct {
	client *Client
	rooms  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*regEntry),
		byRoom: make(map[string]map[string]*Client),
	}
}

// Register records an authenticated connection. Called exactly once, after
// the trust gate passed.
func (r *Registry) Register(c *Client) {
	if c == nil || c.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[c.ID]; exists {
		return
	}
	r.byConn[c.ID] = &regEntry{client: c, rooms: make(map[string]struct{})}
}

// Join subscribes the connection to a room. Idempotent; joining twice is a
// no-op. Unknown connections are ignored (aborted handshake race).
func (r *Registry) Join(connID, roomID string) {
	if connID == "" || roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return
	}
	if _, joined := e.rooms[roomID]; joined {
		return
	}
	e.rooms[roomID] = struct{}{}
	m := r.byRoom[roomID]
	if m == nil {
		m = make(map[string]*Client)
		r.byRoom[roomID] = m
	}
	m[connID] = e.client
}

// Leave drops one room membership. No-op when not joined.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(e.rooms, roomID)
	if m := r.byRoom[roomID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// MembersOf returns the local connections currently joined to the room.
func (r *Registry) MembersOf(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byRoom[roomID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Rooms returns the rooms the connection has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok || len(e.rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		out = append(out, room)
	}
	return out
}

// Deregister removes the connection from every room it had joined and
// returns those rooms (the caller feeds them to the resume store). Safe to
// call for connections that never registered, and safe to call twice.
func (r *Registry) Deregister(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
		if m := r.byRoom[room]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byRoom, room)
			}
		}
	}
	return rooms
}

// Len reports the number of registered connections (stats/debug).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
