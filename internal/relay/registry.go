// Connection registry.
//
// Two indexes are kept in step: user to connections and room to connections,
// with each connection remembering its own rooms. Callers hold Relay.mu.
package relay

import (
	"sort"
	"sync"
	"time"
)

// Conn is one live push-channel connection as the relay sees it.
//
// Every field below the mutable marker is guarded by Relay.mu, including
// sends on and the close of the send channel.
type Conn struct {
	ID            string
	EstablishedAt time.Time

	// identity asserted at the handshake (header or query); empty if none
	identity string

	send     chan []byte
	kickOnce sync.Once
	kicked   chan struct{}

	// mutable, guarded by Relay.mu
	UserID   string
	rooms    map[string]struct{}
	detached bool
}

func newConn(id, identity string, at time.Time, buf int) *Conn {
	return &Conn{
		ID:            id,
		EstablishedAt: at,
		identity:      identity,
		send:          make(chan []byte, buf),
		kicked:        make(chan struct{}),
		rooms:         make(map[string]struct{}),
	}
}

// kick asks the write pump to drop the socket. Safe to call many times and
// from any goroutine.
func (c *Conn) kick() { c.kickOnce.Do(func() { close(c.kicked) }) }

// enqueue hands frame to the write pump without blocking. Caller holds
// Relay.mu. It reports false when the connection is gone or its buffer is
// full; a full buffer also kicks the connection so the peer resynchronizes
// from the change feed instead of silently missing frames.
func (c *Conn) enqueue(frame []byte) bool {
	if c.detached {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.kick()
		return false
	}
}

// registry maps users to connections and connections to rooms in both
// directions. It is not synchronized; Relay.mu guards it.
type registry struct {
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	rooms  map[string]map[string]*Conn
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
	}
}

func (r *registry) add(c *Conn) { r.conns[c.ID] = c }

// bind associates c with userID and reports whether it is the user's first
// live connection.
func (r *registry) bind(c *Conn, userID string) bool {
	c.UserID = userID
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[userID] = set
	}
	first := len(set) == 0
	set[c.ID] = c
	return first
}

// join reports whether c newly joined chatID.
func (r *registry) join(c *Conn, chatID string) bool {
	if _, ok := c.rooms[chatID]; ok {
		return false
	}
	c.rooms[chatID] = struct{}{}
	members, ok := r.rooms[chatID]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[chatID] = members
	}
	members[c.ID] = c
	return true
}

// leave reports whether c was joined to chatID.
func (r *registry) leave(c *Conn, chatID string) bool {
	if _, ok := c.rooms[chatID]; !ok {
		return false
	}
	delete(c.rooms, chatID)
	if members, ok := r.rooms[chatID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(r.rooms, chatID)
		}
	}
	return true
}

// remove drops c from every index and reports whether its user has no
// other live connection left.
func (r *registry) remove(c *Conn) (lastForUser bool) {
	for chatID := range c.rooms {
		r.leave(c, chatID)
	}
	delete(r.conns, c.ID)
	if c.UserID == "" {
		return false
	}
	set := r.byUser[c.UserID]
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.byUser, c.UserID)
		return true
	}
	return false
}

func (r *registry) joined(c *Conn, chatID string) bool {
	_, ok := c.rooms[chatID]
	return ok
}

func (r *registry) roomMembers(chatID string) map[string]*Conn { return r.rooms[chatID] }

func (r *registry) online(userID string) bool { return len(r.byUser[userID]) > 0 }

// onlineUsers returns the IDs of users with at least one live connection,
// sorted.
func (r *registry) onlineUsers() []string {
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// roomsOf returns c's joined rooms, sorted.
func (r *registry) roomsOf(c *Conn) []string {
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
