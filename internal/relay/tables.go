package relay

import (
	"sort"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// presenceTable is the relay's in-memory view of every user's status.
// Writes are last-writer-wins by LastSeen. Relay.mu guards it.
type presenceTable struct {
	users map[string]domain.Presence
}

func newPresenceTable() *presenceTable {
	return &presenceTable{users: make(map[string]domain.Presence)}
}

// apply stores p unless a newer record exists and reports whether it did.
func (t *presenceTable) apply(p domain.Presence) bool {
	if cur, ok := t.users[p.UserID]; ok && p.LastSeen.Before(cur.LastSeen) {
		return false
	}
	t.users[p.UserID] = p
	return true
}

func (t *presenceTable) get(userID string) (domain.Presence, bool) {
	p, ok := t.users[userID]
	return p, ok
}

// snapshot returns the records of userIDs in that order, skipping unknown
// users and skip.
func (t *presenceTable) snapshot(userIDs []string, skip string) []domain.Presence {
	out := make([]domain.Presence, 0, len(userIDs))
	for _, u := range userIDs {
		if u == skip {
			continue
		}
		if p, ok := t.users[u]; ok {
			out = append(out, p)
		}
	}
	return out
}

// typingEntry marks one user typing in one chat.
type typingEntry struct {
	expiresAt   time.Time
	connID      string
	displayName string
}

// typer identifies an entry removed from the table.
type typer struct {
	ChatID      string
	UserID      string
	DisplayName string
}

// typingTable holds per-chat typing flags. An entry whose expiresAt is not
// after now is treated as absent even before a sweep removes it.
// Relay.mu guards it.
type typingTable struct {
	chats map[string]map[string]typingEntry
}

func newTypingTable() *typingTable {
	return &typingTable{chats: make(map[string]map[string]typingEntry)}
}

// start marks userID typing in chatID until now+ttl. It reports true when
// the user was not already (live) typing there, i.e. when a start must be
// broadcast; a refresh only extends the expiry.
func (t *typingTable) start(chatID, userID, connID, name string, now time.Time, ttl time.Duration) bool {
	users, ok := t.chats[chatID]
	if !ok {
		users = make(map[string]typingEntry)
		t.chats[chatID] = users
	}
	cur, had := users[userID]
	users[userID] = typingEntry{expiresAt: now.Add(ttl), connID: connID, displayName: name}
	return !had || !cur.expiresAt.After(now)
}

// stop removes the entry and reports whether it was live.
func (t *typingTable) stop(chatID, userID string, now time.Time) bool {
	users := t.chats[chatID]
	e, ok := users[userID]
	if !ok {
		return false
	}
	t.delete(chatID, userID)
	return e.expiresAt.After(now)
}

// expire removes the entry if it has expired by now and returns it. When
// the entry is still live it returns the time left instead.
func (t *typingTable) expire(chatID, userID string, now time.Time) (removed *typer, left time.Duration) {
	e, ok := t.chats[chatID][userID]
	if !ok {
		return nil, 0
	}
	if e.expiresAt.After(now) {
		return nil, e.expiresAt.Sub(now)
	}
	t.delete(chatID, userID)
	return &typer{ChatID: chatID, UserID: userID, DisplayName: e.displayName}, 0
}

// active returns the live typers in chatID, sorted by user.
func (t *typingTable) active(chatID string, now time.Time) []typer {
	var out []typer
	for u, e := range t.chats[chatID] {
		if e.expiresAt.After(now) {
			out = append(out, typer{ChatID: chatID, UserID: u, DisplayName: e.displayName})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// removeConn drops every entry owned by connID, optionally limited to one
// chat, and returns the ones that were still live, sorted by chat then user.
func (t *typingTable) removeConn(connID, onlyChat string, now time.Time) []typer {
	var out []typer
	for chatID, users := range t.chats {
		if onlyChat != "" && chatID != onlyChat {
			continue
		}
		for u, e := range users {
			if e.connID != connID {
				continue
			}
			t.delete(chatID, u)
			if e.expiresAt.After(now) {
				out = append(out, typer{ChatID: chatID, UserID: u, DisplayName: e.displayName})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *typingTable) delete(chatID, userID string) {
	users := t.chats[chatID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.chats, chatID)
	}
}
