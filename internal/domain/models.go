// Package domain defines the persistence models for chats, participants,
// messages, presence and the change feed. These types are mapped with GORM
// and are also the JSON shapes carried on the realtime wire.
package domain

import (
	"sort"
	"time"
)

// MessageStatus is the delivery state of a message as seen by its sender.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the forward progression sending < sent < delivered < read.
// Failed sits outside the progression.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Advance returns the later of s and next along the delivery progression.
// A failed message only leaves StatusFailed through an explicit resend,
// which starts again at StatusSending.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next == StatusFailed || s == StatusFailed {
		return next
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// PresenceStatus is a user's live status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Chat is a broadcast room. Membership lives in Participant rows.
//
// Fields:
//   - ID: stable identifier chosen by the creator or generated (UUID).
//   - Title: human-readable name.
//   - CreatedBy: user that created the chat; always a participant.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Chat struct {
	ID        string    `json:"chatId"    gorm:"type:varchar(64);primaryKey"`
	Title     string    `json:"title"     gorm:"type:varchar(255);not null;default:'New chat'"`
	CreatedBy string    `json:"createdBy" gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Participant links a user to a chat. The composite primary key makes
// membership a set.
type Participant struct {
	ChatID   string    `json:"chatId"   gorm:"type:varchar(64);primaryKey"`
	UserID   string    `json:"userId"   gorm:"type:varchar(64);primaryKey;index:idx_user_chats"`
	JoinedAt time.Time `json:"joinedAt" gorm:"autoCreateTime"`

	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// Message is a single chat message. The ID is chosen by the sender so the
// same message can travel on the push channel and through the durable store
// and still be recognised as one.
//
// Fields:
//   - ID: sender-chosen unique id (messageId on the wire).
//   - ChatID / Sender / Content / Type / ReplyTo: immutable after creation,
//     except Content which the owner may edit (Edited=true).
//   - Timestamp: sender clock, millisecond precision, UTC; with ID it
//     defines the total order within a chat.
//   - ReadBy: userId -> time the user read it.
//   - Reactions: emoji -> sorted set of userIds.
//   - Status: delivery state; the durable copy is always at least "sent".
type Message struct {
	ID        string               `json:"messageId"         gorm:"type:varchar(64);primaryKey"`
	ChatID    string               `json:"chatId"            gorm:"type:varchar(64);not null;index:idx_chat_msgs,priority:1"`
	Sender    string               `json:"sender"            gorm:"type:varchar(64);not null"`
	Content   string               `json:"content"           gorm:"type:text;not null"`
	Timestamp time.Time            `json:"timestamp"         gorm:"not null;index:idx_chat_msgs,priority:2"`
	Type      MessageType          `json:"type"              gorm:"type:varchar(16);not null;default:'text'"`
	ReplyTo   string               `json:"replyTo,omitempty" gorm:"type:varchar(64)"`
	ReadBy    map[string]time.Time `json:"readBy,omitempty"  gorm:"serializer:json;type:text"`
	Edited    bool                 `json:"edited"            gorm:"not null;default:false"`
	Reactions map[string][]string  `json:"reactions,omitempty" gorm:"serializer:json;type:text"`
	Status    MessageStatus        `json:"status"            gorm:"type:varchar(16);not null;default:'sent'"`
	CreatedAt time.Time            `json:"-"`
	UpdatedAt time.Time            `json:"-"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Less reports whether m sorts before o in a chat timeline:
// by Timestamp, then by ID.
func (m *Message) Less(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// Clone returns a deep copy so callers can mutate maps without sharing.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadBy != nil {
		c.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			c.ReadBy[k] = v
		}
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// MarkRead records that userID read the message at ts. The earliest read
// time wins; it reports whether anything changed.
func (m *Message) MarkRead(userID string, ts time.Time) bool {
	if m.ReadBy == nil {
		m.ReadBy = map[string]time.Time{}
	}
	if prev, ok := m.ReadBy[userID]; ok && !ts.Before(prev) {
		return false
	}
	m.ReadBy[userID] = ts
	return true
}

// ToggleReaction adds userID to the emoji's set, or removes it if present.
// It reports whether the user now has that reaction.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	users := m.Reactions[emoji]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		users = append(users[:i], users[i+1:]...)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return false
	}
	users = append(users, "")
	copy(users[i+1:], users[i:])
	users[i] = userID
	m.Reactions[emoji] = users
	return true
}

// Presence is the durable copy of a user's status. Writes are
// last-writer-wins by LastSeen.
type Presence struct {
	UserID   string         `json:"userId"   gorm:"type:varchar(64);primaryKey"`
	Status   PresenceStatus `json:"status"   gorm:"type:varchar(16);not null"`
	LastSeen time.Time      `json:"lastSeen" gorm:"not null;index"`
}

// TableName returns the database table name for Presence.
func (Presence) TableName() string { return "presence" }

// ChangeOp is the kind of row mutation recorded in the change feed.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change feed source tables.
const (
	ChangeTableMessages = "messages"
	ChangeTablePresence = "presence"
)

// Change is one row of the change feed. Seq is strictly increasing, so a
// subscriber resumes by asking for everything after the last Seq it saw.
//
// Fields:
//   - Seq: monotonically increasing cursor.
//   - Table: source table ("messages" or "presence").
//   - Op: insert, update or delete.
//   - ChatID: chat scope for message rows; empty for presence rows.
//   - RowID: primary key of the changed row.
//   - Message / Presence: row snapshot after the change (before, for deletes).
type Change struct {
	Seq       int64     `json:"seq"                gorm:"primaryKey;autoIncrement"`
	Table     string    `json:"table"              gorm:"column:table_name;type:varchar(32);not null"`
	Op        ChangeOp  `json:"op"                 gorm:"type:varchar(8);not null"`
	ChatID    string    `json:"chatId,omitempty"   gorm:"type:varchar(64);index"`
	RowID     string    `json:"rowId"              gorm:"type:varchar(64);not null"`
	Message   *Message  `json:"message,omitempty"  gorm:"serializer:json;type:text"`
	Presence  *Presence `json:"presence,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt time.Time `json:"createdAt"          gorm:"index"`
}

// TableName returns the database table name for Change.
func (Change) TableName() string { return "changes" }
