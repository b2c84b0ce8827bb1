// Package wire defines the realtime protocol spoken between client sessions
// and the relay: event names, the JSON envelope, payload shapes and the
// validation applied before a message is transmitted or accepted.
//
// Every frame is a JSON text message of the form
//
//	{"event": "message:send", "data": {...}}
package wire

import (
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// Event names.
const (
	UserConnect   = "user:connect"   // client -> server
	UserConnected = "user:connected" // server -> client
	UserOnline    = "user:online"
	UserOffline   = "user:offline"
	UserStatus    = "user:status"

	MessageSend     = "message:send"    // client -> server
	MessageReceive  = "message:receive" // server -> client
	MessageAck      = "message:ack"     // server -> origin client
	MessageRead     = "message:read"
	MessageReact    = "message:react"    // client -> server
	MessageReaction = "message:reaction" // server -> client

	TypingStart = "message:typing:start"
	TypingStop  = "message:typing:stop"

	ChatJoin  = "chat:join"
	ChatLeave = "chat:leave"

	Error        = "error"
	ConnectError = "connect_error"
	Disconnect   = "disconnect"
)

// Error codes carried by Error payloads.
const (
	CodeBadRequest    = "bad_request"
	CodeForbidden     = "forbidden"
	CodeNotJoined     = "not_joined"
	CodeRateLimited   = "rate_limited"
	CodePersistFailed = "persist_failed"
	CodeConflict      = "conflict"
	CodeUnknownEvent  = "unknown_event"
	CodeNotConnected  = "not_connected"
)

// UserConnectPayload binds a connection to a user.
type UserConnectPayload struct {
	UserID string `json:"userId"`
}

// UserConnectedPayload confirms user:connect and lists who else is online.
type UserConnectedPayload struct {
	UserID         string                `json:"userId"`
	Status         domain.PresenceStatus `json:"status"`
	ConnectedUsers []domain.Presence     `json:"connectedUsers"`
}

// PresencePayload is carried by user:online, user:offline and user:status.
type PresencePayload struct {
	UserID   string                `json:"userId"`
	Status   domain.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

// MessageSendPayload is an outbound message on the push channel.
type MessageSendPayload struct {
	MessageID string             `json:"messageId"`
	ChatID    string             `json:"chatId"`
	Sender    string             `json:"sender"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	Type      domain.MessageType `json:"type"`
	ReplyTo   string             `json:"replyTo,omitempty"`
}

// MessageAckPayload confirms to the sender that a message was persisted.
type MessageAckPayload struct {
	MessageID string               `json:"messageId"`
	ChatID    string               `json:"chatId"`
	Status    domain.MessageStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// MessageReadPayload is a read receipt.
type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageReactPayload toggles a reaction (client -> server).
type MessageReactPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// MessageReactionPayload announces the resulting reaction set.
type MessageReactionPayload struct {
	MessageID string              `json:"messageId"`
	ChatID    string              `json:"chatId"`
	UserID    string              `json:"userId"`
	Emoji     string              `json:"emoji"`
	Added     bool                `json:"added"`
	Reactions map[string][]string `json:"reactions"`
}

// TypingPayload is carried by message:typing:start and :stop.
type TypingPayload struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// RoomPayload is carried by chat:join and chat:leave.
type RoomPayload struct {
	ChatID string `json:"chatId"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Event     string `json:"event,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// DisconnectPayload explains why a connection was closed.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}
