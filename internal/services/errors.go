// Package services defines the business logic behind the REST surface:
// chats and membership, durable message writes, receipts and reactions,
// presence lookups and the change feed.
//
// This file centralizes service-level error values so handlers can map them
// to HTTP status codes consistently.
package services

import "errors"

var (
	// ErrChatNotFound indicates that the requested chat does not exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrChatExists is returned when a chat is created with an ID already in use.
	ErrChatExists = errors.New("chat already exists")

	// ErrMessageNotFound indicates that the message does not exist in the chat.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageIDTaken is returned when a message ID is already used by a
	// message in another chat or from another sender.
	ErrMessageIDTaken = errors.New("message id already in use")

	// ErrPresenceNotFound is returned for a user the system has never seen.
	ErrPresenceNotFound = errors.New("presence not found")

	// ErrParticipantNotFound is returned when removing a user who is not a member.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrForbidden is returned when the caller is not a participant of the chat.
	// Store failures during the membership check also yield ErrForbidden.
	ErrForbidden = errors.New("not a participant of this chat")

	// ErrNotOwner is returned when a user edits or deletes another user's message.
	ErrNotOwner = errors.New("only the sender may change this message")

	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)
