// Package services – ReceiptService
//
// This file implements ReceiptService, which records read receipts and
// toggles emoji reactions through the durable store. Both are restricted to
// chat participants; the store appends an update to the change feed so
// other sessions observe the new state.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// ReceiptStore is the part of the durable store ReceiptService uses.
type ReceiptStore interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	MarkRead(ctx context.Context, chatID, messageID, userID string, at time.Time) (*domain.Message, error)
	ToggleReaction(ctx context.Context, chatID, messageID, emoji, userID string) (*domain.Message, bool, error)
	DB() *gorm.DB
}

// ReceiptService implements the use-cases around receipts and reactions.
type ReceiptService struct {
	Store ReceiptStore
	Clock clockwork.Clock
}

// MarkRead records that userID read messageID. A zero or future-skewed at
// is replaced with the server clock; earlier reads are never overwritten.
func (s *ReceiptService) MarkRead(ctx context.Context, userID, chatID, messageID string, at time.Time) (*domain.Message, error) {
	if err := wire.ValidateID(messageID); err != nil {
		return nil, fmt.Errorf("%w: message id: %v", ErrInvalidInput, err)
	}
	if err := requireParticipant(ctx, s.Store, s.Store.DB(), chatID, userID); err != nil {
		return nil, err
	}
	now := s.now()
	if at.IsZero() || at.After(now.Add(wire.MaxClockSkew)) {
		at = now
	}
	m, err := s.Store.MarkRead(ctx, chatID, messageID, userID, at.UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// React toggles userID's emoji on messageID and reports whether the
// reaction is now present.
func (s *ReceiptService) React(ctx context.Context, userID, chatID, messageID, emoji string) (*domain.Message, bool, error) {
	p := wire.MessageReactPayload{MessageID: messageID, ChatID: chatID, Emoji: emoji}
	if err := p.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := requireParticipant(ctx, s.Store, s.Store.DB(), chatID, userID); err != nil {
		return nil, false, err
	}
	m, added, err := s.Store.ToggleReaction(ctx, chatID, messageID, p.Emoji, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrMessageNotFound
	}
	return m, added, err
}

func (s *ReceiptService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}
