// Package services – MessageService
//
// This file implements MessageService, the durable write path that clients
// fall back to when the push channel is down. Writes are idempotent by the
// sender-chosen message ID: re-posting the same ID returns the stored copy
// instead of creating a second row, which is what lets a message travel on
// both channels and still be recognised as one.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat/user identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/utils"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// MessageStore is the part of the durable store MessageService writes through.
type MessageStore interface {
	Insert(ctx context.Context, m *domain.Message) (bool, error)
	GetMessage(ctx context.Context, chatID, id string) (*domain.Message, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	EditMessage(ctx context.Context, chatID, messageID, content string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) (*domain.Message, error)
	DB() *gorm.DB
}

// PostRequest is a durable message write. MessageID and Timestamp are
// optional: a missing ID is generated and a missing or skewed timestamp is
// replaced with the server clock.
type PostRequest struct {
	MessageID string
	Content   string
	Timestamp time.Time
	Type      domain.MessageType
	ReplyTo   string
}

// MessageService coordinates message persistence and retrieval.
type MessageService struct {
	Store MessageStore
	Clock clockwork.Clock

	// MaxContentRunes bounds message content; <= 0 means unbounded.
	MaxContentRunes int
}

func (s *MessageService) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("services/MessageService").Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *MessageService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// Post validates and stores a message from userID. created is false when
// the ID was already stored for the same chat and sender; the stored copy
// is returned in that case.
func (s *MessageService) Post(ctx context.Context, userID, chatID string, req PostRequest) (msg *domain.Message, created bool, err error) {
	ctx, span := s.span(ctx, "Post",
		attribute.String("chat.id", chatID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, false, err
	}

	p := wire.MessageSendPayload{
		MessageID: req.MessageID,
		ChatID:    chatID,
		Sender:    userID,
		Content:   req.Content,
		Timestamp: req.Timestamp,
		Type:      req.Type,
		ReplyTo:   req.ReplyTo,
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if err := p.Normalize(s.MaxContentRunes); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.ClampTimestamp(s.now())

	m := p.ToMessage()
	inserted, err := s.Store.Insert(ctx, m)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if inserted {
		return m, true, nil
	}

	stored, err := s.Store.GetMessage(ctx, chatID, m.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrMessageIDTaken
	}
	if err != nil {
		return nil, false, err
	}
	if stored.Sender != userID {
		return nil, false, ErrMessageIDTaken
	}
	return stored, false, nil
}

// ListPage returns paginated messages for a chat in timeline order
// (timestamp, then ID). The caller must be a participant.
func (s *MessageService) ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := s.span(ctx, "ListPage",
		attribute.String("chat.id", chatID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	defer span.End()

	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampSize(pageSize)
	offset := utils.Offset(page, pageSize)

	db := s.Store.DB()
	total, err := repo.CountMessages(ctx, db, chatID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, db, chatID, offset, pageSize)
	return items, total, err
}

// Stats returns the message count and latest update time of chatID, used
// for conditional GETs.
func (s *MessageService) Stats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.Store.DB(), chatID)
}

// Edit replaces the content of one of userID's own messages.
func (s *MessageService) Edit(ctx context.Context, userID, chatID, messageID, content string) (*domain.Message, error) {
	ctx, span := s.span(ctx, "Edit",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	content = wire.NormalizeContent(content)
	if err := wire.ValidateContent(content, s.MaxContentRunes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := s.owned(ctx, userID, chatID, messageID); err != nil {
		return nil, err
	}
	m, err := s.Store.EditMessage(ctx, chatID, messageID, content)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// Delete removes one of userID's own messages.
func (s *MessageService) Delete(ctx context.Context, userID, chatID, messageID string) error {
	ctx, span := s.span(ctx, "Delete",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	if _, err := s.owned(ctx, userID, chatID, messageID); err != nil {
		return err
	}
	_, err := s.Store.DeleteMessage(ctx, chatID, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

func (s *MessageService) owned(ctx context.Context, userID, chatID, messageID string) (*domain.Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	m, err := s.Store.GetMessage(ctx, chatID, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Sender != userID {
		return nil, ErrNotOwner
	}
	return m, nil
}

func (s *MessageService) requireMember(ctx context.Context, chatID, userID string) error {
	return requireParticipant(ctx, s.Store, s.Store.DB(), chatID, userID)
}

// participantChecker is satisfied by the durable store.
type participantChecker interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// requireParticipant distinguishes an unknown chat (ErrChatNotFound) from a
// non-member (ErrForbidden). A failed membership lookup is treated as
// forbidden.
func requireParticipant(ctx context.Context, pc participantChecker, db *gorm.DB, chatID, userID string) error {
	ok, err := pc.IsParticipant(ctx, chatID, userID)
	if err == nil && ok {
		return nil
	}
	if _, gerr := repo.GetChat(ctx, db, chatID); errors.Is(gerr, repo.ErrNotFound) {
		return ErrChatNotFound
	}
	return ErrForbidden
}
