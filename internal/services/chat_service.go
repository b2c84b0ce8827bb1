// Package services – ChatService
//
// This file implements the ChatService, which manages chats and their
// membership. Membership is what the relay authorizes room joins, sends,
// reads and reactions against, so every mutation here requires the caller
// to already be a participant.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// ChatRepo defines the repository contract required by ChatService.
type ChatRepo interface {
	CreateChat(ctx context.Context, db *gorm.DB, id, title, createdBy string) (*domain.Chat, error)
	GetChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error)
	ListChatsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error)
	AddParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error
	RemoveParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error
	ListParticipants(ctx context.Context, db *gorm.DB, chatID string) ([]string, error)
	IsParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) (bool, error)
}

// ChatService provides chat creation and membership operations.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the chat repository used by this service.
	Repo ChatRepo

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewChatService constructs a ChatService with sane defaults for title handling.
func NewChatService(db *gorm.DB, r ChatRepo) *ChatService {
	return &ChatService{
		DB:          db,
		Repo:        r,
		TitleMaxLen: 60,
	}
}

func (s *ChatService) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("services/ChatService").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Create inserts a new chat with userID as its creator and first participant.
// A blank id is replaced with a generated one; titles are normalized and
// clipped, with "New chat" as the fallback.
func (s *ChatService) Create(ctx context.Context, userID, id, title string) (*domain.Chat, error) {
	ctx, span := s.span(ctx, "Create", attribute.String("user.id", userID))
	defer span.End()

	id = strings.TrimSpace(id)
	if id != "" {
		if err := wire.ValidateID(id); err != nil {
			return nil, fmt.Errorf("%w: chat id: %v", ErrInvalidInput, err)
		}
	}
	title = normalizeTitle(title)
	if title == "" {
		title = "New chat"
	}
	c, err := s.Repo.CreateChat(ctx, s.DB, id, s.clip(title), userID)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrChatExists
	}
	return c, err
}

// List returns the chats userID participates in, most recently active first.
func (s *ChatService) List(ctx context.Context, userID string) ([]domain.Chat, error) {
	ctx, span := s.span(ctx, "List", attribute.String("user.id", userID))
	defer span.End()
	return s.Repo.ListChatsForUser(ctx, s.DB, userID)
}

// Participants returns the members of chatID. The caller must be one.
func (s *ChatService) Participants(ctx context.Context, userID, chatID string) ([]string, error) {
	ctx, span := s.span(ctx, "Participants", attribute.String("chat.id", chatID))
	defer span.End()
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.Repo.ListParticipants(ctx, s.DB, chatID)
}

// AddParticipant lets a member add another user. Adding an existing member
// is a no-op.
func (s *ChatService) AddParticipant(ctx context.Context, actorID, chatID, userID string) error {
	ctx, span := s.span(ctx, "AddParticipant",
		attribute.String("chat.id", chatID),
		attribute.String("user.id", userID),
	)
	defer span.End()
	if err := wire.ValidateID(userID); err != nil {
		return fmt.Errorf("%w: user id: %v", ErrInvalidInput, err)
	}
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return err
	}
	return s.Repo.AddParticipant(ctx, s.DB, chatID, userID)
}

// RemoveParticipant lets a member remove a user, including themselves.
func (s *ChatService) RemoveParticipant(ctx context.Context, actorID, chatID, userID string) error {
	ctx, span := s.span(ctx, "RemoveParticipant",
		attribute.String("chat.id", chatID),
		attribute.String("user.id", userID),
	)
	defer span.End()
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return err
	}
	err := s.Repo.RemoveParticipant(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrParticipantNotFound
	}
	return err
}

// ParticipantStats returns the member count and latest join time of chatID,
// used for conditional GETs.
func (s *ChatService) ParticipantStats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return repo.ParticipantsStats(ctx, s.DB, chatID)
}

// requireMember returns ErrChatNotFound for an unknown chat and ErrForbidden
// when userID is not a participant or the lookup fails.
func (s *ChatService) requireMember(ctx context.Context, chatID, userID string) error {
	if _, err := s.Repo.GetChat(ctx, s.DB, chatID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	ok, err := s.Repo.IsParticipant(ctx, s.DB, chatID, userID)
	if err != nil || !ok {
		return ErrForbidden
	}
	return nil
}

// clip truncates a chat title to the configured maximum rune length.
func (s *ChatService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(wire.NormalizeContent(s)), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// RepoShim adapts the repository free functions to ChatRepo.
type RepoShim struct{}

func (RepoShim) CreateChat(ctx context.Context, db *gorm.DB, id, title, createdBy string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, id, title, createdBy)
}

func (RepoShim) GetChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id)
}

func (RepoShim) ListChatsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error) {
	return repo.ListChatsForUser(ctx, db, userID)
}

func (RepoShim) AddParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error {
	return repo.AddParticipant(ctx, db, chatID, userID)
}

func (RepoShim) RemoveParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error {
	return repo.RemoveParticipant(ctx, db, chatID, userID)
}

func (RepoShim) ListParticipants(ctx context.Context, db *gorm.DB, chatID string) ([]string, error) {
	return repo.ListParticipants(ctx, db, chatID)
}

func (RepoShim) IsParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) (bool, error) {
	return repo.IsParticipant(ctx, db, chatID, userID)
}
