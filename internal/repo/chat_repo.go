// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for chats and
// their participants (room membership).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chat or membership is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - Creating a chat whose ID already exists returns ErrDuplicate.
//   - On other DB errors the raw gorm error is propagated.
//
// Functions:
//
//   - CreateChat(ctx, db, id, title, createdBy) -> *domain.Chat, error
//     Inserts the chat and its creator's membership in one transaction.
//
//   - GetChat(ctx, db, id) -> *domain.Chat, error
//
//   - ListChatsForUser(ctx, db, userID) -> []domain.Chat, error
//     Chats the user participates in, most recently updated first.
//
//   - AddParticipant / RemoveParticipant / ListParticipants / IsParticipant
//     Membership set operations. AddParticipant is idempotent.
//
//   - ChatIDsForUser(ctx, db, userID) -> []string, error
//
// Usage:
//
//	ok, err := repo.IsParticipant(ctx, db, chatID, userID)
//	if err != nil {
//	    // fail closed
//	}
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// CreateChat inserts a new Chat with the given id (a UUID is generated when
// id is blank) and records createdBy as its first participant.
func CreateChat(ctx context.Context, db *gorm.DB, id, title, createdBy string) (*domain.Chat, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	c := &domain.Chat{
		ID:        id,
		Title:     title,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicate
			}
			return err
		}
		return tx.Create(&domain.Participant{ChatID: id, UserID: createdBy, JoinedAt: now}).Error
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat fetches a single chat by its ID, or ErrNotFound.
func GetChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChatsForUser returns the chats userID participates in, ordered by
// UpdatedAt descending.
func ListChatsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Joins("JOIN participants p ON p.chat_id = chats.id").
		Where("p.user_id = ?", userID).
		Order("chats.updated_at DESC, chats.id ASC").
		Find(&out).Error
	return out, err
}

// AddParticipant adds userID to chatID. Adding an existing member is a no-op.
func AddParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error {
	p := &domain.Participant{ChatID: chatID, UserID: userID, JoinedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p).Error
}

// RemoveParticipant removes userID from chatID, or returns ErrNotFound when
// the user was not a member.
func RemoveParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) error {
	res := db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&domain.Participant{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListParticipants returns the member user IDs of chatID in ascending order.
func ListParticipants(ctx context.Context, db *gorm.DB, chatID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("chat_id = ?", chatID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// IsParticipant reports whether userID is a member of chatID.
func IsParticipant(ctx context.Context, db *gorm.DB, chatID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&n).Error
	return n > 0, err
}

// ChatIDsForUser returns the IDs of every chat userID participates in.
func ChatIDsForUser(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("user_id = ?", userID).
		Order("chat_id ASC").
		Pluck("chat_id", &ids).Error
	return ids, err
}

// TouchChat bumps a chat's UpdatedAt, used when a message lands in it.
func TouchChat(ctx context.Context, db *gorm.DB, chatID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", chatID).
		Update("updated_at", at.UTC()).Error
}
