// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// InsertMessage inserts m as-is. The sender chooses the ID, so a second
// insert of the same message returns ErrDuplicate.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetChatMessage fetches a message by ID scoped to chatID.
func GetChatMessage(ctx context.Context, db *gorm.DB, chatID, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ? AND chat_id = ?", id, chatID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMessage writes every column of an existing message back.
func SaveMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	res := db.WithContext(ctx).Model(m).
		Select("content", "edited", "read_by", "reactions", "status", "updated_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message by ID.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice in timeline order
// (Timestamp ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
