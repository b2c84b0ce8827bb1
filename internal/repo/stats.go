package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// MessagesStats returns the number of messages in chatID and the latest
// UpdatedAt among them; latest is nil for an empty chat. Edits, deletes and
// receipts all bump UpdatedAt, so the pair changes whenever the list does.
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, latest *time.Time, err error) {
	return chatStats(ctx, db, &domain.Message{}, chatID, "updated_at")
}

// ParticipantsStats returns the member count of chatID and the latest JoinedAt.
func ParticipantsStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, latest *time.Time, err error) {
	return chatStats(ctx, db, &domain.Participant{}, chatID, "joined_at")
}

// chatStats counts model rows of chatID and reads the newest value of the
// timestamp column. ORDER BY/LIMIT is used instead of MAX(), which SQLite
// returns as TEXT.
func chatStats(ctx context.Context, db *gorm.DB, model any, chatID, column string) (int64, *time.Time, error) {
	var count int64
	if err := db.WithContext(ctx).Model(model).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var ts []time.Time
	if err := db.WithContext(ctx).Model(model).
		Where("chat_id = ?", chatID).
		Order(column+" DESC").Limit(1).
		Pluck(column, &ts).Error; err != nil {
		return 0, nil, err
	}
	if len(ts) == 0 {
		return count, nil, nil
	}
	return count, &ts[0], nil
}
