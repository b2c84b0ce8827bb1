// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the read-receipt and reaction updates,
// the only mutations a non-owner may apply to a message.
//
// Both functions perform a read-modify-write of the JSON columns and should
// run inside a transaction (the store wraps them together with the change
// feed append). On Postgres the row is locked FOR UPDATE; SQLite serializes
// writers on its own.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// MarkMessageRead records userID's read time on the message. It reports
// whether the row changed (an earlier read time is kept).
func MarkMessageRead(ctx context.Context, db *gorm.DB, chatID, id, userID string, at time.Time) (*domain.Message, bool, error) {
	return mutateMessage(ctx, db, chatID, id, func(m *domain.Message) bool {
		return m.MarkRead(userID, at.UTC())
	})
}

// ToggleMessageReaction adds or removes userID's emoji reaction. The row
// always changes; the boolean reports whether the reaction is now present.
func ToggleMessageReaction(ctx context.Context, db *gorm.DB, chatID, id, emoji, userID string) (*domain.Message, bool, error) {
	var added bool
	m, _, err := mutateMessage(ctx, db, chatID, id, func(m *domain.Message) bool {
		added = m.ToggleReaction(emoji, userID)
		return true
	})
	return m, added, err
}

func mutateMessage(ctx context.Context, db *gorm.DB, chatID, id string, fn func(*domain.Message) bool) (*domain.Message, bool, error) {
	q := db.WithContext(ctx)
	if db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m domain.Message
	if err := q.Where("id = ? AND chat_id = ?", id, chatID).First(&m).Error; err != nil {
		return nil, false, err
	}
	if !fn(&m) {
		return &m, false, nil
	}
	if err := SaveMessage(ctx, db, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}
