// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable presence field.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// UpsertPresence stores p unless the stored row has a newer LastSeen
// (last-writer-wins by timestamp; ties go to the incoming write). It reports
// whether the write was applied and should run inside a transaction.
func UpsertPresence(ctx context.Context, db *gorm.DB, p *domain.Presence) (bool, error) {
	q := db.WithContext(ctx)
	if db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var cur domain.Presence
	err := q.Where("user_id = ?", p.UserID).First(&cur).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.WithContext(ctx).Create(p).Error; err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}
	if p.LastSeen.Before(cur.LastSeen) {
		return false, nil
	}
	if cur.Status == p.Status && cur.LastSeen.Equal(p.LastSeen) {
		return false, nil
	}
	return true, db.WithContext(ctx).Save(p).Error
}

// GetPresence returns the stored presence of userID, or ErrNotFound.
func GetPresence(ctx context.Context, db *gorm.DB, userID string) (*domain.Presence, error) {
	var p domain.Presence
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPresence returns stored presence rows for userIDs, or every row when
// userIDs is empty, ordered by user ID.
func ListPresence(ctx context.Context, db *gorm.DB, userIDs []string) ([]domain.Presence, error) {
	var out []domain.Presence
	q := db.WithContext(ctx).Order("user_id ASC")
	if len(userIDs) > 0 {
		q = q.Where("user_id IN ?", userIDs)
	}
	err := q.Find(&out).Error
	return out, err
}
