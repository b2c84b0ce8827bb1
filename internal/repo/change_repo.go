// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only change feed that backs
// the durable delivery channel.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// changeLogLockKey is the postgres advisory lock that orders feed appends.
const changeLogLockKey = 0x63686167

// changeLogLockSQL returns the statement that serializes change appends until
// the surrounding transaction ends, or "" when the dialect needs none. SQLite
// has a single writer; on postgres concurrent transactions could otherwise
// commit seq N+1 before seq N, and a reader whose cursor passed N+1 would
// never see N.
func changeLogLockSQL(dialect string) string {
	if dialect == "postgres" {
		return "SELECT pg_advisory_xact_lock(?)"
	}
	return ""
}

// AppendChange inserts c and fills in its Seq. Call it inside the
// transaction that made the change.
func AppendChange(ctx context.Context, db *gorm.DB, c *domain.Change) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	db = db.WithContext(ctx)
	if q := changeLogLockSQL(db.Dialector.Name()); q != "" {
		if err := db.Exec(q, changeLogLockKey).Error; err != nil {
			return err
		}
	}
	return db.Create(c).Error
}

// ListChanges returns up to limit changes with Seq > after, ascending.
// Message rows are restricted to chatIDs; presence rows are included when
// withPresence is set.
func ListChanges(ctx context.Context, db *gorm.DB, after int64, chatIDs []string, withPresence bool, limit int) ([]domain.Change, error) {
	var out []domain.Change
	q := db.WithContext(ctx).Where("seq > ?", after)
	switch {
	case len(chatIDs) > 0 && withPresence:
		q = q.Where("((table_name = ? AND chat_id IN ?) OR table_name = ?)", domain.ChangeTableMessages, chatIDs, domain.ChangeTablePresence)
	case len(chatIDs) > 0:
		q = q.Where("table_name = ? AND chat_id IN ?", domain.ChangeTableMessages, chatIDs)
	case withPresence:
		q = q.Where("table_name = ?", domain.ChangeTablePresence)
	default:
		return out, nil
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("seq ASC").Find(&out).Error
	return out, err
}

// HeadSeq returns the highest Seq in the feed, or 0 when it is empty.
func HeadSeq(ctx context.Context, db *gorm.DB) (int64, error) {
	var head int64
	err := db.WithContext(ctx).Model(&domain.Change{}).Select("COALESCE(MAX(seq), 0)").Scan(&head).Error
	return head, err
}

// PruneChanges deletes change rows created before cutoff and returns how many
// were removed.
func PruneChanges(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&domain.Change{})
	return res.RowsAffected, res.Error
}
