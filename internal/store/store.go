// Package store is the durable store the realtime layer talks to. It wraps
// the thin repo functions so that every mutation also appends a row to the
// change feed inside the same transaction, then wakes long-poll waiters.
//
// The change feed is the second delivery channel: clients that miss a push
// (or were offline) catch up by reading changes after their last cursor.
//
// Observability: mutations are OpenTelemetry-instrumented; spans include the
// chat and message identifiers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
)

const (
	tableMessages = domain.ChangeTableMessages
	tablePresence = domain.ChangeTablePresence

	defaultPageLimit = 500
)

// Store is safe for concurrent use.
type Store struct {
	db    *gorm.DB
	feed  *Feed
	clock clockwork.Clock
	log   zerolog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for long-poll timeouts and prune cutoffs.
func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// New returns a Store over an already-migrated database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		feed:  NewFeed(),
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("store").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Insert persists m and records an insert change. A message whose ID is
// already stored is not an error: inserted is false and nothing is written.
func (s *Store) Insert(ctx context.Context, m *domain.Message) (inserted bool, err error) {
	ctx, span := s.span(ctx, "Store.Insert",
		attribute.String("chat.id", m.ChatID),
		attribute.String("message.id", m.ID),
	)
	defer span.End()

	if m.Status == "" || m.Status == domain.StatusSending {
		m.Status = domain.StatusSent
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.InsertMessage(ctx, tx, m); err != nil {
			return err
		}
		if err := repo.AppendChange(ctx, tx, s.messageChange(domain.OpInsert, m)); err != nil {
			return err
		}
		return repo.TouchChat(ctx, tx, m.ChatID, s.clock.Now())
	})
	if errors.Is(err, repo.ErrDuplicate) {
		s.log.Debug().Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("duplicate insert absorbed")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	s.feed.Notify()
	return true, nil
}

// GetMessage returns a stored message scoped to its chat.
func (s *Store) GetMessage(ctx context.Context, chatID, id string) (*domain.Message, error) {
	return repo.GetChatMessage(ctx, s.db, chatID, id)
}

// ListParticipants returns the member user IDs of chatID.
func (s *Store) ListParticipants(ctx context.Context, chatID string) ([]string, error) {
	return repo.ListParticipants(ctx, s.db, chatID)
}

// IsParticipant reports whether userID may read and write in chatID.
func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	return repo.IsParticipant(ctx, s.db, chatID, userID)
}

// ChatIDsForUser returns the chats userID belongs to.
func (s *Store) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return repo.ChatIDsForUser(ctx, s.db, userID)
}

// MarkRead records a read receipt and, when it changed the row, an update
// change. The returned message reflects the stored state.
func (s *Store) MarkRead(ctx context.Context, chatID, messageID, userID string, at time.Time) (*domain.Message, error) {
	ctx, span := s.span(ctx, "Store.MarkRead",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	var out *domain.Message
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, ok, err := repo.MarkMessageRead(ctx, tx, chatID, messageID, userID, at)
		if err != nil {
			return err
		}
		out, changed = m, ok
		if !ok {
			return nil
		}
		return repo.AppendChange(ctx, tx, s.messageChange(domain.OpUpdate, m))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if changed {
		s.feed.Notify()
	}
	return out, nil
}

// ToggleReaction flips userID's emoji on a message and records an update
// change. added reports whether the reaction is now present.
func (s *Store) ToggleReaction(ctx context.Context, chatID, messageID, emoji, userID string) (*domain.Message, bool, error) {
	ctx, span := s.span(ctx, "Store.ToggleReaction",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	var (
		out   *domain.Message
		added bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, a, err := repo.ToggleMessageReaction(ctx, tx, chatID, messageID, emoji, userID)
		if err != nil {
			return err
		}
		out, added = m, a
		return repo.AppendChange(ctx, tx, s.messageChange(domain.OpUpdate, m))
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	s.feed.Notify()
	return out, added, nil
}

// EditMessage replaces a message's content and flags it edited.
func (s *Store) EditMessage(ctx context.Context, chatID, messageID, content string) (*domain.Message, error) {
	ctx, span := s.span(ctx, "Store.EditMessage",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	var out *domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.GetChatMessage(ctx, tx, chatID, messageID)
		if err != nil {
			return err
		}
		m.Content = content
		m.Edited = true
		if err := repo.SaveMessage(ctx, tx, m); err != nil {
			return err
		}
		out = m
		return repo.AppendChange(ctx, tx, s.messageChange(domain.OpUpdate, m))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.feed.Notify()
	return out, nil
}

// DeleteMessage removes a message and records a delete change carrying the
// last stored snapshot.
func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID string) (*domain.Message, error) {
	ctx, span := s.span(ctx, "Store.DeleteMessage",
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	)
	defer span.End()

	var out *domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.GetChatMessage(ctx, tx, chatID, messageID)
		if err != nil {
			return err
		}
		if err := repo.DeleteMessage(ctx, tx, messageID); err != nil {
			return err
		}
		out = m
		return repo.AppendChange(ctx, tx, s.messageChange(domain.OpDelete, m))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.feed.Notify()
	return out, nil
}

// UpsertPresence applies a last-writer-wins presence write. Applied writes
// are recorded in the change feed.
func (s *Store) UpsertPresence(ctx context.Context, p domain.Presence) (bool, error) {
	ctx, span := s.span(ctx, "Store.UpsertPresence", attribute.String("user.id", p.UserID))
	defer span.End()

	p.LastSeen = p.LastSeen.UTC()
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.UpsertPresence(ctx, tx, &p)
		if err != nil || !ok {
			return err
		}
		applied = true
		snap := p
		return repo.AppendChange(ctx, tx, &domain.Change{
			Table:     tablePresence,
			Op:        domain.OpUpdate,
			RowID:     p.UserID,
			Presence:  &snap,
			CreatedAt: s.clock.Now().UTC(),
		})
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if applied {
		s.feed.Notify()
	}
	return applied, nil
}

// GetPresence returns the stored presence of userID.
func (s *Store) GetPresence(ctx context.Context, userID string) (*domain.Presence, error) {
	return repo.GetPresence(ctx, s.db, userID)
}

// ListPresence returns stored presence for userIDs (all users when empty).
func (s *Store) ListPresence(ctx context.Context, userIDs []string) ([]domain.Presence, error) {
	return repo.ListPresence(ctx, s.db, userIDs)
}

// Query scopes a change-feed read.
type Query struct {
	After        int64    // cursor; a negative value asks only for the current head
	ChatIDs      []string // message rows are limited to these chats
	WithPresence bool     // include presence rows
	Limit        int      // page size; defaults to 500
}

// Changes returns the next page of changes after q.After together with the
// cursor to resume from. When q.After is negative, no rows are returned and
// next is the current head, letting a fresh subscriber start from "now".
func (s *Store) Changes(ctx context.Context, q Query) (rows []domain.Change, next int64, err error) {
	if q.After < 0 {
		head, err := repo.HeadSeq(ctx, s.db)
		return nil, head, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err = repo.ListChanges(ctx, s.db, q.After, q.ChatIDs, q.WithPresence, limit)
	if err != nil {
		return nil, q.After, err
	}
	next = q.After
	if n := len(rows); n > 0 {
		next = rows[n-1].Seq
	}
	return rows, next, nil
}

// WaitChanges is Changes with a long poll: when nothing is pending it blocks
// until a mutation lands, wait elapses, or ctx is done. A timeout is not an
// error; it yields an empty page with the unchanged cursor.
func (s *Store) WaitChanges(ctx context.Context, q Query, wait time.Duration) ([]domain.Change, int64, error) {
	if q.After < 0 || wait <= 0 {
		return s.Changes(ctx, q)
	}
	timer := s.clock.NewTimer(wait)
	defer timer.Stop()
	for {
		// grab the wake channel before querying so a concurrent commit is never missed
		wake := s.feed.Wait()
		rows, next, err := s.Changes(ctx, q)
		if err != nil || len(rows) > 0 {
			return rows, next, err
		}
		select {
		case <-wake:
		case <-timer.Chan():
			return nil, q.After, nil
		case <-ctx.Done():
			return nil, q.After, ctx.Err()
		}
	}
}

// Prune deletes change rows older than maxAge and returns how many went.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, span := s.span(ctx, "Store.Prune")
	defer span.End()
	n, err := repo.PruneChanges(ctx, s.db, s.clock.Now().Add(-maxAge))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return n, nil
}

func (s *Store) messageChange(op domain.ChangeOp, m *domain.Message) *domain.Change {
	return &domain.Change{
		Table:     tableMessages,
		Op:        op,
		ChatID:    m.ChatID,
		RowID:     m.ID,
		Message:   m.Clone(),
		CreatedAt: s.clock.Now().UTC(),
	}
}
