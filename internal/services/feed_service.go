// Package services – FeedService
//
// This file implements FeedService, which scopes the durable change feed to
// the caller: message rows only for chats the caller participates in, plus
// all presence rows. Reads long-poll so an idle subscriber costs one
// request per wait period.
package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/store"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// ChangeStore is the durable store's change feed.
type ChangeStore interface {
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	WaitChanges(ctx context.Context, q store.Query, wait time.Duration) ([]domain.Change, int64, error)
}

// FeedService serves change-feed pages.
type FeedService struct {
	Store ChangeStore

	// MaxWait caps the long-poll duration a caller may ask for.
	MaxWait time.Duration
	// PageLimit bounds rows per page; <= 0 uses the store default.
	PageLimit int
}

// ChangesRequest scopes one page. ChatID narrows message rows to one chat
// (the caller must belong to it) and drops presence rows.
type ChangesRequest struct {
	After  int64
	ChatID string
	Wait   time.Duration
}

// Changes returns the next page after req.After and the cursor to resume from.
func (s *FeedService) Changes(ctx context.Context, userID string, req ChangesRequest) ([]domain.Change, int64, error) {
	ctx, span := otel.Tracer("services/FeedService").Start(ctx, "Changes",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("after", req.After),
		),
	)
	defer span.End()

	q := store.Query{After: req.After, Limit: s.PageLimit}
	if req.ChatID != "" {
		if err := wire.ValidateID(req.ChatID); err != nil {
			return nil, req.After, fmt.Errorf("%w: chat id: %v", ErrInvalidInput, err)
		}
		ok, err := s.Store.IsParticipant(ctx, req.ChatID, userID)
		if err != nil || !ok {
			return nil, req.After, ErrForbidden
		}
		q.ChatIDs = []string{req.ChatID}
	} else {
		ids, err := s.Store.ChatIDsForUser(ctx, userID)
		if err != nil {
			return nil, req.After, err
		}
		q.ChatIDs = ids
		q.WithPresence = true
	}

	wait := req.Wait
	if wait < 0 {
		wait = 0
	}
	if s.MaxWait > 0 && wait > s.MaxWait {
		wait = s.MaxWait
	}
	rows, next, err := s.Store.WaitChanges(ctx, q, wait)
	if err != nil {
		span.RecordError(err)
	}
	return rows, next, err
}
