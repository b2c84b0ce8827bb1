// Package services – PresenceService
//
// This file implements PresenceService, the REST view of user presence. The
// relay's in-memory table is authoritative for users connected to this
// process; everyone else is answered from the durable last-writer-wins copy.
package services

import (
	"context"
	"errors"
	"sort"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
)

// LivePresence is the relay's presence table.
type LivePresence interface {
	Online() []domain.Presence
	Presence(userID string) (domain.Presence, bool)
}

// PresenceStore is the durable presence copy.
type PresenceStore interface {
	GetPresence(ctx context.Context, userID string) (*domain.Presence, error)
	ListPresence(ctx context.Context, userIDs []string) ([]domain.Presence, error)
}

// PresenceService merges live and stored presence. Live may be nil.
type PresenceService struct {
	Live  LivePresence
	Store PresenceStore
}

// Get returns the newest known presence of userID.
func (s *PresenceService) Get(ctx context.Context, userID string) (domain.Presence, error) {
	var best domain.Presence
	found := false
	if s.Live != nil {
		best, found = s.Live.Presence(userID)
	}
	stored, err := s.Store.GetPresence(ctx, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		if found {
			return best, nil
		}
		return domain.Presence{}, err
	case !found || stored.LastSeen.After(best.LastSeen):
		best, found = *stored, true
	}
	if !found {
		return domain.Presence{}, ErrPresenceNotFound
	}
	return best, nil
}

// List returns every known presence record sorted by user ID. Stored
// records are overridden by newer live ones.
func (s *PresenceService) List(ctx context.Context) ([]domain.Presence, error) {
	stored, err := s.Store.ListPresence(ctx, nil)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]domain.Presence, len(stored))
	for _, p := range stored {
		byUser[p.UserID] = p
	}
	if s.Live != nil {
		for _, p := range s.Live.Online() {
			if cur, ok := byUser[p.UserID]; !ok || !p.LastSeen.Before(cur.LastSeen) {
				byUser[p.UserID] = p
			}
		}
	}
	out := make([]domain.Presence, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
