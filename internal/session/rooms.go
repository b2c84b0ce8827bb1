package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// RoomSubscriptionManager remembers which chats this session has joined and
// joins them again after every reconnect.
type RoomSubscriptionManager struct {
	emitter Emitter
	typing  *TypingCoordinator
	log     zerolog.Logger

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewRoomSubscriptionManager returns a manager with no rooms.
func NewRoomSubscriptionManager(e Emitter, typing *TypingCoordinator, log zerolog.Logger) *RoomSubscriptionManager {
	return &RoomSubscriptionManager{
		emitter: e,
		typing:  typing,
		log:     log,
		rooms:   make(map[string]struct{}),
	}
}

// JoinChat subscribes to chatID. Joining twice is a no-op. While offline
// the room is remembered and joined on the next connect.
func (m *RoomSubscriptionManager) JoinChat(ctx context.Context, chatID string) error {
	p := wire.RoomPayload{ChatID: chatID}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.rooms[chatID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[chatID] = struct{}{}
	m.mu.Unlock()

	if err := m.emitter.Emit(ctx, wire.ChatJoin, p); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveChat unsubscribes from chatID and stops any local typing there.
func (m *RoomSubscriptionManager) LeaveChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	if _, ok := m.rooms[chatID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, chatID)
	m.mu.Unlock()

	_ = m.typing.StopTyping(ctx, chatID)
	m.typing.ClearRemote(chatID)
	if err := m.emitter.Emit(ctx, wire.ChatLeave, wire.RoomPayload{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Rejoin sends chat:join for every remembered room.
func (m *RoomSubscriptionManager) Rejoin(ctx context.Context) {
	for _, chatID := range m.Rooms() {
		if err := m.emitter.Emit(ctx, wire.ChatJoin, wire.RoomPayload{ChatID: chatID}); err != nil {
			m.log.Warn().Err(err).Str("chat_id", chatID).Msg("rejoin failed")
			return
		}
	}
}

// Forget drops chatID without telling the relay, e.g. after the relay
// refused the join.
func (m *RoomSubscriptionManager) Forget(chatID string) {
	m.mu.Lock()
	delete(m.rooms, chatID)
	m.mu.Unlock()
}

// Joined reports whether chatID is subscribed.
func (m *RoomSubscriptionManager) Joined(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[chatID]
	return ok
}

// Rooms returns the subscribed chats, sorted.
func (m *RoomSubscriptionManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
