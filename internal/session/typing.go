package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

const (
	typingKind     = "typing"
	peerTypingKind = "peer-typing"
)

// TypingChange is the set of users typing in a chat after a change.
type TypingChange struct {
	ChatID string
	Typers []string // sorted user IDs, excluding the local user
}

// TypingCoordinator debounces the local user's typing signals and tracks
// who else is typing. Remote entries expire on their own after the TTL, so
// a lost stop event heals without help from the relay.
type TypingCoordinator struct {
	emitter Emitter
	timers  *timers.Registry
	log     zerolog.Logger
	ttl     time.Duration
	userID  func() string

	changes *Topic[TypingChange]

	mu     sync.Mutex
	local  map[string]struct{}
	remote map[string]map[string]string // chat -> user -> display name
}

// NewTypingCoordinator returns a coordinator with the given auto-stop TTL.
func NewTypingCoordinator(e Emitter, reg *timers.Registry, log zerolog.Logger, userID func() string, ttl time.Duration) *TypingCoordinator {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &TypingCoordinator{
		emitter: e,
		timers:  reg,
		log:     log,
		ttl:     ttl,
		userID:  userID,
		changes: NewTopic[TypingChange](),
		local:   make(map[string]struct{}),
		remote:  make(map[string]map[string]string),
	}
}

// OnTypingChange subscribes to typing changes in chatID.
func (t *TypingCoordinator) OnTypingChange(chatID string) *Subscription[TypingChange] {
	return t.changes.SubscribeWhere(func(c TypingChange) bool { return c.ChatID == chatID })
}

// StartTyping announces typing in chatID and arms the auto-stop. While
// armed, further calls only push the auto-stop back.
func (t *TypingCoordinator) StartTyping(ctx context.Context, chatID string) error {
	key := timers.Key{Kind: typingKind, ChatID: chatID}
	t.mu.Lock()
	if _, ok := t.local[chatID]; ok {
		t.timers.Reset(key)
		t.mu.Unlock()
		return nil
	}
	t.local[chatID] = struct{}{}
	t.timers.Arm(key, t.ttl, func() { t.autoStop(chatID) })
	t.mu.Unlock()

	if err := t.emitter.Emit(ctx, wire.TypingStart, wire.TypingPayload{ChatID: chatID, UserID: t.userID()}); err != nil {
		t.log.Debug().Err(err).Str("chat_id", chatID).Msg("typing start not sent")
		return err
	}
	return nil
}

// StopTyping cancels the auto-stop and announces the stop. It is a no-op
// when not typing.
func (t *TypingCoordinator) StopTyping(ctx context.Context, chatID string) error {
	t.mu.Lock()
	if _, ok := t.local[chatID]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.local, chatID)
	t.timers.Cancel(timers.Key{Kind: typingKind, ChatID: chatID})
	t.mu.Unlock()
	return t.emitStop(ctx, chatID)
}

// IsTyping reports whether the local user is marked typing in chatID.
func (t *TypingCoordinator) IsTyping(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[chatID]
	return ok
}

func (t *TypingCoordinator) autoStop(chatID string) {
	t.mu.Lock()
	if _, ok := t.local[chatID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.local, chatID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.emitStop(ctx, chatID)
}

func (t *TypingCoordinator) emitStop(ctx context.Context, chatID string) error {
	if err := t.emitter.Emit(ctx, wire.TypingStop, wire.TypingPayload{ChatID: chatID, UserID: t.userID()}); err != nil {
		t.log.Debug().Err(err).Str("chat_id", chatID).Msg("typing stop not sent")
		return err
	}
	return nil
}

// OnRemoteStart marks a peer typing until a stop arrives or the TTL lapses.
func (t *TypingCoordinator) OnRemoteStart(p wire.TypingPayload) {
	if p.UserID == t.userID() {
		return
	}
	key := timers.Key{Kind: peerTypingKind, ChatID: p.ChatID, UserID: p.UserID}
	t.mu.Lock()
	users, ok := t.remote[p.ChatID]
	if !ok {
		users = make(map[string]string)
		t.remote[p.ChatID] = users
	}
	_, had := users[p.UserID]
	users[p.UserID] = p.DisplayName
	chatID, userID := p.ChatID, p.UserID
	t.timers.Arm(key, t.ttl, func() { t.dropRemote(chatID, userID) })
	change := t.changeLocked(p.ChatID)
	t.mu.Unlock()
	if !had {
		t.changes.Publish(change)
	}
}

// OnRemoteStop clears a peer's typing flag.
func (t *TypingCoordinator) OnRemoteStop(p wire.TypingPayload) {
	t.timers.Cancel(timers.Key{Kind: peerTypingKind, ChatID: p.ChatID, UserID: p.UserID})
	t.dropRemote(p.ChatID, p.UserID)
}

func (t *TypingCoordinator) dropRemote(chatID, userID string) {
	t.mu.Lock()
	users := t.remote[chatID]
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, chatID)
	}
	change := t.changeLocked(chatID)
	t.mu.Unlock()
	t.changes.Publish(change)
}

// ClearRemote forgets every peer typing in chatID, e.g. after leaving it.
func (t *TypingCoordinator) ClearRemote(chatID string) {
	t.mu.Lock()
	_, had := t.remote[chatID]
	delete(t.remote, chatID)
	t.timers.CancelWhere(func(k timers.Key) bool { return k.Kind == peerTypingKind && k.ChatID == chatID })
	t.mu.Unlock()
	if had {
		t.changes.Publish(TypingChange{ChatID: chatID})
	}
}

// Reset drops all local and remote typing state without emitting
// anything. It runs when the connection goes away.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	chats := make([]string, 0, len(t.remote))
	for chatID := range t.remote {
		chats = append(chats, chatID)
	}
	sort.Strings(chats)
	t.local = make(map[string]struct{})
	t.remote = make(map[string]map[string]string)
	t.timers.CancelWhere(func(k timers.Key) bool { return k.Kind == typingKind || k.Kind == peerTypingKind })
	t.mu.Unlock()
	for _, chatID := range chats {
		t.changes.Publish(TypingChange{ChatID: chatID})
	}
}

// Typers returns who is typing in chatID, sorted.
func (t *TypingCoordinator) Typers(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeLocked(chatID).Typers
}

func (t *TypingCoordinator) changeLocked(chatID string) TypingChange {
	users := t.remote[chatID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return TypingChange{ChatID: chatID, Typers: out}
}

// Close ends all subscriptions.
func (t *TypingCoordinator) Close() { t.changes.Close() }
