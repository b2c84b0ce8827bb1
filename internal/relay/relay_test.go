package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	members   map[string]map[string]bool
	msgs      map[string]*domain.Message
	presence  map[string]domain.Presence
	insertErr error
	memberErr error
}

func newFakeStore(chatID string, users ...string) *fakeStore {
	s := &fakeStore{
		members:  map[string]map[string]bool{},
		msgs:     map[string]*domain.Message{},
		presence: map[string]domain.Presence{},
	}
	s.members[chatID] = map[string]bool{}
	for _, u := range users {
		s.members[chatID][u] = true
	}
	return s
}

func (s *fakeStore) Insert(_ context.Context, m *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, ok := s.msgs[m.ID]; ok {
		return false, nil
	}
	s.msgs[m.ID] = m.Clone()
	return true, nil
}

func (s *fakeStore) GetMessage(_ context.Context, chatID, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.ChatID != chatID {
		return nil, repo.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *fakeStore) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.members[chatID][userID], nil
}

func (s *fakeStore) MarkRead(_ context.Context, chatID, id, userID string, at time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.ChatID != chatID {
		return nil, repo.ErrNotFound
	}
	m.MarkRead(userID, at)
	return m.Clone(), nil
}

func (s *fakeStore) ToggleReaction(_ context.Context, chatID, id, emoji, userID string) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.ChatID != chatID {
		return nil, false, repo.ErrNotFound
	}
	added := m.ToggleReaction(emoji, userID)
	return m.Clone(), added, nil
}

func (s *fakeStore) UpsertPresence(_ context.Context, p domain.Presence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.UserID] = p
	return true, nil
}

func (s *fakeStore) presenceOf(userID string) (domain.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// ----- helpers -----

func newTestRelay(t *testing.T, s Store, opts Options) *Relay {
	t.Helper()
	r := New(s, opts)
	t.Cleanup(r.Close)
	return r
}

func envelope(event string, payload any) wire.Envelope {
	env, err := wire.Decode(wire.MustEncode(event, payload))
	if err != nil {
		panic(err)
	}
	return env
}

func handle(r *Relay, c *Conn, event string, payload any) {
	r.Handle(context.Background(), c, envelope(event, payload))
}

// drain returns every frame queued for c right now.
func drain(t *testing.T, c *Conn) []wire.Envelope {
	t.Helper()
	var out []wire.Envelope
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			env, err := wire.Decode(b)
			if err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func names(envs []wire.Envelope) string {
	s := make([]string, len(envs))
	for i, e := range envs {
		s[i] = e.Event
	}
	return strings.Join(s, ",")
}

func waitEvent(t *testing.T, c *Conn, event string) wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", event)
			}
			env, _ := wire.Decode(b)
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame", event)
		}
	}
}

func errorCode(t *testing.T, env wire.Envelope) string {
	t.Helper()
	if env.Event != wire.Error {
		t.Fatalf("want error frame, got %s", env.Event)
	}
	var p wire.ErrorPayload
	if err := env.Bind(&p); err != nil {
		t.Fatalf("bind error payload: %v", err)
	}
	return p.Code
}

func connectUser(t *testing.T, r *Relay, user string) *Conn {
	t.Helper()
	c, err := r.Attach("")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	handle(r, c, wire.UserConnect, wire.UserConnectPayload{UserID: user})
	got := drain(t, c)
	if len(got) == 0 || got[len(got)-1].Event != wire.UserConnected {
		t.Fatalf("%s: want user:connected, got %s", user, names(got))
	}
	return c
}

func join(t *testing.T, r *Relay, c *Conn, chatID string) {
	t.Helper()
	handle(r, c, wire.ChatJoin, wire.RoomPayload{ChatID: chatID})
	if got := drain(t, c); len(got) != 0 && got[0].Event == wire.Error {
		t.Fatalf("join %s failed: %s", chatID, got[0].Data)
	}
}

func drainAll(t *testing.T, cs ...*Conn) {
	t.Helper()
	for _, c := range cs {
		drain(t, c)
	}
}

// ----- tests -----

func TestConnect_AnnouncesOnlineAndListsOthers(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1"), Options{})
	b := connectUser(t, r, "b")

	a, _ := r.Attach("")
	handle(r, a, wire.UserConnect, wire.UserConnectPayload{UserID: "a"})
	got := drain(t, a)
	if names(got) != wire.UserConnected {
		t.Fatalf("a frames = %s", names(got))
	}
	var p wire.UserConnectedPayload
	_ = got[0].Bind(&p)
	if p.Status != domain.PresenceOnline || len(p.ConnectedUsers) != 1 || p.ConnectedUsers[0].UserID != "b" {
		t.Fatalf("connected payload unexpected: %+v", p)
	}
	if names(drain(t, b)) != wire.UserOnline {
		t.Fatalf("b should see user:online for a")
	}
	if on := r.Online(); len(on) != 2 {
		t.Fatalf("Online() = %+v", on)
	}
}

func TestSend_FansOutToRoomExceptOriginAndAcks(t *testing.T) {
	s := newFakeStore("room1", "a", "b", "c")
	r := newTestRelay(t, s, Options{})
	a, b, c := connectUser(t, r, "a"), connectUser(t, r, "b"), connectUser(t, r, "c")
	outsider := connectUser(t, r, "d")
	for _, conn := range []*Conn{a, b, c} {
		join(t, r, conn, "room1")
	}
	drainAll(t, a, b, c, outsider)

	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "abc", ChatID: "room1", Content: " hello "})

	if got := drain(t, a); names(got) != wire.MessageAck {
		t.Fatalf("origin frames = %s", names(got))
	}
	for _, conn := range []*Conn{b, c} {
		got := drain(t, conn)
		if names(got) != wire.MessageReceive {
			t.Fatalf("member frames = %s", names(got))
		}
		var p wire.MessageSendPayload
		_ = got[0].Bind(&p)
		if p.MessageID != "abc" || p.Sender != "a" || p.Content != "hello" {
			t.Fatalf("receive payload unexpected: %+v", p)
		}
	}
	if got := drain(t, outsider); len(got) != 0 {
		t.Fatalf("non-member got %s", names(got))
	}
	if _, ok := s.msgs["abc"]; !ok {
		t.Fatalf("message must be persisted before fan-out")
	}
}

func TestSend_RejectsSpoofedSenderAndNonParticipant(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a"), Options{})
	a := connectUser(t, r, "a")
	x := connectUser(t, r, "x")
	drainAll(t, a)

	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Sender: "b", Content: "hi"})
	if got := drain(t, a); len(got) != 1 || errorCode(t, got[0]) != wire.CodeForbidden {
		t.Fatalf("spoofed sender must be forbidden, got %s", names(got))
	}

	handle(r, x, wire.MessageSend, wire.MessageSendPayload{MessageID: "m2", ChatID: "room1", Content: "hi"})
	if got := drain(t, x); len(got) != 1 || errorCode(t, got[0]) != wire.CodeForbidden {
		t.Fatalf("non-participant must be forbidden, got %s", names(got))
	}

	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m3", ChatID: "room1", Content: "   "})
	if got := drain(t, a); len(got) != 1 || errorCode(t, got[0]) != wire.CodeBadRequest {
		t.Fatalf("empty content must be rejected, got %s", names(got))
	}
}

func TestSend_PersistFailureIsNotFannedOut(t *testing.T) {
	s := newFakeStore("room1", "a", "b")
	r := newTestRelay(t, s, Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	drainAll(t, a, b)

	s.insertErr = errors.New("disk full")
	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "hi"})
	if got := drain(t, a); len(got) != 1 || errorCode(t, got[0]) != wire.CodePersistFailed {
		t.Fatalf("origin should get persist_failed, got %s", names(got))
	}
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("nothing may be fanned out, got %s", names(got))
	}
}

func TestSend_DuplicateIDFromOtherChatIsConflict(t *testing.T) {
	s := newFakeStore("room1", "alice")
	s.members["room2"] = map[string]bool{"mallory": true, "bob": true}
	r := newTestRelay(t, s, Options{})
	alice := connectUser(t, r, "alice")
	mallory, bob := connectUser(t, r, "mallory"), connectUser(t, r, "bob")
	join(t, r, alice, "room1")
	join(t, r, mallory, "room2")
	join(t, r, bob, "room2")
	drainAll(t, alice, mallory, bob)

	handle(r, alice, wire.MessageSend, wire.MessageSendPayload{MessageID: "abc", ChatID: "room1", Content: "original"})
	drain(t, alice)

	handle(r, mallory, wire.MessageSend, wire.MessageSendPayload{MessageID: "abc", ChatID: "room2", Content: "forged"})
	if got := drain(t, mallory); len(got) != 1 || errorCode(t, got[0]) != wire.CodeConflict {
		t.Fatalf("reused id must be a conflict, got %s", names(got))
	}
	if got := drain(t, bob); len(got) != 0 {
		t.Fatalf("nothing may be fanned out, got %s", names(got))
	}
	if m := s.msgs["abc"]; m.ChatID != "room1" || m.Content != "original" {
		t.Fatalf("stored message changed: %+v", m)
	}
}

func TestSend_ResendFansOutStoredCopy(t *testing.T) {
	s := newFakeStore("room1", "a", "b")
	r := newTestRelay(t, s, Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	drainAll(t, a, b)

	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "v1"})
	drainAll(t, a, b)

	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "v2"})
	if got := drain(t, a); names(got) != wire.MessageAck {
		t.Fatalf("resend should be acked, got %s", names(got))
	}
	got := drain(t, b)
	if names(got) != wire.MessageReceive {
		t.Fatalf("member frames = %s", names(got))
	}
	var p wire.MessageSendPayload
	_ = got[0].Bind(&p)
	if p.Content != "v1" {
		t.Fatalf("resend must carry the stored content, got %q", p.Content)
	}

	// b reusing a's id in the same chat
	handle(r, b, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "mine"})
	if got := drain(t, b); len(got) != 1 || errorCode(t, got[0]) != wire.CodeConflict {
		t.Fatalf("another sender's id must be a conflict, got %s", names(got))
	}
	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("nothing may be fanned out, got %s", names(got))
	}
}

func TestJoin_NonParticipantAndStoreErrorAreForbidden(t *testing.T) {
	s := newFakeStore("room1", "a")
	r := newTestRelay(t, s, Options{})
	x := connectUser(t, r, "x")

	handle(r, x, wire.ChatJoin, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, x); len(got) != 1 || errorCode(t, got[0]) != wire.CodeForbidden {
		t.Fatalf("want forbidden, got %s", names(got))
	}
	handle(r, x, wire.TypingStart, wire.TypingPayload{ChatID: "room1"})
	if got := drain(t, x); len(got) != 1 || errorCode(t, got[0]) != wire.CodeNotJoined {
		t.Fatalf("typing outside a room must be not_joined, got %s", names(got))
	}

	s.memberErr = errors.New("db down")
	a := connectUser(t, r, "a")
	handle(r, a, wire.ChatJoin, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, a); len(got) != 1 || errorCode(t, got[0]) != wire.CodeForbidden {
		t.Fatalf("store errors must fail closed, got %s", names(got))
	}
}

func TestEvents_RequireUserConnect(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a"), Options{})
	c, _ := r.Attach("")
	handle(r, c, wire.ChatJoin, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, c); len(got) != 1 || errorCode(t, got[0]) != wire.CodeNotConnected {
		t.Fatalf("want not_connected, got %s", names(got))
	}
	handle(r, c, "made:up", struct{}{})
	if got := drain(t, c); len(got) != 1 || errorCode(t, got[0]) != wire.CodeUnknownEvent {
		t.Fatalf("want unknown_event, got %s", names(got))
	}
}

func TestDetach_TypingStopsThenOfflineWithNothingInterleaved(t *testing.T) {
	s := newFakeStore("room1", "a", "b")
	s.members["room2"] = map[string]bool{"a": true, "b": true}
	r := newTestRelay(t, s, Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	for _, room := range []string{"room1", "room2"} {
		join(t, r, a, room)
		join(t, r, b, room)
	}
	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1"})
	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room2"})
	drainAll(t, a, b)

	r.Detach(a, "client closed")

	got := drain(t, b)
	if names(got) != "message:typing:stop,message:typing:stop,user:offline" {
		t.Fatalf("b frames = %s", names(got))
	}
	var p wire.TypingPayload
	_ = got[0].Bind(&p)
	if p.ChatID != "room1" || p.UserID != "a" {
		t.Fatalf("first stop = %+v", p)
	}
	if len(r.Typing("room1")) != 0 || len(r.Typing("room2")) != 0 {
		t.Fatalf("typing entries must be cleared")
	}
	if _, ok := <-a.send; ok {
		t.Fatalf("send buffer must be closed after detach")
	}

	// second detach is a no-op
	r.Detach(a, "again")
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("repeat detach must not broadcast, got %s", names(got))
	}
}

func TestDetach_OfflineOnlyAfterLastConnection(t *testing.T) {
	s := newFakeStore("room1")
	r := newTestRelay(t, s, Options{})
	b := connectUser(t, r, "b")
	a1 := connectUser(t, r, "a")
	a2 := connectUser(t, r, "a")
	if got := drain(t, b); names(got) != "user:online,user:status" {
		t.Fatalf("b frames = %s", names(got))
	}

	r.Detach(a1, "tab closed")
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("a still has a connection, got %s", names(got))
	}
	if p, _ := r.Presence("a"); p.Status != domain.PresenceOnline {
		t.Fatalf("a should still be online, got %s", p.Status)
	}

	r.Detach(a2, "tab closed")
	if got := drain(t, b); names(got) != wire.UserOffline {
		t.Fatalf("want user:offline, got %s", names(got))
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := s.presenceOf("a"); ok && p.Status == domain.PresenceOffline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offline presence never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatus_BroadcastsToOthersLWW(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1"), Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	drainAll(t, a, b)

	handle(r, a, wire.UserStatus, wire.PresencePayload{Status: domain.PresenceBusy})
	got := drain(t, b)
	if names(got) != wire.UserStatus {
		t.Fatalf("b frames = %s", names(got))
	}
	var p wire.PresencePayload
	_ = got[0].Bind(&p)
	if p.UserID != "a" || p.Status != domain.PresenceBusy {
		t.Fatalf("status payload = %+v", p)
	}
	if len(drain(t, a)) != 0 {
		t.Fatalf("origin must not receive its own status")
	}

	handle(r, a, wire.UserStatus, wire.PresencePayload{Status: "gone"})
	if got := drain(t, a); len(got) != 1 || errorCode(t, got[0]) != wire.CodeBadRequest {
		t.Fatalf("invalid status must be rejected")
	}
}

func TestTyping_RefreshDoesNotRebroadcastAndSweepStops(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{Clock: clk})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	drainAll(t, a, b)

	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1", DisplayName: "Alice"})
	if got := drain(t, b); names(got) != wire.TypingStart {
		t.Fatalf("b frames = %s", names(got))
	}

	clk.Advance(time.Second)
	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1", DisplayName: "Alice"})
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("refresh must not rebroadcast, got %s", names(got))
	}

	// the refreshed entry lives until t=4s
	clk.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("stopped early: %s", names(got))
	}
	clk.Advance(time.Second)
	env := waitEvent(t, b, wire.TypingStop)
	var p wire.TypingPayload
	_ = env.Bind(&p)
	if p.UserID != "a" || p.DisplayName != "Alice" {
		t.Fatalf("stop payload = %+v", p)
	}
	if len(r.Typing("room1")) != 0 {
		t.Fatalf("expired entry must be swept")
	}
}

func TestTyping_ExplicitStopAndSendClearIndicator(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	drainAll(t, a, b)

	handle(r, a, wire.TypingStop, wire.TypingPayload{ChatID: "room1"})
	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("stop without start must be silent, got %s", names(got))
	}

	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1"})
	drain(t, b)
	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "hi"})
	if got := drain(t, b); names(got) != "message:typing:stop,message:receive" {
		t.Fatalf("b frames = %s", names(got))
	}
}

func TestJoin_CatchesUpOnActiveTypers(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1"})
	drainAll(t, a, b)

	handle(r, b, wire.ChatJoin, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, b); names(got) != wire.TypingStart {
		t.Fatalf("joiner frames = %s", names(got))
	}
}

func TestLeave_StopsTypingAndRemovesFromRoom(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	handle(r, a, wire.TypingStart, wire.TypingPayload{ChatID: "room1"})
	drainAll(t, a, b)

	handle(r, a, wire.ChatLeave, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, b); names(got) != wire.TypingStop {
		t.Fatalf("b frames = %s", names(got))
	}
	handle(r, b, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "hi"})
	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("left connection must not receive, got %s", names(got))
	}
	// leaving twice is fine
	handle(r, a, wire.ChatLeave, wire.RoomPayload{ChatID: "room1"})
	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("repeat leave answered %s", names(got))
	}
}

func TestReadAndReact_Broadcast(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m1", ChatID: "room1", Content: "hi"})
	drainAll(t, a, b)

	handle(r, b, wire.MessageRead, wire.MessageReadPayload{MessageID: "m1", ChatID: "room1"})
	got := drain(t, a)
	if names(got) != wire.MessageRead {
		t.Fatalf("a frames = %s", names(got))
	}
	var rp wire.MessageReadPayload
	_ = got[0].Bind(&rp)
	if rp.UserID != "b" || rp.Timestamp.IsZero() {
		t.Fatalf("read payload = %+v", rp)
	}

	handle(r, b, wire.MessageReact, wire.MessageReactPayload{MessageID: "m1", ChatID: "room1", Emoji: "+1"})
	for _, c := range []*Conn{a, b} {
		got := drain(t, c)
		if names(got) != wire.MessageReaction {
			t.Fatalf("frames = %s", names(got))
		}
		var p wire.MessageReactionPayload
		_ = got[0].Bind(&p)
		if !p.Added || len(p.Reactions["+1"]) != 1 {
			t.Fatalf("reaction payload = %+v", p)
		}
	}

	handle(r, b, wire.MessageRead, wire.MessageReadPayload{MessageID: "nope", ChatID: "room1"})
	if got := drain(t, b); len(got) != 1 || errorCode(t, got[0]) != wire.CodeBadRequest {
		t.Fatalf("unknown message must be rejected, got %s", names(got))
	}
}

func TestDispatch_DecodeErrorsAndRateLimit(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1"), Options{EventRPS: 0.001, EventBurst: 1})
	c, _ := r.Attach("")

	r.Dispatch(c, []byte("not json"))
	if got := drain(t, c); len(got) != 1 || errorCode(t, got[0]) != wire.CodeBadRequest {
		t.Fatalf("want bad_request, got %s", names(got))
	}

	r.Dispatch(c, wire.MustEncode(wire.UserConnect, wire.UserConnectPayload{UserID: "a"}))
	if got := drain(t, c); names(got) != wire.UserConnected {
		t.Fatalf("first event should pass, got %s", names(got))
	}
	r.Dispatch(c, wire.MustEncode(wire.UserStatus, wire.PresencePayload{Status: domain.PresenceAway}))
	if got := drain(t, c); len(got) != 1 || errorCode(t, got[0]) != wire.CodeRateLimited {
		t.Fatalf("want rate_limited, got %s", names(got))
	}
}

func TestSlowConsumerIsKicked(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a", "b"), Options{SendBuffer: 2})
	a, b := connectUser(t, r, "a"), connectUser(t, r, "b")
	join(t, r, a, "room1")
	join(t, r, b, "room1")
	drainAll(t, a, b)

	for i := 0; i < 3; i++ {
		handle(r, a, wire.MessageSend, wire.MessageSendPayload{MessageID: "m" + string(rune('0'+i)), ChatID: "room1", Content: "hi"})
		drain(t, a)
	}
	select {
	case <-b.kicked:
	default:
		t.Fatalf("full buffer must kick the connection")
	}
}

func TestClose_DisconnectsEveryoneAndRefusesAttach(t *testing.T) {
	r := New(newFakeStore("room1"), Options{})
	a := connectUser(t, r, "a")
	r.Close()

	got := drain(t, a)
	if len(got) == 0 || got[0].Event != wire.Disconnect {
		t.Fatalf("want disconnect frame, got %s", names(got))
	}
	var p wire.DisconnectPayload
	_ = json.Unmarshal(got[0].Data, &p)
	if p.Reason != "server shutdown" {
		t.Fatalf("reason = %q", p.Reason)
	}
	if _, err := r.Attach(""); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach after Close = %v", err)
	}
}

func TestServeWS_EndToEnd(t *testing.T) {
	r := newTestRelay(t, newFakeStore("room1", "a"), Options{})
	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(base+"?user_id=a", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, wire.MustEncode(wire.UserConnect, wire.UserConnectPayload{UserID: "a"})); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env, _ := wire.Decode(frame); env.Event != wire.UserConnected {
		t.Fatalf("want user:connected, got %s", frame)
	}

	// a handshake identity that disagrees with user:connect is refused
	ws2, _, err := websocket.DefaultDialer.Dial(base+"?user_id=a", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws2.Close()
	_ = ws2.WriteMessage(websocket.TextMessage, wire.MustEncode(wire.UserConnect, wire.UserConnectPayload{UserID: "mallory"}))
	_ = ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err = ws2.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, _ := wire.Decode(frame)
	if errorCode(t, env) != wire.CodeForbidden {
		t.Fatalf("want forbidden, got %s", frame)
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://app.example.com/"})
	req := httptest.NewRequest("GET", "/ws", nil)
	if !check(req) {
		t.Fatalf("missing Origin should pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatalf("listed origin should pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatalf("unlisted origin must fail")
	}
	if !OriginChecker([]string{"*"})(req) {
		t.Fatalf("wildcard should pass")
	}
}
