package session

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

func newTestRooms() (*RoomSubscriptionManager, *TypingCoordinator, *fakeEmitter) {
	em := &fakeEmitter{}
	tc := NewTypingCoordinator(em, timers.New(newClock()), zerolog.Nop(), self, 0)
	return NewRoomSubscriptionManager(em, tc, zerolog.Nop()), tc, em
}

func TestRooms_JoinIsIdempotentAndRemembered(t *testing.T) {
	rooms, _, em := newTestRooms()
	ctx := context.Background()

	em.setErr(ErrNotConnected)
	if err := rooms.JoinChat(ctx, "room1"); err != nil {
		t.Fatalf("offline join: %v", err)
	}
	em.setErr(nil)
	_ = rooms.JoinChat(ctx, "room1")
	_ = rooms.JoinChat(ctx, "room2")
	if em.count(wire.ChatJoin) != 1 {
		t.Fatalf("joins = %d, want 1", em.count(wire.ChatJoin))
	}
	if err := rooms.JoinChat(ctx, ""); err == nil {
		t.Fatalf("empty chat id accepted")
	}

	rooms.Rejoin(ctx)
	if em.count(wire.ChatJoin) != 3 {
		t.Fatalf("rejoin joins = %d, want 3", em.count(wire.ChatJoin))
	}
	if got := rooms.Rooms(); len(got) != 2 || got[0] != "room1" || got[1] != "room2" {
		t.Fatalf("rooms = %v", got)
	}
}

func TestRooms_LeaveStopsTyping(t *testing.T) {
	rooms, tc, em := newTestRooms()
	ctx := context.Background()

	_ = rooms.JoinChat(ctx, "room1")
	_ = tc.StartTyping(ctx, "room1")
	tc.OnRemoteStart(wire.TypingPayload{ChatID: "room1", UserID: "b"})

	if err := rooms.LeaveChat(ctx, "room1"); err != nil {
		t.Fatalf("LeaveChat: %v", err)
	}
	got := em.all()
	if len(got) != 4 || got[2].event != wire.TypingStop || got[3].event != wire.ChatLeave {
		t.Fatalf("emitted %+v", got)
	}
	if rooms.Joined("room1") || tc.IsTyping("room1") || len(tc.Typers("room1")) != 0 {
		t.Fatalf("room state survived leave")
	}
	_ = rooms.LeaveChat(ctx, "room1")
	if em.count(wire.ChatLeave) != 1 {
		t.Fatalf("second leave emitted")
	}
}

func TestRooms_Forget(t *testing.T) {
	rooms, _, em := newTestRooms()
	_ = rooms.JoinChat(context.Background(), "room1")
	rooms.Forget("room1")
	rooms.Rejoin(context.Background())
	if rooms.Joined("room1") || em.count(wire.ChatJoin) != 1 {
		t.Fatalf("forgotten room rejoined")
	}
}
