package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

func newTestManager(d Dialer) (*ConnectionManager, *timers.Registry, *clockwork.FakeClock) {
	clk := newClock()
	reg := timers.New(clk)
	m := NewConnectionManager(d, reg, zerolog.Nop(), ManagerOptions{})
	return m, reg, clk
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := Backoff(i+1, time.Second, 30*time.Second); got != w*time.Second {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, w*time.Second)
		}
	}
	if got := Backoff(0, time.Second, 30*time.Second); got != time.Second {
		t.Fatalf("attempt 0: got %s", got)
	}
}

func TestConnect_BindsUserAndIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(d)
	life := m.Lifecycle()
	defer m.Close()

	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := next(t, life); ev.Kind != Connected {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
	if got := d.last().events(); len(got) != 1 || got[0] != wire.UserConnect {
		t.Fatalf("first frames = %v", got)
	}
	if m.State() != StateConnected || m.UserID() != "a" {
		t.Fatalf("state = %s user = %s", m.State(), m.UserID())
	}
}

func TestConnect_SupersededDialClosesItsConn(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{hold: release}
	m, _, _ := newTestManager(d)
	defer m.Close()
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- m.Connect(ctx, "a") }()
	waitFor(t, "first dial", func() bool { return d.count() == 1 })

	m.Disconnect()
	if err := m.Connect(ctx, "a"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	close(release)
	if err := <-first; !errors.Is(err, ErrNotConnected) {
		t.Fatalf("superseded Connect = %v, want ErrNotConnected", err)
	}
	if !d.conn(0).isClosed() {
		t.Fatalf("superseded connection left open")
	}
	live := d.conn(1)
	if live.isClosed() || m.State() != StateConnected {
		t.Fatalf("live connection closed=%v state=%s", live.isClosed(), m.State())
	}

	m.Disconnect()
	if !live.isClosed() {
		t.Fatalf("Disconnect must close the live connection")
	}
}

func TestInbound_PublishesFrames(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(d)
	in := m.Inbound()
	defer m.Close()

	_ = m.Connect(context.Background(), "a")
	d.last().deliver(wire.TypingStart, wire.TypingPayload{ChatID: "room1", UserID: "b"})
	d.last().in <- []byte("not json")
	d.last().deliver(wire.TypingStop, wire.TypingPayload{ChatID: "room1", UserID: "b"})

	if env := next(t, in); env.Event != wire.TypingStart {
		t.Fatalf("got %s", env.Event)
	}
	if env := next(t, in); env.Event != wire.TypingStop {
		t.Fatalf("got %s", env.Event)
	}
}

func TestReconnect_BacksOffThenGivesUp(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, _, clk := newTestManager(d)
	life := m.Lifecycle()
	defer m.Close()

	if err := m.Connect(context.Background(), "a"); err == nil {
		t.Fatalf("expected dial error")
	}
	for attempt := 1; attempt <= 5; attempt++ {
		if ev := next(t, life); ev.Kind != Failed || ev.Terminal {
			t.Fatalf("attempt %d: %+v", attempt, ev)
		}
		ev := next(t, life)
		want := Backoff(attempt, time.Second, 30*time.Second)
		if ev.Kind != Reconnecting || ev.Attempt != attempt || ev.Delay != want {
			t.Fatalf("attempt %d: got %+v, want delay %s", attempt, ev, want)
		}
		if m.State() != StateReconnecting {
			t.Fatalf("state = %s", m.State())
		}
		clk.Advance(ev.Delay)
	}
	if ev := next(t, life); ev.Kind != Failed || ev.Terminal {
		t.Fatalf("last dial: %+v", ev)
	}
	ev := next(t, life)
	if ev.Kind != Failed || !ev.Terminal || !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("terminal = %+v", ev)
	}
	if d.count() != 6 || m.State() != StateDisconnected {
		t.Fatalf("dials = %d state = %s", d.count(), m.State())
	}

	// Connect starts over
	d.setFail(false)
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect after give-up: %v", err)
	}
	if ev := next(t, life); ev.Kind != Connected {
		t.Fatalf("got %+v", ev)
	}
}

func TestReconnect_AfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m, _, clk := newTestManager(d)
	life := m.Lifecycle()
	defer m.Close()

	_ = m.Connect(context.Background(), "a")
	next(t, life)

	first := d.last()
	first.deliver(wire.Disconnect, wire.DisconnectPayload{Reason: "server shutdown"})
	waitFor(t, "disconnect frame read", func() bool { return len(first.in) == 0 })
	_ = first.Close()

	ev := next(t, life)
	if ev.Kind != Disconnected || !strings.HasPrefix(ev.Reason, "server shutdown") {
		t.Fatalf("got %+v", ev)
	}
	ev = next(t, life)
	if ev.Kind != Reconnecting || ev.Attempt != 1 || ev.Delay != time.Second {
		t.Fatalf("got %+v", ev)
	}
	if err := m.Emit(context.Background(), wire.UserStatus, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit while down = %v", err)
	}

	clk.Advance(time.Second)
	if ev := next(t, life); ev.Kind != Connected {
		t.Fatalf("got %+v", ev)
	}
	if d.count() != 2 || d.last() == first {
		t.Fatalf("no new connection")
	}
	if err := m.Emit(context.Background(), wire.ChatJoin, wire.RoomPayload{ChatID: "room1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "join written", func() bool { return len(d.last().events()) == 2 })
}

func TestDisconnect_CancelsEveryTimer(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, reg, clk := newTestManager(d)
	life := m.Lifecycle()
	defer m.Close()

	_ = m.Connect(context.Background(), "a")
	next(t, life)
	next(t, life)
	reg.Arm(timers.Key{Kind: "typing", ChatID: "room1"}, time.Second, func() {})
	if reg.Len() != 2 {
		t.Fatalf("pending = %d", reg.Len())
	}

	m.Disconnect()
	if reg.Len() != 0 {
		t.Fatalf("timers left after Disconnect: %d", reg.Len())
	}
	if ev := next(t, life); ev.Kind != Disconnected || ev.Reason != ReasonLocal {
		t.Fatalf("got %+v", ev)
	}
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("redialed after Disconnect: %d", d.count())
	}
	quiet(t, life)
}

func TestEmit_NotConnected(t *testing.T) {
	m, _, _ := newTestManager(&fakeDialer{})
	defer m.Close()
	if err := m.Emit(context.Background(), wire.ChatJoin, wire.RoomPayload{ChatID: "room1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v", err)
	}
}
