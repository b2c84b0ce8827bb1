package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// fakeConn is an in-memory push channel. Frames pushed with deliver are
// read by the manager; frames written by the manager are kept.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []wire.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	env, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) deliver(event string, payload any) { c.in <- wire.MustEncode(event, payload) }

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, e := range c.written {
		out[i] = e.Event
	}
	return out
}

// fakeDialer hands out fakeConns, or fails while fail is set. When hold is
// set, the next dial blocks until it is closed.
type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	hold  chan struct{}
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	hold := d.hold
	d.hold = nil
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeEmitter records emitted events; err is returned when set.
type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []emitted
}

type emitted struct {
	event   string
	payload any
}

func (e *fakeEmitter) Emit(_ context.Context, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, emitted{event, payload})
	return nil
}

func (e *fakeEmitter) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *fakeEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

func (e *fakeEmitter) count(event string) int {
	n := 0
	for _, x := range e.all() {
		if x.event == event {
			n++
		}
	}
	return n
}

// lastStatus returns the status of the most recent user:status emit.
func (e *fakeEmitter) lastStatus() domain.PresenceStatus {
	all := e.all()
	for i := len(all) - 1; i >= 0; i-- {
		if p, ok := all[i].payload.(wire.PresencePayload); ok {
			return p.Status
		}
	}
	return ""
}

// fakeStore is a MessageStore.
type fakeStore struct {
	mu    sync.Mutex
	err   error
	stamp time.Time // server-side timestamp written back on insert
	msgs  []*domain.Message
}

func (s *fakeStore) Insert(_ context.Context, m *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if !s.stamp.IsZero() {
		m.Timestamp = s.stamp
	}
	s.msgs = append(s.msgs, m.Clone())
	return true, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// ----- helpers -----

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing delivered")
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected delivery: %+v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func newClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
}

func self() string { return "a" }
