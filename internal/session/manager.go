package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

var (
	// ErrNotConnected is returned by Emit when no live connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is the terminal error published after the last
	// reconnection attempt fails.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
)

// State is the connection state exposed to the UI.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// LifecycleKind names a lifecycle event.
type LifecycleKind string

const (
	Connected    LifecycleKind = "connected"
	Disconnected LifecycleKind = "disconnected"
	Reconnecting LifecycleKind = "reconnecting"
	Failed       LifecycleKind = "error"
)

// Lifecycle is published on every connection state change.
type Lifecycle struct {
	Kind     LifecycleKind
	Reason   string        // Disconnected
	Attempt  int           // Reconnecting
	Delay    time.Duration // Reconnecting
	Err      error         // Failed
	Terminal bool          // Failed: retries stopped until Connect is called again
}

// ReasonLocal is the disconnect reason for an explicit Disconnect.
const ReasonLocal = "client disconnect"

var reconnectKey = timers.Key{Kind: "reconnect"}

// Backoff returns the delay before reconnection attempt n (1-based):
// min(base*2^(n-1), max).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ManagerOptions tunes reconnection.
type ManagerOptions struct {
	ReconnectBase time.Duration // 1s
	ReconnectCap  time.Duration // 30s
	MaxAttempts   int           // 5
	DialTimeout   time.Duration // 10s
}

// ConnectionManager owns the push channel: it dials, binds the user,
// reconnects with capped exponential backoff after unexpected drops, and
// publishes inbound frames and lifecycle events.
type ConnectionManager struct {
	dialer Dialer
	timers *timers.Registry
	clock  clockwork.Clock
	log    zerolog.Logger
	opts   ManagerOptions

	lifecycle *Topic[Lifecycle]
	inbound   *Topic[wire.Envelope]

	mu      sync.Mutex
	state   State
	userID  string
	conn    Conn
	gen     uint64 // bumps on every connect and disconnect; stale readers compare it
	epoch   uint64 // bumps on Connect and Disconnect; stale dials compare it
	attempt int
	wanted  bool // false after Disconnect or exhausted retries
}

// NewConnectionManager returns a disconnected manager. Its timers live in
// reg, which Disconnect clears entirely.
func NewConnectionManager(d Dialer, reg *timers.Registry, log zerolog.Logger, opts ManagerOptions) *ConnectionManager {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		dialer:    d,
		timers:    reg,
		clock:     reg.Clock(),
		log:       log,
		opts:      opts,
		lifecycle: NewTopic[Lifecycle](),
		inbound:   NewTopic[wire.Envelope](),
	}
}

// Lifecycle returns a subscription to lifecycle events.
func (m *ConnectionManager) Lifecycle() *Subscription[Lifecycle] { return m.lifecycle.Subscribe() }

// Inbound returns a subscription to every frame received from the relay.
func (m *ConnectionManager) Inbound() *Subscription[wire.Envelope] { return m.inbound.Subscribe() }

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the user this manager connects as.
func (m *ConnectionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect dials the relay as userID. It is a no-op while already connected
// or connecting as the same user, and restarts retries after a terminal
// error. Connecting as a different user drops the current connection first.
func (m *ConnectionManager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.wanted && m.userID == userID && m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	switchUser := m.state != StateDisconnected && m.userID != userID
	m.mu.Unlock()
	if switchUser {
		m.Disconnect()
	}

	m.mu.Lock()
	m.userID = userID
	m.wanted = true
	m.attempt = 0
	m.state = StateConnecting
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()
	return m.dial(ctx, epoch)
}

// dial connects for the Connect call that produced epoch. A dial that
// finishes after a newer Connect or a Disconnect closes its own conn.
func (m *ConnectionManager) dial(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.dialer.Dial(dctx, userID)
	cancel()
	if err == nil {
		err = conn.WriteFrame(ctx, wire.MustEncode(wire.UserConnect, wire.UserConnectPayload{UserID: userID}))
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		if !m.current(epoch) {
			return err
		}
		m.log.Warn().Err(err).Str("user_id", userID).Msg("connect failed")
		m.lifecycle.Publish(Lifecycle{Kind: Failed, Err: err})
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if !m.wanted || m.userID != userID || m.epoch != epoch || m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = StateConnected
	m.attempt = 0
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	m.log.Info().Str("user_id", userID).Msg("connected")
	m.lifecycle.Publish(Lifecycle{Kind: Connected})
	return nil
}

func (m *ConnectionManager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wanted && m.epoch == epoch
}

func (m *ConnectionManager) readLoop(conn Conn, gen uint64) {
	reason := "transport closed"
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			m.lost(gen, fmt.Sprintf("%s: %v", reason, err))
			return
		}
		env, err := wire.Decode(frame)
		if err != nil {
			m.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if env.Event == wire.Disconnect {
			var p wire.DisconnectPayload
			if env.Bind(&p) == nil && p.Reason != "" {
				reason = p.Reason
			}
		}
		m.inbound.Publish(env)
	}
}

// lost handles an unexpected drop of the connection from generation gen.
func (m *ConnectionManager) lost(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn().Str("reason", reason).Msg("connection lost")
	m.lifecycle.Publish(Lifecycle{Kind: Disconnected, Reason: reason})
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	if !m.wanted {
		m.mu.Unlock()
		return
	}
	m.attempt++
	if m.attempt > m.opts.MaxAttempts {
		m.wanted = false
		m.state = StateDisconnected
		attempts := m.attempt - 1
		m.mu.Unlock()
		m.log.Error().Int("attempts", attempts).Msg("giving up reconnecting")
		m.lifecycle.Publish(Lifecycle{Kind: Failed, Err: ErrReconnectExhausted, Terminal: true})
		return
	}
	attempt := m.attempt
	delay := Backoff(attempt, m.opts.ReconnectBase, m.opts.ReconnectCap)
	m.state = StateReconnecting
	m.timers.Arm(reconnectKey, delay, m.redial)
	m.mu.Unlock()

	m.lifecycle.Publish(Lifecycle{Kind: Reconnecting, Attempt: attempt, Delay: delay})
}

func (m *ConnectionManager) redial() {
	m.mu.Lock()
	if !m.wanted || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	epoch := m.epoch
	m.mu.Unlock()
	_ = m.dial(context.Background(), epoch)
}

// Disconnect closes the connection and cancels every pending timer:
// reconnection backoff, heartbeat, idle and typing.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	wasUp := m.state != StateDisconnected || m.conn != nil
	conn := m.conn
	m.conn = nil
	m.wanted = false
	m.gen++
	m.epoch++
	m.state = StateDisconnected
	m.attempt = 0
	m.timers.CancelAll()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasUp {
		m.lifecycle.Publish(Lifecycle{Kind: Disconnected, Reason: ReasonLocal})
	}
}

// Emit sends one event on the live connection. It returns ErrNotConnected
// when there is none.
func (m *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close disconnects and ends all subscriptions.
func (m *ConnectionManager) Close() {
	m.Disconnect()
	m.lifecycle.Close()
	m.inbound.Close()
}
